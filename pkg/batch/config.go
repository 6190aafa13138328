// Package batch drives a notebook session as a job in a workload manager
// queue: submit through a templated shell command, poll queue status through
// a regular-expression contract, cancel on stop.
//
// Scheduler differences are pure configuration. A site supplies its own
// command templates, batch script and state patterns in Config; there is one
// driver type.
package batch

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/3leaps/gospawner/pkg/cmdtemplate"
	"github.com/3leaps/gospawner/pkg/spawner"
)

// SSHPrefix is the default command prefix used to reach a login node.
const SSHPrefix = "ssh -q -o StrictHostKeyChecking=no -o preferredauthentications=publickey -l {username} -i {key_file} {remote_host} "

// DefaultBatchScript is the default Slurm batch script.
const DefaultBatchScript = `#!/bin/bash
#SBATCH --constraint={constraint}
#SBATCH --job-name=jupyter
#SBATCH --output=jupyter-%j.log
#SBATCH --qos={qos}
#SBATCH --time={runtime}

{env_text}
unset XDG_RUNTIME_DIR
{cmd}
`

// Default timeouts.
const (
	DefaultSubmitTimeout = 60 * time.Second
	DefaultQueryTimeout  = 30 * time.Second
	DefaultCancelTimeout = 30 * time.Second
)

// Config is the user-facing configuration of a batch profile, as decoded
// from a profile's config mapping.
type Config struct {
	// Description is shown on the options form.
	Description string `mapstructure:"description" json:"description,omitempty"`

	// SubmitCommand reads the batch script on stdin and prints the job id
	// as the last token (e.g. "Submitted batch job 209").
	SubmitCommand string `mapstructure:"submit_command" json:"submit_command"`

	// QueryCommand prints the job's queue state (e.g. "RUNNING nid00042").
	QueryCommand string `mapstructure:"query_command" json:"query_command"`

	// CancelCommand removes the job from the queue.
	CancelCommand string `mapstructure:"cancel_command" json:"cancel_command"`

	// BatchScript is the script passed to SubmitCommand on stdin.
	BatchScript string `mapstructure:"batch_script" json:"batch_script"`

	StatePendingRE  string `mapstructure:"state_pending_re" json:"state_pending_re"`
	StateRunningRE  string `mapstructure:"state_running_re" json:"state_running_re"`
	StateExecHostRE string `mapstructure:"state_exechost_re" json:"state_exechost_re"`

	QOS        string `mapstructure:"qos" json:"qos,omitempty"`
	Constraint string `mapstructure:"constraint" json:"constraint,omitempty"`
	Runtime    string `mapstructure:"runtime" json:"runtime,omitempty"`
	Nodelist   string `mapstructure:"nodelist" json:"nodelist,omitempty"`
	Account    string `mapstructure:"account" json:"account,omitempty"`
	Partition  string `mapstructure:"partition" json:"partition,omitempty"`
	RemoteHost string `mapstructure:"remote_host" json:"remote_host,omitempty"`

	// KeyFile is the SSH key path; defaults to /tmp/<user>.key.
	KeyFile string `mapstructure:"key_file" json:"key_file,omitempty"`

	// Port is the notebook port when the session does not carry one.
	Port int `mapstructure:"port" json:"port,omitempty"`

	// Command is the notebook command when the session does not name one.
	Command string `mapstructure:"cmd" json:"cmd,omitempty"`

	// Vars declares extra template variables.
	Vars map[string]string `mapstructure:"vars" json:"vars,omitempty"`

	SubmitTimeout time.Duration `mapstructure:"submit_timeout" json:"submit_timeout,omitempty"`
	QueryTimeout  time.Duration `mapstructure:"query_timeout" json:"query_timeout,omitempty"`
	CancelTimeout time.Duration `mapstructure:"cancel_timeout" json:"cancel_timeout,omitempty"`
}

// DefaultConfig returns the Slurm-over-SSH defaults.
func DefaultConfig() Config {
	return Config{
		SubmitCommand: SSHPrefix + "/usr/bin/sbatch",
		QueryCommand:  SSHPrefix + `squeue -h -j {job_id} -o \"%T %B\"`,
		CancelCommand: SSHPrefix + "/usr/bin/scancel {job_id}",
		BatchScript:   DefaultBatchScript,
		// Long-form states: PENDING, CONFIGURING = pending; RUNNING, COMPLETING = running.
		StatePendingRE:  `^(?:PENDING|CONFIGURING)`,
		StateRunningRE:  `^(?:RUNNING|COMPLETING)`,
		StateExecHostRE: `\s+((?:[\w_-]+\.?)+)$`,
		QOS:             "regular",
		Constraint:      "haswell",
		Runtime:         "04:00:00",
		RemoteHost:      "remote_host",
		Command:         "jupyterhub-singleuser",
		SubmitTimeout:   DefaultSubmitTimeout,
		QueryTimeout:    DefaultQueryTimeout,
		CancelTimeout:   DefaultCancelTimeout,
	}
}

// Spec is a validated, immutable batch configuration.
type Spec struct {
	cfg      Config
	submit   *cmdtemplate.Template
	query    *cmdtemplate.Template
	cancel   *cmdtemplate.Template
	script   *cmdtemplate.Template
	contract *RegexContract
}

// Compile validates cfg: every template must parse and reference only known
// or declared variables, and all three patterns must compile.
func (c Config) Compile() (*Spec, error) {
	var extra []string
	for k := range c.Vars {
		for _, known := range cmdtemplate.KnownVariables {
			if k == known {
				return nil, &spawner.ConfigurationError{Field: "vars." + k, Message: "shadows a built-in variable"}
			}
		}
		extra = append(extra, k)
	}
	sort.Strings(extra)
	known := cmdtemplate.WithExtra(extra...)

	compile := func(field, text string) (*cmdtemplate.Template, error) {
		if strings.TrimSpace(text) == "" {
			return nil, &spawner.ConfigurationError{Field: field, Message: "is required"}
		}
		t, err := cmdtemplate.Compile(field, text, known)
		if err != nil {
			return nil, &spawner.ConfigurationError{Field: field, Message: err.Error()}
		}
		return t, nil
	}

	s := &Spec{cfg: c}
	var err error
	if s.submit, err = compile("submit_command", c.SubmitCommand); err != nil {
		return nil, err
	}
	if s.query, err = compile("query_command", c.QueryCommand); err != nil {
		return nil, err
	}
	if s.cancel, err = compile("cancel_command", c.CancelCommand); err != nil {
		return nil, err
	}
	if s.script, err = compile("batch_script", c.BatchScript); err != nil {
		return nil, err
	}
	if s.contract, err = CompileContract(c.StatePendingRE, c.StateRunningRE, c.StateExecHostRE); err != nil {
		return nil, err
	}

	if s.cfg.SubmitTimeout <= 0 {
		s.cfg.SubmitTimeout = DefaultSubmitTimeout
	}
	if s.cfg.QueryTimeout <= 0 {
		s.cfg.QueryTimeout = DefaultQueryTimeout
	}
	if s.cfg.CancelTimeout <= 0 {
		s.cfg.CancelTimeout = DefaultCancelTimeout
	}
	return s, nil
}

// Config returns a copy of the validated configuration.
func (s *Spec) Config() Config {
	return s.cfg
}

// Contract returns the compiled state patterns.
func (s *Spec) Contract() *RegexContract {
	return s.contract
}

// Vars builds the Substitution Context for session. jobID may be empty.
func (s *Spec) Vars(session spawner.Session, jobID string) cmdtemplate.Vars {
	v := make(cmdtemplate.Vars, len(s.cfg.Vars)+16)
	for k, val := range s.cfg.Vars {
		v[k] = val
	}

	keyFile := s.cfg.KeyFile
	if keyFile == "" {
		keyFile = "/tmp/" + session.User + ".key"
	}
	command := session.Command
	if command == "" {
		command = s.cfg.Command
	}
	port := ""
	if p := session.Port; p > 0 {
		port = fmt.Sprintf("%d", p)
	} else if s.cfg.Port > 0 {
		port = fmt.Sprintf("%d", s.cfg.Port)
	}

	v["username"] = session.User
	v["remote_host"] = s.cfg.RemoteHost
	v["qos"] = s.cfg.QOS
	v["constraint"] = s.cfg.Constraint
	v["runtime"] = s.cfg.Runtime
	v["nodelist"] = s.cfg.Nodelist
	v["account"] = s.cfg.Account
	v["partition"] = s.cfg.Partition
	v["key_file"] = keyFile
	v["port"] = port
	v["cmd"] = command
	v["env_text"] = spawner.EnvText(session.Environment())
	if jobID != "" {
		v["job_id"] = jobID
	}
	return v
}

// RenderSubmit renders the batch script and the submit command line.
func (s *Spec) RenderSubmit(session spawner.Session) (script, line string, err error) {
	vars := s.Vars(session, "")
	if script, err = s.script.Render(vars); err != nil {
		return "", "", err
	}
	if line, err = s.submit.Render(vars); err != nil {
		return "", "", err
	}
	return script, line, nil
}

// RenderQuery renders the query command line for jobID.
func (s *Spec) RenderQuery(session spawner.Session, jobID string) (string, error) {
	return s.query.Render(s.Vars(session, jobID))
}

// RenderCancel renders the cancel command line for jobID.
func (s *Spec) RenderCancel(session spawner.Session, jobID string) (string, error) {
	return s.cancel.Render(s.Vars(session, jobID))
}
