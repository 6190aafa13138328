package batch

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/3leaps/gospawner/pkg/spawner"
)

// QueueState is the classification of raw queue-status text.
type QueueState int

const (
	QueueTerminal QueueState = iota
	QueuePending
	QueueRunning
)

func (s QueueState) String() string {
	switch s {
	case QueuePending:
		return "pending"
	case QueueRunning:
		return "running"
	default:
		return "terminal"
	}
}

// Classification is the result of classifying queue-status text.
type Classification struct {
	State QueueState

	// Host is the execution host; set only when State is QueueRunning.
	Host string
}

// RegexContract holds the three state patterns of a profile.
type RegexContract struct {
	pending  *regexp.Regexp
	running  *regexp.Regexp
	execHost *regexp.Regexp
}

// CompileContract compiles the pending, running and exec-host patterns. The
// exec-host pattern must have at least one capture group.
func CompileContract(pending, running, execHost string) (*RegexContract, error) {
	c := &RegexContract{}
	var err error
	if c.pending, err = compilePattern("state_pending_re", pending); err != nil {
		return nil, err
	}
	if c.running, err = compilePattern("state_running_re", running); err != nil {
		return nil, err
	}
	if c.execHost, err = compilePattern("state_exechost_re", execHost); err != nil {
		return nil, err
	}
	if c.execHost.NumSubexp() < 1 {
		return nil, &spawner.ConfigurationError{Field: "state_exechost_re", Message: "must capture the host in group 1"}
	}
	return c, nil
}

func compilePattern(field, expr string) (*regexp.Regexp, error) {
	if strings.TrimSpace(expr) == "" {
		return nil, &spawner.ConfigurationError{Field: field, Message: "is required"}
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, &spawner.ConfigurationError{Field: field, Message: err.Error()}
	}
	return re, nil
}

// Classify maps queue-status text to a QueueState.
//
// Pending is tested before running. Running text must also yield a host
// through the exec-host pattern; if it does not, a *spawner.ConfigurationError
// is returned. Text matching neither pattern, including empty text, is
// terminal.
func (c *RegexContract) Classify(text string) (Classification, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Classification{State: QueueTerminal}, nil
	}
	if c.pending.MatchString(text) {
		return Classification{State: QueuePending}, nil
	}
	if c.running.MatchString(text) {
		m := c.execHost.FindStringSubmatch(text)
		if len(m) < 2 || m[1] == "" {
			return Classification{State: QueueRunning}, &spawner.ConfigurationError{
				Field:   "state_exechost_re",
				Message: fmt.Sprintf("no host in running status %q", text),
			}
		}
		return Classification{State: QueueRunning, Host: m[1]}, nil
	}
	return Classification{State: QueueTerminal}, nil
}
