package spawner

import (
	"sort"
	"strings"
)

// Session carries the gateway identity a driver needs to launch a notebook
// that can call back into the gateway. It is passed explicitly to drivers;
// drivers never read ambient gateway state.
type Session struct {
	// User is the gateway user name; also the remote login name.
	User string `json:"user"`

	// SessionID correlates log lines and persisted records.
	SessionID string `json:"session_id,omitempty"`

	// APIToken authenticates the notebook's callbacks to the gateway.
	APIToken string `json:"-"`

	// HubAPIURL is the gateway API URL reachable from compute nodes.
	HubAPIURL string `json:"hub_api_url,omitempty"`

	// BaseURL is the user's server prefix (e.g. /user/alice/).
	BaseURL string `json:"base_url,omitempty"`

	// HubPrefix is the gateway's URL prefix (e.g. /hub/).
	HubPrefix string `json:"hub_prefix,omitempty"`

	// CookieName is the user's server cookie name.
	CookieName string `json:"cookie_name,omitempty"`

	// NotebookDir is the starting directory, if any.
	NotebookDir string `json:"notebook_dir,omitempty"`

	// Path overrides PATH in the launched environment, if set.
	Path string `json:"path,omitempty"`

	// Port is the port the notebook server should bind, if pre-selected.
	Port int `json:"port,omitempty"`

	// Command is the notebook server command line.
	Command string `json:"command,omitempty"`

	// Env holds extra environment entries.
	Env map[string]string `json:"env,omitempty"`
}

// EnvVar is one NAME=value entry.
type EnvVar struct {
	Name  string
	Value string
}

// Environment returns the launch environment in a fixed order: the gateway
// variables first, then Env entries sorted by name. Empty gateway values are
// omitted.
func (s Session) Environment() []EnvVar {
	var out []EnvVar
	add := func(name, value string) {
		if value != "" {
			out = append(out, EnvVar{Name: name, Value: value})
		}
	}

	add("JUPYTERHUB_API_TOKEN", s.APIToken)
	add("JPY_API_TOKEN", s.APIToken)
	add("JPY_USER", s.User)
	add("JUPYTERHUB_USER", s.User)
	add("JPY_COOKIE_NAME", s.CookieName)
	add("JPY_BASE_URL", s.BaseURL)
	add("JUPYTERHUB_SERVICE_PREFIX", s.BaseURL)
	add("JPY_HUB_PREFIX", s.HubPrefix)
	add("JUPYTERHUB_PREFIX", s.HubPrefix)
	add("PATH", s.Path)
	add("NOTEBOOK_DIR", s.NotebookDir)
	add("JPY_HUB_API_URL", s.HubAPIURL)
	add("JUPYTERHUB_API_URL", s.HubAPIURL)

	names := make([]string, 0, len(s.Env))
	for k := range s.Env {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		out = append(out, EnvVar{Name: k, Value: s.Env[k]})
	}
	return out
}

// EnvText renders vars as one `export NAME=value` line per entry.
func EnvText(vars []EnvVar) string {
	var b strings.Builder
	for _, v := range vars {
		b.WriteString("export ")
		b.WriteString(v.Name)
		b.WriteByte('=')
		b.WriteString(v.Value)
		b.WriteByte('\n')
	}
	return b.String()
}
