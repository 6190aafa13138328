// Package allocation looks up a user's compute allocations in an external
// inventory service so the options form can pre-select one.
//
// The lookup is advisory: Default never fails, it reports Unavailable and
// the spawn proceeds without a pre-selected allocation.
package allocation

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/3leaps/gospawner/pkg/cmdtemplate"
)

// RepoType is the record type kept by Allocations.
const RepoType = "REPO"

// DefaultTimeout bounds a single inventory request.
const DefaultTimeout = 5 * time.Second

// maxBody caps the inventory response size.
const maxBody = 4 << 20

// Config configures a Resolver.
type Config struct {
	// URL is the endpoint template; {username} is replaced with the
	// path-escaped user name.
	URL string

	// Timeout bounds each request. Zero means DefaultTimeout.
	Timeout time.Duration

	// RateLimit caps requests per second. Zero disables limiting.
	RateLimit float64

	// Header is added to every request (e.g. an API key).
	Header http.Header
}

// Record is one entry of the inventory response.
type Record struct {
	Name     string `json:"rname"`
	RepoType string `json:"repo_type"`
}

// StatusError reports a non-2xx inventory response.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("inventory returned HTTP %d", e.StatusCode)
}

// Resolver queries the inventory service.
type Resolver struct {
	url     *cmdtemplate.Template
	timeout time.Duration
	header  http.Header
	limiter *rate.Limiter
	client  *http.Client
	log     *zap.Logger
}

// New validates cfg and returns a Resolver. A nil client uses
// http.DefaultClient; a nil logger disables logging.
func New(cfg Config, client *http.Client, logger *zap.Logger) (*Resolver, error) {
	tmpl, err := cmdtemplate.Compile("inventory.url", cfg.URL, []string{"username"})
	if err != nil {
		return nil, err
	}
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Resolver{
		url:     tmpl,
		timeout: cfg.Timeout,
		header:  cfg.Header.Clone(),
		client:  client,
		log:     logger,
	}
	if r.timeout <= 0 {
		r.timeout = DefaultTimeout
	}
	if cfg.RateLimit > 0 {
		r.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}
	return r, nil
}

// Allocations returns the user's REPO allocation names in response order.
func (r *Resolver) Allocations(ctx context.Context, user string) ([]string, error) {
	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	endpoint, err := r.url.Render(cmdtemplate.Vars{"username": url.PathEscape(user)})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	for k, vs := range r.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBody))
		return nil, &StatusError{StatusCode: resp.StatusCode}
	}

	var records []Record
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBody)).Decode(&records); err != nil {
		return nil, fmt.Errorf("decode inventory response: %w", err)
	}

	out := make([]string, 0, len(records))
	for _, rec := range records {
		if rec.RepoType == RepoType && rec.Name != "" {
			out = append(out, rec.Name)
		}
	}
	return out, nil
}

// Default returns the user's first REPO allocation. ok is false when the
// inventory is unavailable or lists none; the error is logged only.
func (r *Resolver) Default(ctx context.Context, user string) (string, bool) {
	names, err := r.Allocations(ctx, user)
	if err != nil {
		r.log.Warn("Allocation lookup unavailable", zap.String("user", user), zap.Error(err))
		return "", false
	}
	if len(names) == 0 {
		return "", false
	}
	return names[0], true
}
