// Package driver defines the automation driver contract the session pool
// depends on, plus a rod-backed implementation that automates a browser-hosted
// chat surface. The pool never touches the browser directly; it only holds
// opaque handles and calls through this interface.
package driver

import (
	"context"
	"errors"
	"time"
)

// Handle is an opaque reference to one remote conversational surface.
// Handles are created and destroyed by the Driver; the pool only stores them.
type Handle interface {
	ID() string
}

// ProbeResult reports the health of a surface.
type ProbeResult struct {
	Healthy        bool     `json:"healthy"`
	CanSendMessage bool     `json:"canSendMessage"`
	Issues         []string `json:"issues,omitempty"`
}

// ExtractResult is the outcome of reading a response from the surface.
// Complete indicates the surface finished streaming; a partial read with
// Complete=false is returned alongside an error.
type ExtractResult struct {
	Success  bool   `json:"success"`
	Text     string `json:"text"`
	Complete bool   `json:"complete"`
}

// Driver performs prompt injection, response extraction, and health probing
// against a remote surface. Implementations must return by the deadline on
// the supplied context; Inject and Extract must never block indefinitely,
// even on a broken handle.
type Driver interface {
	Create(ctx context.Context) (Handle, error)
	Destroy(ctx context.Context, h Handle) error
	Inject(ctx context.Context, h Handle, text string) error
	Extract(ctx context.Context, h Handle, timeout time.Duration) (*ExtractResult, error)
	Probe(ctx context.Context, h Handle) (*ProbeResult, error)
}

// Nudger is an optional driver capability used during session warmup: a cheap
// recovery primitive (typically a page reload) invoked when initial probes
// keep failing.
type Nudger interface {
	Nudge(ctx context.Context, h Handle) error
}

// Surface-level failures the pool and facade classify with errors.Is.
var (
	ErrHandleNotFound = errors.New("handle not found")
	ErrLoginRequired  = errors.New("login required")
	ErrCaptchaBlocked = errors.New("captcha challenge detected")
	ErrRateLimited    = errors.New("surface rate limited")
)
