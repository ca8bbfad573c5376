// Package gate suspends stages until an external approval arrives.
package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"
)

var (
	ErrRejected        = errors.New("approval rejected")
	ErrApprovalTimeout = errors.New("approval timed out")
	ErrNotAllowed      = errors.New("approver not in allow-list")
	ErrUnknownRequest  = errors.New("no pending approval request")
)

// Request is a pending approval.
type Request struct {
	ID         string    `json:"id"`
	RunID      string    `json:"run_id"`
	Stage      string    `json:"stage"`
	Message    string    `json:"message"`
	Submitters []string  `json:"submitters,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	Deadline   time.Time `json:"deadline,omitzero"`
}

// Allows reports whether approver may decide this request.
func (r Request) Allows(approver string) bool {
	return len(r.Submitters) == 0 || slices.Contains(r.Submitters, approver)
}

// Decision is the answer to a Request.
type Decision struct {
	Approved bool      `json:"approved"`
	Approver string    `json:"approver"`
	Comment  string    `json:"comment,omitempty"`
	At       time.Time `json:"at"`
}

type pending struct {
	req      Request
	decision chan Decision
}

// Controller tracks pending approvals. Safe for concurrent use.
type Controller struct {
	log *slog.Logger
	now func() time.Time

	mu          sync.Mutex
	pending     map[string]*pending
	subscribers []func(Request)

	// OnChange, when set, receives the number of pending requests after
	// every change.
	OnChange func(pending int)
}

// NewController returns an empty Controller. A nil logger discards.
func NewController(log *slog.Logger) *Controller {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Controller{log: log, now: time.Now, pending: make(map[string]*pending)}
}

// RequestID returns the ID used for the gate of stage in run.
func RequestID(runID, stage string) string {
	return runID + "/" + stage
}

// Subscribe registers fn to be called, in its own goroutine, for every
// new request.
func (c *Controller) Subscribe(fn func(Request)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribers = append(c.subscribers, fn)
}

// Await registers req and blocks until it is decided, timeout elapses
// (zero means no timeout) or ctx is done. A rejection returns the
// decision together with ErrRejected.
func (c *Controller) Await(ctx context.Context, req Request, timeout time.Duration) (Decision, error) {
	if req.ID == "" {
		req.ID = RequestID(req.RunID, req.Stage)
	}
	req.CreatedAt = c.now()
	if timeout > 0 {
		req.Deadline = req.CreatedAt.Add(timeout)
	}
	p := &pending{req: req, decision: make(chan Decision, 1)}

	c.mu.Lock()
	if _, dup := c.pending[req.ID]; dup {
		c.mu.Unlock()
		return Decision{}, fmt.Errorf("approval %q already pending", req.ID)
	}
	c.pending[req.ID] = p
	subs := slices.Clone(c.subscribers)
	c.changedLocked()
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.changedLocked()
		c.mu.Unlock()
	}()

	c.log.Info("awaiting approval", "id", req.ID, "message", req.Message)
	for _, fn := range subs {
		go fn(req)
	}

	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}
	select {
	case d := <-p.decision:
		if !d.Approved {
			return d, ErrRejected
		}
		return d, nil
	case <-expired:
		return Decision{}, ErrApprovalTimeout
	case <-ctx.Done():
		return Decision{}, context.Cause(ctx)
	}
}

func (c *Controller) changedLocked() {
	if c.OnChange != nil {
		c.OnChange(len(c.pending))
	}
}

// Approve approves the pending request id.
func (c *Controller) Approve(id, approver, comment string) error {
	return c.decide(id, Decision{Approved: true, Approver: approver, Comment: comment}, true)
}

// Reject rejects the pending request id.
func (c *Controller) Reject(id, approver, comment string) error {
	return c.decide(id, Decision{Approved: false, Approver: approver, Comment: comment}, true)
}

func (c *Controller) decide(id string, d Decision, checkAllowed bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[id]
	if !ok {
		return fmt.Errorf("%s: %w", id, ErrUnknownRequest)
	}
	if checkAllowed && !p.req.Allows(d.Approver) {
		return fmt.Errorf("%s may not decide %s: %w", d.Approver, id, ErrNotAllowed)
	}
	d.At = c.now()
	select {
	case p.decision <- d:
	default:
		return fmt.Errorf("%s: already decided", id)
	}
	c.log.Info("approval decided", "id", id, "approved", d.Approved, "approver", d.Approver)
	return nil
}

// Pending lists the open requests, oldest first.
func (c *Controller) Pending() []Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Request, 0, len(c.pending))
	for _, p := range c.pending {
		out = append(out, p.req)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// AutoApprove approves every request as approver, bypassing allow-lists.
// Used for unattended runs started with explicit consent.
func AutoApprove(c *Controller, approver string) {
	c.Subscribe(func(r Request) {
		if err := c.decide(r.ID, Decision{Approved: true, Approver: approver, Comment: "auto-approved"}, false); err != nil {
			c.log.Warn("auto-approve failed", "id", r.ID, "error", err)
		}
	})
}
