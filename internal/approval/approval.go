// Package approval implements the approval cliff for privileged tool calls.
//
// Risk classification is binary: safe tools run autonomously, privileged
// tools must not be dispatched to a backend until an approver signals
// consent. The transport consults an Approver before transmitting any
// privileged request; everything else about the approval mechanism (who
// answers, and how) is the approver's concern.
package approval

import (
	"context"
	"errors"
	"fmt"

	v1alpha1 "github.com/anchapin/ironclaw/pkg/apis/v1alpha1"
)

// ErrDenied is returned (wrapped) when an approver rejects a privileged
// call. It is a per-call failure, not a session-fatal one.
var ErrDenied = errors.New("approval denied")

// Request describes a privileged tool call awaiting a decision.
type Request struct {
	// Run names the AgentRun on whose behalf the call is made. Empty for
	// one-off invocations (e.g. the exec command).
	Run string

	Tool      string
	Arguments map[string]interface{}
	Tier      v1alpha1.RiskTier
}

// Decision is an approver's answer.
type Decision int

const (
	Denied Decision = iota
	Approved
)

// Approver decides whether a privileged tool call may be dispatched.
// Approve blocks until a decision is available or ctx is done.
type Approver interface {
	Approve(ctx context.Context, req Request) (Decision, error)
}

// -------------------------------------------------------
// Static approvers
// -------------------------------------------------------

// Auto approves or denies every request without asking anyone. Auto(true)
// is the "yolo" policy; Auto(false) fails closed and is the default when no
// approver is configured.
type Auto bool

func (a Auto) Approve(ctx context.Context, req Request) (Decision, error) {
	if bool(a) {
		return Approved, nil
	}
	return Denied, nil
}

// -------------------------------------------------------
// Channel approver
// -------------------------------------------------------

// Pending is a request parked on a Broker, waiting for an answer.
type Pending struct {
	ID      string
	Request Request
	answer  chan Decision
}

// Broker queues privileged requests for an external decider (the TUI, an
// API endpoint, a test). Approve parks the request and blocks; the decider
// drains Requests() and answers each one.
type Broker struct {
	requests chan *Pending
}

// NewBroker creates a Broker with the given queue depth.
func NewBroker(depth int) *Broker {
	if depth <= 0 {
		depth = 16
	}
	return &Broker{requests: make(chan *Pending, depth)}
}

// Requests exposes the queue of undecided requests.
func (b *Broker) Requests() <-chan *Pending {
	return b.requests
}

// Approve implements Approver. It blocks until the request is answered or
// ctx is done.
func (b *Broker) Approve(ctx context.Context, req Request) (Decision, error) {
	p := &Pending{
		ID:      fmt.Sprintf("%s/%s", req.Run, req.Tool),
		Request: req,
		answer:  make(chan Decision, 1),
	}

	select {
	case b.requests <- p:
	case <-ctx.Done():
		return Denied, fmt.Errorf("approval queue: %w", ctx.Err())
	}

	select {
	case d := <-p.answer:
		return d, nil
	case <-ctx.Done():
		return Denied, fmt.Errorf("awaiting approval: %w", ctx.Err())
	}
}

// Answer resolves a pending request. Answering twice is a no-op.
func (p *Pending) Answer(d Decision) {
	select {
	case p.answer <- d:
	default:
	}
}

// ForMode returns the approver implied by an AgentRun's approvalMode field,
// falling back to def when the mode is empty.
func ForMode(mode string, def Approver) (Approver, error) {
	switch mode {
	case "":
		if def == nil {
			return Auto(false), nil
		}
		return def, nil
	case "auto":
		return Auto(true), nil
	case "deny":
		return Auto(false), nil
	default:
		return nil, fmt.Errorf("unknown approval mode %q (valid: auto, deny)", mode)
	}
}
