// Package v1alpha1 defines all IronClaw resource types.
package v1alpha1

import "time"

const (
	APIVersion = "ironclaw.dev/v1alpha1"
)

// Resource kinds
const (
	KindProject     = "Project"
	KindToolBackend = "ToolBackend"
	KindAgentRun    = "AgentRun"
)

// TypeMeta describes the API version and kind of a resource.
type TypeMeta struct {
	APIVersion string `json:"apiVersion" yaml:"apiVersion"`
	Kind       string `json:"kind" yaml:"kind"`
}

// ObjectMeta holds metadata common to all resources.
type ObjectMeta struct {
	Name      string            `json:"name" yaml:"name"`
	Project   string            `json:"project,omitempty" yaml:"project,omitempty"`
	Labels    map[string]string `json:"labels,omitempty" yaml:"labels,omitempty"`
	UID       string            `json:"uid,omitempty" yaml:"uid,omitempty"`
	CreatedAt time.Time         `json:"createdAt,omitempty" yaml:"createdAt,omitempty"`
	UpdatedAt time.Time         `json:"updatedAt,omitempty" yaml:"updatedAt,omitempty"`
}

// -------------------------------------------------------
// Project
// -------------------------------------------------------

// Project represents an isolation boundary (like K8s Namespace).
type Project struct {
	TypeMeta `json:",inline" yaml:",inline"`
	Metadata ObjectMeta  `json:"metadata" yaml:"metadata"`
	Spec     ProjectSpec `json:"spec" yaml:"spec"`
	Status   string      `json:"status,omitempty" yaml:"status,omitempty"`
}

type ProjectSpec struct {
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Path        string `json:"path,omitempty" yaml:"path,omitempty"`
}

// -------------------------------------------------------
// ToolBackend
// -------------------------------------------------------

// ToolBackendPhase represents the observed availability of a ToolBackend.
type ToolBackendPhase string

const (
	BackendAvailable   ToolBackendPhase = "Available"
	BackendDegraded    ToolBackendPhase = "Degraded"
	BackendUnreachable ToolBackendPhase = "Unreachable"
)

// RiskTier classifies a tool for the approval cliff. The classification is
// deliberately binary: a tool either runs autonomously or is gated behind an
// approval step. There is no middle tier.
type RiskTier string

const (
	// TierSafe marks read-only, non-destructive tools that may be invoked
	// without approval.
	TierSafe RiskTier = "safe"

	// TierPrivileged marks destructive or externally-visible tools that must
	// not be dispatched until approval is signaled.
	TierPrivileged RiskTier = "privileged"
)

// ToolOffering describes a single tool a backend exposes.
type ToolOffering struct {
	Name        string   `json:"name" yaml:"name"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	Tier        RiskTier `json:"tier,omitempty" yaml:"tier,omitempty"`
}

// ToolBackend represents an external tool-execution server reachable by
// spawning a subprocess that speaks the stdio tool protocol.
type ToolBackend struct {
	TypeMeta `json:",inline" yaml:",inline"`
	Metadata ObjectMeta        `json:"metadata" yaml:"metadata"`
	Spec     ToolBackendSpec   `json:"spec" yaml:"spec"`
	Status   ToolBackendStatus `json:"status,omitempty" yaml:"status,omitempty"`
}

type ToolBackendSpec struct {
	Command string            `json:"command" yaml:"command"`
	Args    []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	Tools   []ToolOffering    `json:"tools,omitempty" yaml:"tools,omitempty"`
	// ProtocolVersion pins the handshake version the backend must report.
	// Empty means the client default.
	ProtocolVersion string `json:"protocolVersion,omitempty" yaml:"protocolVersion,omitempty"`
	// InitTimeoutSeconds and CallTimeoutSeconds override the client defaults
	// for the initialize handshake and individual tool calls.
	InitTimeoutSeconds int `json:"initTimeoutSeconds,omitempty" yaml:"initTimeoutSeconds,omitempty"`
	CallTimeoutSeconds int `json:"callTimeoutSeconds,omitempty" yaml:"callTimeoutSeconds,omitempty"`
}

type ToolBackendStatus struct {
	Phase      ToolBackendPhase `json:"phase" yaml:"phase"`
	ActiveRuns int              `json:"activeRuns" yaml:"activeRuns"`
	// TotalCalls counts tool calls dispatched through this backend's session.
	TotalCalls int       `json:"totalCalls" yaml:"totalCalls"`
	LastProbe  time.Time `json:"lastProbe,omitempty" yaml:"lastProbe,omitempty"`
	Message    string    `json:"message,omitempty" yaml:"message,omitempty"`
}

// -------------------------------------------------------
// AgentRun
// -------------------------------------------------------

// AgentRunPhase represents the lifecycle phase of an AgentRun.
//
// Completed, Exhausted and Failed are the three distinct terminal outcomes:
// the policy signaled completion, the iteration ceiling was reached, or the
// run aborted on a policy or session-fatal transport error.
type AgentRunPhase string

const (
	RunPending   AgentRunPhase = "Pending"
	RunScheduled AgentRunPhase = "Scheduled"
	RunRunning   AgentRunPhase = "Running"
	RunCompleted AgentRunPhase = "Completed"
	RunExhausted AgentRunPhase = "Exhausted"
	RunFailed    AgentRunPhase = "Failed"
)

// IsTerminal reports whether the phase is one of the three terminal outcomes.
func (p AgentRunPhase) IsTerminal() bool {
	return p == RunCompleted || p == RunExhausted || p == RunFailed
}

// Message is a single entry in a run's conversation transcript. Insertion
// order is the conversation order and is preserved verbatim for replay.
type Message struct {
	Role    string `json:"role" yaml:"role"`
	Content string `json:"content" yaml:"content"`
}

// AgentRun represents one invocation of the agent decision loop.
type AgentRun struct {
	TypeMeta `json:",inline" yaml:",inline"`
	Metadata ObjectMeta     `json:"metadata" yaml:"metadata"`
	Spec     AgentRunSpec   `json:"spec" yaml:"spec"`
	Status   AgentRunStatus `json:"status,omitempty" yaml:"status,omitempty"`
}

type AgentRunSpec struct {
	Task string `json:"task" yaml:"task"`
	// Tools restricts the run to a subset of the backend's offerings.
	// Empty means every tool the assigned backend offers.
	Tools []string `json:"tools,omitempty" yaml:"tools,omitempty"`
	// Backend pins the run to a named ToolBackend. Empty lets the scheduler
	// choose one.
	Backend        string `json:"backend,omitempty" yaml:"backend,omitempty"`
	MaxIterations  int    `json:"maxIterations,omitempty" yaml:"maxIterations,omitempty"`
	TimeoutSeconds int    `json:"timeoutSeconds,omitempty" yaml:"timeoutSeconds,omitempty"`
	// ApprovalMode overrides the server's approval policy for this run:
	// "auto" approves privileged calls, "deny" rejects them, empty defers to
	// the configured approver.
	ApprovalMode string `json:"approvalMode,omitempty" yaml:"approvalMode,omitempty"`
}

type AgentRunStatus struct {
	Phase           AgentRunPhase `json:"phase" yaml:"phase"`
	AssignedBackend string        `json:"assignedBackend,omitempty" yaml:"assignedBackend,omitempty"`
	Iterations      int           `json:"iterations" yaml:"iterations"`
	Transcript      []Message     `json:"transcript,omitempty" yaml:"transcript,omitempty"`
	Error           string        `json:"error,omitempty" yaml:"error,omitempty"`
	StartedAt       time.Time     `json:"startedAt,omitempty" yaml:"startedAt,omitempty"`
	FinishedAt      time.Time     `json:"finishedAt,omitempty" yaml:"finishedAt,omitempty"`
}

// -------------------------------------------------------
// Watch types
// -------------------------------------------------------

// EventType represents the type of a watch event.
type EventType string

const (
	EventAdded    EventType = "ADDED"
	EventModified EventType = "MODIFIED"
	EventDeleted  EventType = "DELETED"
)

// WatchEvent is emitted when a resource changes in the store.
type WatchEvent struct {
	Type   EventType
	Kind   string
	Key    string
	Object interface{}
}

// -------------------------------------------------------
// Log entry
// -------------------------------------------------------

// LogEntry represents a single log line from a run.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	RunName   string    `json:"runName"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
}
