package core

import "time"

// InvocationType distinguishes start from stop requests.
type InvocationType string

const (
	// InvocationTypeStartExecution requests a new execution of the attached run spec.
	InvocationTypeStartExecution InvocationType = "start_execution"
	// InvocationTypeStopExecution requests that a running execution be stopped.
	InvocationTypeStopExecution InvocationType = "stop_execution"
)

// Invocation is a request to start or stop an execution. It is owned by the
// caller / transport and must be treated as immutable once created.
//
// Data is the opaque run specification consumed by validation. For start
// invocations it usually carries a "config" object (see RunConfig); stop
// invocations carry the "execution_id" they target.
type Invocation struct {
	ID        string         `json:"id"`
	Type      InvocationType `json:"type"`
	UserID    string         `json:"user_id"`
	ServerID  string         `json:"server_id,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// IsStart reports whether the invocation asks for a new execution.
func (i Invocation) IsStart() bool { return i.Type == InvocationTypeStartExecution }

// IsStop reports whether the invocation asks to stop an execution.
func (i Invocation) IsStop() bool { return i.Type == InvocationTypeStopExecution }

// StringData returns the string stored under key in Data, or "".
func (i Invocation) StringData(key string) string {
	if i.Data == nil {
		return ""
	}
	s, _ := i.Data[key].(string)
	return s
}
