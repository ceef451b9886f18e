package core

import "time"

// MessageKind classifies an ExecutionMessage.
type MessageKind string

const (
	MessageKindExecutionStarted  MessageKind = "execution_started"
	MessageKindExecutionFinished MessageKind = "execution_finished"
	MessageKindExecutionRejected MessageKind = "execution_rejected"
	MessageKindStdout            MessageKind = "stdout"
	MessageKindStderr            MessageKind = "stderr"
)

// Unindexed marks a message that sits outside the numbered output sequence.
// Only the synthetic ExecutionStarted marker carries it.
const Unindexed = -1

// ExecutionMessage is one ordered unit of output or lifecycle signal. ID and
// Timestamp are assigned at persistence time, never at creation.
//
// Within one execution Index is strictly increasing for output messages and is
// never reused; ExecutionFinished takes the number following the last output.
type ExecutionMessage struct {
	ID           string      `json:"id,omitempty"`
	Kind         MessageKind `json:"kind"`
	Data         string      `json:"data"`
	Index        int         `json:"index"`
	VirtualIndex *int        `json:"virtual_index,omitempty"`
	TerminalMode bool        `json:"terminal_mode"`
	Timestamp    time.Time   `json:"timestamp,omitempty"`
}

// IsTerminal reports whether the message ends an execution's stream.
func (m ExecutionMessage) IsTerminal() bool {
	return m.Kind == MessageKindExecutionFinished || m.Kind == MessageKindExecutionRejected
}

// ToMessageKind maps a runner output origin to its message kind.
func ToMessageKind(origin Origin) MessageKind {
	if origin == OriginStderr {
		return MessageKindStderr
	}
	return MessageKindStdout
}
