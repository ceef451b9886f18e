package stream

import "github.com/hupe1980/execmesh/core"

// MaxMessagesCount bounds the number of output messages kept per execution.
const MaxMessagesCount = 10000

// CapacityNotice replaces the data of the message at the capacity boundary.
const CapacityNotice = "Maximum output capacity reached. Process keeps going but no further output is saved."

// ApplyCapacity applies the output cap to msg and reports whether it should
// be kept. The message at index == limit keeps its kind but carries
// CapacityNotice; later messages are dropped except ExecutionFinished. A
// limit <= 0 disables the cap.
func ApplyCapacity(msg core.ExecutionMessage, limit int) (core.ExecutionMessage, bool) {
	if limit <= 0 || msg.Index < limit {
		return msg, true
	}

	switch {
	case msg.Index == limit:
		msg.Data = CapacityNotice
		return msg, true
	case msg.Kind == core.MessageKindExecutionFinished:
		return msg, true
	default:
		return msg, false
	}
}
