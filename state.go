package changes

// State is the lifecycle state of a Feed.
//
//	Starting → Active → {Cancelling | Failed | EOFClosed} → Terminated
type State int32

const (
	// StateStarting means the stream is open and the reader is being launched.
	StateStarting State = iota

	// StateActive means the reader is running and events may arrive.
	StateActive

	// StateCancelling means Cancel was called and the reader is stopping.
	StateCancelling

	// StateFailed means the reader hit a transport or decode error.
	StateFailed

	// StateEOFClosed means the server ended the response.
	StateEOFClosed

	// StateTerminated means the reader has exited and the queue is closed.
	// Events queued before termination remain deliverable.
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateActive:
		return "active"
	case StateCancelling:
		return "cancelling"
	case StateFailed:
		return "failed"
	case StateEOFClosed:
		return "eof-closed"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Reason records why a feed stopped.
type Reason int32

const (
	// ReasonNone means the feed has not stopped.
	ReasonNone Reason = iota

	// ReasonCancelled means Cancel was called or the feed's context ended.
	ReasonCancelled

	// ReasonEnded means the server ended the stream, either by closing the
	// response or by sending its last_seq marker.
	ReasonEnded

	// ReasonFailed means a transport or decode error stopped the reader.
	// Feed.Err returns the error.
	ReasonFailed
)

func (r Reason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonCancelled:
		return "cancelled"
	case ReasonEnded:
		return "stream ended"
	case ReasonFailed:
		return "error"
	default:
		return "unknown"
	}
}
