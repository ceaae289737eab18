package ota

import "time"

// SessionState is the closed enumeration of an OtaSession's lifecycle.
type SessionState int

const (
	StateOffered SessionState = iota
	StateTransferring
	StateVerifying
	StateComplete
	StateFailed
	StateRejected
)

// String renders the state the way it appears on the wire and in logs.
func (s SessionState) String() string {
	switch s {
	case StateOffered:
		return "OFFERED"
	case StateTransferring:
		return "TRANSFERRING"
	case StateVerifying:
		return "VERIFYING"
	case StateComplete:
		return "COMPLETE"
	case StateFailed:
		return "FAILED"
	case StateRejected:
		return "REJECTED"
	default:
		return "UNKNOWN"
	}
}

// IsTerminal reports whether no further transition is possible.
func (s SessionState) IsTerminal() bool {
	return s == StateComplete || s == StateFailed || s == StateRejected
}

// Session tracks one in-flight firmware transfer to a single node. At most
// one non-terminal session may exist per node_id (enforced by Manager).
type Session struct {
	NodeID     string
	FirmwareID string
	State      SessionState
	NextSeq    int
	AckedSeq   int
	TotalChunks int
	ChunkSize  int
	SHA256     string
	CreatedAt  time.Time
	UpdatedAt  time.Time
	Reason     string
}

func (s *Session) touch(now time.Time) {
	s.UpdatedAt = now
}
