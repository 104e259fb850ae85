// Package engine defines the boundary to the transport-negotiation engine
// that performs the actual path discovery and session establishment, plus
// the pion/webrtc implementation of it. The session controller consumes
// only the interfaces in this file, which keeps it testable with a fake.
package engine

import (
	"context"

	"github.com/1ureka/qrlink/internal/token"
)

// PathState is the engine's view of the underlying network path.
type PathState int

const (
	PathNew PathState = iota
	PathChecking
	PathUsable
	PathDisconnected
	PathFailed
	PathClosed
)

func (s PathState) String() string {
	switch s {
	case PathNew:
		return "new"
	case PathChecking:
		return "checking"
	case PathUsable:
		return "usable"
	case PathDisconnected:
		return "disconnected"
	case PathFailed:
		return "failed"
	case PathClosed:
		return "closed"
	}
	return "unknown"
}

// Channel is one bidirectional message channel over the established path.
type Channel interface {
	// Send writes one text message. Fails if the channel is not open.
	Send(msg string) error
	OnOpen(fn func())
	OnClose(fn func())
	OnMessage(fn func(msg string))
	Close() error
}

// Engine drives one peer's side of the session negotiation. All On*
// registrations must happen before the first LocalDescription or
// SetRemoteDescription call; events may fire on engine-owned goroutines.
type Engine interface {
	// CreateChannel opens a locally created channel. The offering side
	// owns channel creation; the answering side receives the channel
	// through OnChannel instead.
	CreateChannel(label string) (Channel, error)
	OnChannel(fn func(Channel))

	// LocalDescription produces this side's negotiation data and commits
	// it, which starts path discovery. It yields an offer when no remote
	// description has been applied, and an answer afterwards.
	LocalDescription(ctx context.Context) (string, error)

	// SetRemoteDescription applies the peer's reconstructed negotiation
	// document. The document's role selects the description type.
	SetRemoteDescription(doc *token.Document) error

	// AddCandidate feeds one remote network path. Rejection of a single
	// candidate is an error for the caller to log, never a poisoned
	// connection.
	AddCandidate(c token.Candidate) error

	OnCandidate(fn func(token.Candidate))
	OnGatheringComplete(fn func())
	OnStateChange(fn func(PathState))

	Close() error
}

// Factory creates one engine handle. The session controller takes a
// Factory so tests can substitute a fake engine.
type Factory func() (Engine, error)
