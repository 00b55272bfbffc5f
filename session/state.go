package session

import "go.uber.org/atomic"

// State is the lifecycle stage of a session. Transitions are owned by
// the supervising goroutine inside Run; other goroutines read the
// current stage through the atomic cell.
type State int32

const (
	StateInitializing State = iota
	StateKeysGenerated
	StateBundleBuilt
	StateUploading
	StateAwaitingListener
	StateHandshaking
	StateBridging
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateKeysGenerated:
		return "keys-generated"
	case StateBundleBuilt:
		return "bundle-built"
	case StateUploading:
		return "uploading"
	case StateAwaitingListener:
		return "awaiting-listener"
	case StateHandshaking:
		return "handshaking"
	case StateBridging:
		return "bridging"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

type stateCell struct {
	v atomic.Int32
}

func (c *stateCell) load() State   { return State(c.v.Load()) }
func (c *stateCell) store(s State) { c.v.Store(int32(s)) }
