package remote

import (
	"log/slog"
)

// OnlineState describes the client's connection to the backend as surfaced
// to snapshot listeners.
type OnlineState int

const (
	// OnlineStateUnknown is the initial state and the state right after a
	// stream drop, before retries have settled the question.
	OnlineStateUnknown OnlineState = iota
	// OnlineStateOnline means the watch stream is established.
	OnlineStateOnline
	// OnlineStateOffline means repeated attempts failed; snapshots are served
	// from cache until the stream recovers.
	OnlineStateOffline
)

func (s OnlineState) String() string {
	switch s {
	case OnlineStateOnline:
		return "online"
	case OnlineStateOffline:
		return "offline"
	default:
		return "unknown"
	}
}

// maxWatchStreamFailures is how many consecutive watch stream failures are
// tolerated before declaring the client offline.
const maxWatchStreamFailures = 2

// onlineStateTracker debounces stream flapping so listeners see Offline only
// after repeated failures, never on the first blip.
type onlineStateTracker struct {
	state        OnlineState
	failureCount int
	onChange     func(OnlineState)
}

func newOnlineStateTracker(onChange func(OnlineState)) *onlineStateTracker {
	return &onlineStateTracker{onChange: onChange}
}

func (t *onlineStateTracker) handleStreamStart() {
	t.failureCount = 0
	t.set(OnlineStateOnline)
}

func (t *onlineStateTracker) handleStreamFailure(err error) {
	if t.state == OnlineStateOnline {
		// First failure after a healthy stream resets to Unknown; listeners
		// keep their fromCache:false snapshots until failures repeat.
		t.set(OnlineStateUnknown)
		t.failureCount = 0
		return
	}
	t.failureCount++
	if t.failureCount >= maxWatchStreamFailures {
		slog.Warn("Connection considered offline after repeated failures",
			"failures", t.failureCount, "err", err)
		t.set(OnlineStateOffline)
	}
}

func (t *onlineStateTracker) reset() {
	t.failureCount = 0
	t.set(OnlineStateUnknown)
}

func (t *onlineStateTracker) set(state OnlineState) {
	if t.state == state {
		return
	}
	t.state = state
	t.onChange(state)
}
