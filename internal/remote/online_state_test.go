package remote

import (
	"errors"
	"testing"
)

func newTrackerRecorder() (*onlineStateTracker, *[]OnlineState) {
	var changes []OnlineState
	t := newOnlineStateTracker(func(s OnlineState) {
		changes = append(changes, s)
	})
	return t, &changes
}

func TestTrackerGoesOnlineOnStreamStart(t *testing.T) {
	tracker, changes := newTrackerRecorder()
	tracker.handleStreamStart()
	tracker.handleStreamStart()
	if len(*changes) != 1 || (*changes)[0] != OnlineStateOnline {
		t.Fatalf("changes = %v, want single Online", *changes)
	}
}

func TestTrackerNeedsRepeatedFailuresForOffline(t *testing.T) {
	tracker, changes := newTrackerRecorder()
	cause := errors.New("dial tcp: connection refused")

	tracker.handleStreamFailure(cause)
	if len(*changes) != 0 {
		t.Fatalf("one failure emitted %v, want no change", *changes)
	}
	tracker.handleStreamFailure(cause)
	if len(*changes) != 1 || (*changes)[0] != OnlineStateOffline {
		t.Fatalf("changes = %v, want Offline after second failure", *changes)
	}
}

func TestTrackerDropsToUnknownAfterHealthyStream(t *testing.T) {
	tracker, changes := newTrackerRecorder()
	cause := errors.New("stream closed")

	tracker.handleStreamStart()
	tracker.handleStreamFailure(cause)
	want := []OnlineState{OnlineStateOnline, OnlineStateUnknown}
	if len(*changes) != len(want) || (*changes)[0] != want[0] || (*changes)[1] != want[1] {
		t.Fatalf("changes = %v, want %v", *changes, want)
	}

	// The failure count restarts after the drop to Unknown.
	tracker.handleStreamFailure(cause)
	if len(*changes) != 2 {
		t.Fatalf("changes = %v, want no new state yet", *changes)
	}
	tracker.handleStreamFailure(cause)
	if (*changes)[len(*changes)-1] != OnlineStateOffline {
		t.Fatalf("changes = %v, want Offline last", *changes)
	}
}

func TestTrackerReset(t *testing.T) {
	tracker, changes := newTrackerRecorder()
	tracker.handleStreamFailure(errors.New("x"))
	tracker.handleStreamFailure(errors.New("x"))
	tracker.reset()
	if (*changes)[len(*changes)-1] != OnlineStateUnknown {
		t.Fatalf("changes = %v, want Unknown after reset", *changes)
	}
	// A single failure after a reset is tolerated again.
	tracker.handleStreamFailure(errors.New("x"))
	if (*changes)[len(*changes)-1] != OnlineStateUnknown {
		t.Fatalf("changes = %v, want no Offline on first failure after reset", *changes)
	}
}
