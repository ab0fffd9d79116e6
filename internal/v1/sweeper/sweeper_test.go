package sweeper

import (
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medatlas/collab-gateway/internal/v1/locks"
	"github.com/medatlas/collab-gateway/internal/v1/rooms"
)

const (
	testTTL      = 3 * time.Hour
	testWarning  = 15 * time.Minute
	testInterval = time.Minute
)

type fakeSource struct {
	mu      sync.Mutex
	entries []rooms.MemberActivity
}

func (f *fakeSource) ActivitySnapshot() []rooms.MemberActivity {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]rooms.MemberActivity, len(f.entries))
	copy(out, f.entries)
	return out
}

func (f *fakeSource) set(entries []rooms.MemberActivity) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = entries
}

type fakeReaper struct {
	mu       sync.Mutex
	locksFor map[string][]locks.Lock
	calls    []string
}

func (f *fakeReaper) ReleaseAllForConnection(connectionID, _ string) []locks.Lock {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, connectionID)
	released := f.locksFor[connectionID]
	delete(f.locksFor, connectionID)
	return released
}

func (f *fakeReaper) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeEmitter struct {
	mu     sync.Mutex
	reaped map[string][]locks.Lock
}

func (f *fakeEmitter) InactivityReaped(connectionID string, released []locks.Lock) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reaped == nil {
		f.reaped = make(map[string][]locks.Lock)
	}
	f.reaped[connectionID] = released
}

func (f *fakeEmitter) reapedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reaped)
}

func activity(connID string, lastActivity time.Time) rooms.MemberActivity {
	return rooms.MemberActivity{
		RoomID:       "surgery-management:res-1",
		ConnectionID: connID,
		UserID:       "user-" + connID,
		Username:     "u-" + connID,
		LastActivity: lastActivity,
	}
}

func TestRunOnce_FreshMembersAreLeftAlone(t *testing.T) {
	clock := clockwork.NewFakeClock()
	source := &fakeSource{}
	reaper := &fakeReaper{}
	s := New(clock, testInterval, testTTL, testWarning, source, reaper, nil)

	source.set([]rooms.MemberActivity{activity("conn-1", clock.Now().Add(-time.Minute))})

	summary := s.RunOnce()
	assert.Empty(t, summary.Warned)
	assert.Empty(t, summary.Reaped)
	assert.Equal(t, 0, reaper.callCount())
}

func TestRunOnce_WarnsInsideWarningWindow(t *testing.T) {
	clock := clockwork.NewFakeClock()
	source := &fakeSource{}
	reaper := &fakeReaper{}
	s := New(clock, testInterval, testTTL, testWarning, source, reaper, nil)

	// Inactive 2h50m: past the 2h45m warning threshold, short of the 3h TTL.
	source.set([]rooms.MemberActivity{activity("conn-1", clock.Now().Add(-(testTTL - 10*time.Minute)))})

	summary := s.RunOnce()
	require.Len(t, summary.Warned, 1)
	assert.Equal(t, "conn-1", summary.Warned[0].ConnectionID)
	assert.Empty(t, summary.Reaped)
	assert.Equal(t, 0, reaper.callCount(), "warning must not release locks")
}

func TestRunOnce_ReapsPastTTL(t *testing.T) {
	clock := clockwork.NewFakeClock()
	source := &fakeSource{}
	held := locks.Lock{Key: "surgery-management:res-1:notes", ConnectionID: "conn-1", UserID: "user-conn-1"}
	reaper := &fakeReaper{locksFor: map[string][]locks.Lock{"conn-1": {held}}}
	emitter := &fakeEmitter{}
	s := New(clock, testInterval, testTTL, testWarning, source, reaper, emitter)

	source.set([]rooms.MemberActivity{activity("conn-1", clock.Now().Add(-testTTL))})

	summary := s.RunOnce()
	assert.Empty(t, summary.Warned)
	require.Len(t, summary.Reaped["conn-1"], 1)
	assert.Equal(t, held.Key, summary.Reaped["conn-1"][0].Key)
	assert.Equal(t, 1, emitter.reapedCount())
}

func TestRunOnce_ConnectionInSeveralRoomsIsReapedOnce(t *testing.T) {
	clock := clockwork.NewFakeClock()
	source := &fakeSource{}
	reaper := &fakeReaper{locksFor: map[string][]locks.Lock{"conn-1": {{Key: "k"}}}}
	s := New(clock, testInterval, testTTL, testWarning, source, reaper, nil)

	stale := clock.Now().Add(-testTTL - time.Minute)
	a := activity("conn-1", stale)
	b := activity("conn-1", stale)
	b.RoomID = "surgery-management:res-2"
	source.set([]rooms.MemberActivity{a, b})

	s.RunOnce()
	assert.Equal(t, 1, reaper.callCount())
}

func TestRunOnce_ReapedConnectionWithoutLocksEmitsNothing(t *testing.T) {
	clock := clockwork.NewFakeClock()
	source := &fakeSource{}
	reaper := &fakeReaper{}
	emitter := &fakeEmitter{}
	s := New(clock, testInterval, testTTL, testWarning, source, reaper, emitter)

	source.set([]rooms.MemberActivity{activity("conn-1", clock.Now().Add(-testTTL))})

	summary := s.RunOnce()
	assert.Empty(t, summary.Reaped)
	assert.Equal(t, 0, emitter.reapedCount())
}

func TestStartStop_SweepsOnCadence(t *testing.T) {
	clock := clockwork.NewFakeClock()
	source := &fakeSource{}
	reaper := &fakeReaper{locksFor: map[string][]locks.Lock{"conn-1": {{Key: "k"}}}}
	emitter := &fakeEmitter{}
	s := New(clock, testInterval, testTTL, testWarning, source, reaper, emitter)

	source.set([]rooms.MemberActivity{activity("conn-1", clock.Now().Add(-testTTL))})

	s.Start()
	clock.BlockUntil(1) // loop is waiting on the ticker
	clock.Advance(testInterval)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && emitter.reapedCount() == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, 1, emitter.reapedCount())

	s.Stop()
}
