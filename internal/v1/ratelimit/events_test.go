package ratelimit

import (
	"fmt"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medatlas/collab-gateway/internal/v1/protocol"
)

func newTestLimiter() (*EventLimiter, *clockwork.FakeClock) {
	clock := clockwork.NewFakeClock()
	return NewEventLimiter(clock), clock
}

func TestCheck_AllowsUnderLimit(t *testing.T) {
	l, _ := newTestLimiter()

	for i := 0; i < 2; i++ {
		decision := l.Check("conn-1", protocol.EventRoomJoin)
		assert.Equal(t, VerdictAllow, decision.Verdict, "join %d", i+1)
	}
}

func TestCheck_RoomJoinLimitIsTwoPerFiveSeconds(t *testing.T) {
	l, clock := newTestLimiter()

	l.Check("conn-1", protocol.EventRoomJoin)
	l.Check("conn-1", protocol.EventRoomJoin)

	decision := l.Check("conn-1", protocol.EventRoomJoin)
	assert.Equal(t, VerdictWarn, decision.Verdict)
	assert.Equal(t, 2, decision.Limit)
	assert.Equal(t, 5*time.Second, decision.Window)
	assert.Equal(t, 1, decision.Violations)
	assert.Greater(t, decision.RetryAfter, time.Duration(0))

	// The window slides open again.
	clock.Advance(5*time.Second + 100*time.Millisecond)
	decision = l.Check("conn-1", protocol.EventRoomJoin)
	assert.Equal(t, VerdictAllow, decision.Verdict)
}

func TestCheck_DefaultRuleIsTenPerSecond(t *testing.T) {
	l, _ := newTestLimiter()

	for i := 0; i < 10; i++ {
		decision := l.Check("conn-1", protocol.EventUserHeartbeat)
		require.Equal(t, VerdictAllow, decision.Verdict, "heartbeat %d", i+1)
	}
	decision := l.Check("conn-1", protocol.EventUserHeartbeat)
	assert.Equal(t, VerdictWarn, decision.Verdict)
	assert.Equal(t, 10, decision.Limit)
	assert.Equal(t, time.Second, decision.Window)
}

func TestCheck_LockAcquireAliasesShareOneWindow(t *testing.T) {
	l, _ := newTestLimiter()

	events := []string{
		protocol.EventSubResourceLock,
		protocol.EventSurgeryLockAcquire,
		protocol.EventSubResourceLock,
		protocol.EventSurgeryLockAcquire,
		protocol.EventSubResourceLock,
	}
	for i, event := range events {
		decision := l.Check("conn-1", event)
		require.Equal(t, VerdictAllow, decision.Verdict, "event %d", i+1)
	}

	decision := l.Check("conn-1", protocol.EventSurgeryLockAcquire)
	assert.Equal(t, VerdictWarn, decision.Verdict)
	assert.Equal(t, 5, decision.Limit)
}

func TestCheck_WindowsAreIsolatedPerConnection(t *testing.T) {
	l, _ := newTestLimiter()

	l.Check("conn-1", protocol.EventRoomJoin)
	l.Check("conn-1", protocol.EventRoomJoin)
	l.Check("conn-1", protocol.EventRoomJoin)

	decision := l.Check("conn-2", protocol.EventRoomJoin)
	assert.Equal(t, VerdictAllow, decision.Verdict)
}

// violate triggers n consecutive violations on the room:join window.
func violate(l *EventLimiter, connID string, n int) []Decision {
	l.Check(connID, protocol.EventRoomJoin)
	l.Check(connID, protocol.EventRoomJoin)
	decisions := make([]Decision, 0, n)
	for i := 0; i < n; i++ {
		decisions = append(decisions, l.Check(connID, protocol.EventRoomJoin))
	}
	return decisions
}

func TestCheck_PenaltyProgression(t *testing.T) {
	l, clock := newTestLimiter()

	decisions := violate(l, "conn-1", 5)

	assert.Equal(t, VerdictWarn, decisions[0].Verdict)
	assert.Equal(t, VerdictWarn, decisions[1].Verdict)
	assert.Equal(t, VerdictWarnDisconnect, decisions[2].Verdict)
	assert.Equal(t, VerdictWarnDisconnect, decisions[3].Verdict)
	assert.Equal(t, VerdictBan, decisions[4].Verdict)
	assert.Equal(t, 5, decisions[4].Violations)
	assert.Equal(t, clock.Now().Add(BanDuration), decisions[4].BanExpiresAt)

	until, banned := l.IsBanned("conn-1")
	require.True(t, banned)
	assert.Equal(t, decisions[4].BanExpiresAt, until)
}

func TestCheck_BannedConnectionDropsEvents(t *testing.T) {
	l, clock := newTestLimiter()
	violate(l, "conn-1", 5)

	decision := l.Check("conn-1", protocol.EventUserHeartbeat)
	assert.Equal(t, VerdictDropBanned, decision.Verdict)
	assert.Greater(t, decision.RetryAfter, time.Duration(0))

	// The ban expires and the violation counter resets with it.
	clock.Advance(BanDuration + time.Second)
	decision = l.Check("conn-1", protocol.EventUserHeartbeat)
	assert.Equal(t, VerdictAllow, decision.Verdict)
	assert.Equal(t, 0, l.ViolationCount("conn-1"))

	_, banned := l.IsBanned("conn-1")
	assert.False(t, banned)
}

func TestCheck_ViolationCounterExpiresWhenIdle(t *testing.T) {
	l, clock := newTestLimiter()

	decisions := violate(l, "conn-1", 2)
	assert.Equal(t, 2, decisions[1].Violations)

	clock.Advance(ViolationExpiry + time.Second)

	decisions = violate(l, "conn-1", 1)
	assert.Equal(t, 1, decisions[0].Violations, "stale counter must reset, not accumulate")
}

func TestCleanup_RetainsViolationsAndBans(t *testing.T) {
	l, _ := newTestLimiter()
	violate(l, "conn-1", 5)

	l.Cleanup("conn-1")

	_, banned := l.IsBanned("conn-1")
	assert.True(t, banned, "bans survive disconnect")
	assert.Equal(t, 5, l.ViolationCount("conn-1"), "violations survive disconnect")
}

func TestCleanup_DropsWindows(t *testing.T) {
	l, _ := newTestLimiter()

	l.Check("conn-1", protocol.EventRoomJoin)
	l.Check("conn-1", protocol.EventRoomJoin)
	l.Cleanup("conn-1")

	decision := l.Check("conn-1", protocol.EventRoomJoin)
	assert.Equal(t, VerdictAllow, decision.Verdict)
}

func TestBanCount(t *testing.T) {
	l, clock := newTestLimiter()
	assert.Equal(t, 0, l.BanCount())

	for i := 0; i < 3; i++ {
		violate(l, fmt.Sprintf("conn-%d", i), 5)
	}
	assert.Equal(t, 3, l.BanCount())

	clock.Advance(BanDuration + time.Second)
	assert.Equal(t, 0, l.BanCount())
}

func TestIsBanned_UnknownConnection(t *testing.T) {
	l, _ := newTestLimiter()
	_, banned := l.IsBanned("ghost")
	assert.False(t, banned)
}
