// Package rooms maintains per-room rosters and member activity. It is a
// pure state store: callers pass the current time in and receive roster
// snapshots back, so presence broadcasts always reflect the roster at
// mutation time.
package rooms

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/set"

	"github.com/medatlas/collab-gateway/internal/v1/logging"
	"github.com/medatlas/collab-gateway/internal/v1/metrics"
	"github.com/medatlas/collab-gateway/internal/v1/protocol"
)

// capacityWarnRatio is the room fill level that triggers the one-shot
// room:capacity_warning broadcast.
const capacityWarnRatio = 0.9

// Member is one connection's membership in one room.
type Member struct {
	ConnectionID       string
	UserID             string
	Username           string
	JoinedAt           time.Time
	CurrentSubResource *string
	LastActivity       time.Time
}

func (m *Member) info() protocol.RoomMemberInfo {
	return protocol.RoomMemberInfo{
		ConnectionID:       m.ConnectionID,
		UserID:             m.UserID,
		Username:           m.Username,
		JoinedAt:           m.JoinedAt,
		CurrentSubResource: m.CurrentSubResource,
		LastActivity:       m.LastActivity,
	}
}

// RoomFullError is returned by Join when the room is at capacity.
type RoomFullError struct {
	Current int
	Max     int
}

func (e *RoomFullError) Error() string {
	return fmt.Sprintf("room is full: %d of %d members", e.Current, e.Max)
}

// JoinResult is the roster state after a successful join.
type JoinResult struct {
	Members []protocol.RoomMemberInfo
	Current int
	Max     int
	// CapacityWarning is set only on the join that crosses the 90%
	// threshold; it re-arms once the room drops back below.
	CapacityWarning bool
}

// LeaveResult is the roster state after a leave. WasMember is false for
// the idempotent not-in-room case.
type LeaveResult struct {
	WasMember bool
	Member    protocol.RoomMemberInfo
	Remaining []protocol.RoomMemberInfo
	Empty     bool
}

// Departure records one room a disconnecting connection was removed from.
type Departure struct {
	RoomID    string
	Member    protocol.RoomMemberInfo
	Remaining []protocol.RoomMemberInfo
}

// MemberActivity is a flattened roster entry for the sweeper scan.
type MemberActivity struct {
	RoomID       string
	ConnectionID string
	UserID       string
	Username     string
	LastActivity time.Time
}

// RoomSnapshot is a read-only view of one room for the admin surface.
type RoomSnapshot struct {
	ID       string
	Members  []protocol.RoomMemberInfo
	Capacity protocol.RoomCapacity
}

type room struct {
	id             string
	members        map[string]*Member
	capacityWarned bool
}

// Registry is the thread-safe room table. Capacity limits are resolved
// per resource type through the limitFor callback.
type Registry struct {
	mu       sync.Mutex
	limitFor func(resourceType string) int
	rooms    map[string]*room
	byConn   map[string]set.Set[string]
}

func NewRegistry(limitFor func(resourceType string) int) *Registry {
	return &Registry{
		limitFor: limitFor,
		rooms:    make(map[string]*room),
		byConn:   make(map[string]set.Set[string]),
	}
}

// resourceTypeOf extracts the resource type from a "{type}:{uuid}" room id.
func resourceTypeOf(roomID string) string {
	if idx := strings.Index(roomID, ":"); idx > 0 {
		return roomID[:idx]
	}
	return roomID
}

// Join adds the member to the room, enforcing the per-resource-type
// capacity. Re-joining refreshes the member's activity instead of
// double-counting it.
func (r *Registry) Join(roomID string, member Member, now time.Time) (JoinResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	max := r.limitFor(resourceTypeOf(roomID))
	rm, ok := r.rooms[roomID]
	if !ok {
		rm = &room{id: roomID, members: make(map[string]*Member)}
	}

	if existing, ok := rm.members[member.ConnectionID]; ok {
		existing.LastActivity = now
		return JoinResult{Members: rm.roster(), Current: len(rm.members), Max: max}, nil
	}

	if len(rm.members) >= max {
		return JoinResult{}, &RoomFullError{Current: len(rm.members), Max: max}
	}

	member.JoinedAt = now
	member.LastActivity = now
	rm.members[member.ConnectionID] = &member
	if _, ok := r.rooms[roomID]; !ok {
		r.rooms[roomID] = rm
		metrics.ActiveRooms.Inc()
	}
	if r.byConn[member.ConnectionID] == nil {
		r.byConn[member.ConnectionID] = set.New[string]()
	}
	r.byConn[member.ConnectionID].Insert(roomID)
	metrics.RoomMembers.WithLabelValues(roomID).Set(float64(len(rm.members)))

	result := JoinResult{
		Members: rm.roster(),
		Current: len(rm.members),
		Max:     max,
	}
	if float64(len(rm.members)) >= capacityWarnRatio*float64(max) && !rm.capacityWarned {
		rm.capacityWarned = true
		result.CapacityWarning = true
	}
	return result, nil
}

// Leave removes the member. Not being in the room is not an error; the
// caller uses WasMember to choose the advisory response.
func (r *Registry) Leave(roomID, connectionID string) LeaveResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.leaveLocked(roomID, connectionID)
}

func (r *Registry) leaveLocked(roomID, connectionID string) LeaveResult {
	rm, ok := r.rooms[roomID]
	if !ok {
		return LeaveResult{}
	}
	member, ok := rm.members[connectionID]
	if !ok {
		return LeaveResult{}
	}

	delete(rm.members, connectionID)
	if ids, ok := r.byConn[connectionID]; ok {
		ids.Delete(roomID)
		if ids.Len() == 0 {
			delete(r.byConn, connectionID)
		}
	}

	max := r.limitFor(resourceTypeOf(roomID))
	if float64(len(rm.members)) < capacityWarnRatio*float64(max) {
		rm.capacityWarned = false
	}

	result := LeaveResult{
		WasMember: true,
		Member:    member.info(),
		Remaining: rm.roster(),
		Empty:     len(rm.members) == 0,
	}
	if result.Empty {
		delete(r.rooms, roomID)
		metrics.ActiveRooms.Dec()
		metrics.RoomMembers.DeleteLabelValues(roomID)
		logging.GetLogger().Debug("Removed empty room", zap.String("roomId", roomID))
	} else {
		metrics.RoomMembers.WithLabelValues(roomID).Set(float64(len(rm.members)))
	}
	return result
}

// IsMember reports whether the connection is in the room.
func (r *Registry) IsMember(roomID, connectionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm, ok := r.rooms[roomID]
	if !ok {
		return false
	}
	_, ok = rm.members[connectionID]
	return ok
}

// Members returns the roster snapshot, or nil if the room does not exist.
func (r *Registry) Members(roomID string) []protocol.RoomMemberInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm, ok := r.rooms[roomID]
	if !ok {
		return nil
	}
	return rm.roster()
}

// Capacity returns the room's fill state. A missing room reports zero
// current members against the configured limit.
func (r *Registry) Capacity(roomID string) protocol.RoomCapacity {
	r.mu.Lock()
	defer r.mu.Unlock()

	max := r.limitFor(resourceTypeOf(roomID))
	current := 0
	if rm, ok := r.rooms[roomID]; ok {
		current = len(rm.members)
	}
	return protocol.RoomCapacity{
		Current:        current,
		Max:            max,
		PercentageUsed: float64(current) / float64(max) * 100,
	}
}

// SetCurrentSubResource updates the member's focused sub-resource and
// activity, returning the post-change roster for the presence broadcast.
func (r *Registry) SetCurrentSubResource(roomID, connectionID string, subResourceType *string, now time.Time) ([]protocol.RoomMemberInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return nil, protocol.ValidationError(protocol.CodeUserNotInRoom, "User is not in room "+roomID)
	}
	member, ok := rm.members[connectionID]
	if !ok {
		return nil, protocol.ValidationError(protocol.CodeUserNotInRoom, "User is not in room "+roomID)
	}

	member.CurrentSubResource = subResourceType
	member.LastActivity = now
	return rm.roster(), nil
}

// Heartbeat stamps lastActivity on every membership the connection holds
// and returns how many rooms were touched.
func (r *Registry) Heartbeat(connectionID string, at time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	touched := 0
	for _, roomID := range r.byConn[connectionID].UnsortedList() {
		if rm, ok := r.rooms[roomID]; ok {
			if member, ok := rm.members[connectionID]; ok {
				member.LastActivity = at
				touched++
			}
		}
	}
	return touched
}

// RemoveConnection drops the connection from every room it joined and
// returns the per-room departures for presence broadcasts.
func (r *Registry) RemoveConnection(connectionID string) []Departure {
	r.mu.Lock()
	defer r.mu.Unlock()

	var departures []Departure
	for _, roomID := range r.byConn[connectionID].UnsortedList() {
		result := r.leaveLocked(roomID, connectionID)
		if result.WasMember {
			departures = append(departures, Departure{
				RoomID:    roomID,
				Member:    result.Member,
				Remaining: result.Remaining,
			})
		}
	}
	return departures
}

// ActivitySnapshot flattens every room membership for the sweeper scan.
func (r *Registry) ActivitySnapshot() []MemberActivity {
	r.mu.Lock()
	defer r.mu.Unlock()

	var entries []MemberActivity
	for roomID, rm := range r.rooms {
		for _, member := range rm.members {
			entries = append(entries, MemberActivity{
				RoomID:       roomID,
				ConnectionID: member.ConnectionID,
				UserID:       member.UserID,
				Username:     member.Username,
				LastActivity: member.LastActivity,
			})
		}
	}
	return entries
}

// RoomCount returns the number of non-empty rooms.
func (r *Registry) RoomCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}

// Snapshot returns a read-only view of every room for the admin surface.
func (r *Registry) Snapshot() []RoomSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	snapshots := make([]RoomSnapshot, 0, len(r.rooms))
	for roomID, rm := range r.rooms {
		max := r.limitFor(resourceTypeOf(roomID))
		snapshots = append(snapshots, RoomSnapshot{
			ID:      roomID,
			Members: rm.roster(),
			Capacity: protocol.RoomCapacity{
				Current:        len(rm.members),
				Max:            max,
				PercentageUsed: float64(len(rm.members)) / float64(max) * 100,
			},
		})
	}
	return snapshots
}

func (rm *room) roster() []protocol.RoomMemberInfo {
	members := make([]protocol.RoomMemberInfo, 0, len(rm.members))
	for _, m := range rm.members {
		members = append(members, m.info())
	}
	return members
}
