// Package admin serves the read-only observability surface under
// /admin-socket. Every endpoint is a point-in-time snapshot of gateway
// state; nothing here mutates.
package admin

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"

	"github.com/medatlas/collab-gateway/internal/v1/locks"
	"github.com/medatlas/collab-gateway/internal/v1/protocol"
	"github.com/medatlas/collab-gateway/internal/v1/ratelimit"
	"github.com/medatlas/collab-gateway/internal/v1/registry"
	"github.com/medatlas/collab-gateway/internal/v1/rooms"
)

// Handler exposes gateway state snapshots over HTTP.
type Handler struct {
	clock     clockwork.Clock
	registry  *registry.Registry
	rooms     *rooms.Registry
	locks     *locks.Manager
	limiter   *ratelimit.EventLimiter
	startedAt time.Time
}

func NewHandler(clock clockwork.Clock, reg *registry.Registry, roomReg *rooms.Registry, lockMgr *locks.Manager, limiter *ratelimit.EventLimiter) *Handler {
	return &Handler{
		clock:     clock,
		registry:  reg,
		rooms:     roomReg,
		locks:     lockMgr,
		limiter:   limiter,
		startedAt: clock.Now(),
	}
}

// Register mounts the admin routes on the group.
func (h *Handler) Register(rg *gin.RouterGroup) {
	rg.GET("/metrics", h.Metrics)
	rg.GET("/rooms", h.Rooms)
	rg.GET("/users", h.Users)
	rg.GET("/overview", h.Overview)
	rg.GET("/aggregations/sockets", h.AggregateSockets)
	rg.GET("/aggregations/rooms", h.AggregateRooms)
	rg.GET("/aggregations/users", h.AggregateUsers)
}

// FormatDuration renders a duration as "2d 3h 4m 5s", omitting leading
// zero units.
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	var parts []string
	if days > 0 {
		parts = append(parts, fmt.Sprintf("%dd", days))
	}
	if hours > 0 || len(parts) > 0 {
		parts = append(parts, fmt.Sprintf("%dh", hours))
	}
	if minutes > 0 || len(parts) > 0 {
		parts = append(parts, fmt.Sprintf("%dm", minutes))
	}
	parts = append(parts, fmt.Sprintf("%ds", seconds))
	return strings.Join(parts, " ")
}

type metricsResponse struct {
	Connections       int    `json:"connections"`
	Users             int    `json:"users"`
	Rooms             int    `json:"rooms"`
	Locks             int    `json:"locks"`
	PendingForces     int    `json:"pendingForces"`
	BannedConnections int    `json:"bannedConnections"`
	Uptime            string `json:"uptime"`
	Timestamp         string `json:"timestamp"`
}

// Metrics handles GET /admin-socket/metrics.
func (h *Handler) Metrics(c *gin.Context) {
	now := h.clock.Now()
	c.JSON(http.StatusOK, metricsResponse{
		Connections:       h.registry.Count(),
		Users:             h.registry.UserCount(),
		Rooms:             h.rooms.RoomCount(),
		Locks:             h.locks.Count(),
		PendingForces:     h.locks.PendingForceCount(),
		BannedConnections: h.limiter.BanCount(),
		Uptime:            FormatDuration(now.Sub(h.startedAt)),
		Timestamp:         now.UTC().Format(time.RFC3339),
	})
}

type roomMemberView struct {
	ConnectionID       string  `json:"connectionId"`
	UserID             string  `json:"userId"`
	Username           string  `json:"username"`
	CurrentSubResource *string `json:"currentSubResource"`
	SessionDuration    string  `json:"sessionDuration"`
	IdleFor            string  `json:"idleFor"`
}

type roomView struct {
	RoomID   string                `json:"roomId"`
	Capacity protocol.RoomCapacity `json:"capacity"`
	Members  []roomMemberView      `json:"members"`
	Locks    []lockView            `json:"locks"`
}

type lockView struct {
	SubResourceID string `json:"subResourceId"`
	UserID        string `json:"userId"`
	Username      string `json:"username"`
	HeldFor       string `json:"heldFor"`
	ExpiresIn     string `json:"expiresIn"`
}

// Rooms handles GET /admin-socket/rooms.
func (h *Handler) Rooms(c *gin.Context) {
	now := h.clock.Now()

	locksByRoom := make(map[string][]lockView)
	for _, lock := range h.locks.Snapshot() {
		locksByRoom[lock.RoomID] = append(locksByRoom[lock.RoomID], lockView{
			SubResourceID: lock.SubResourceID,
			UserID:        lock.UserID,
			Username:      lock.Username,
			HeldFor:       FormatDuration(now.Sub(lock.LockedAt)),
			ExpiresIn:     FormatDuration(lock.ExpiresAt.Sub(now)),
		})
	}

	views := make([]roomView, 0)
	for _, snapshot := range h.rooms.Snapshot() {
		view := roomView{
			RoomID:   snapshot.ID,
			Capacity: snapshot.Capacity,
			Members:  make([]roomMemberView, 0, len(snapshot.Members)),
			Locks:    locksByRoom[snapshot.ID],
		}
		for _, member := range snapshot.Members {
			view.Members = append(view.Members, roomMemberView{
				ConnectionID:       member.ConnectionID,
				UserID:             member.UserID,
				Username:           member.Username,
				CurrentSubResource: member.CurrentSubResource,
				SessionDuration:    FormatDuration(now.Sub(member.JoinedAt)),
				IdleFor:            FormatDuration(now.Sub(member.LastActivity)),
			})
		}
		views = append(views, view)
	}
	sort.Slice(views, func(i, j int) bool { return views[i].RoomID < views[j].RoomID })

	c.JSON(http.StatusOK, gin.H{"rooms": views, "total": len(views)})
}

type userConnectionView struct {
	ConnectionID string `json:"connectionId"`
	RemoteAddr   string `json:"remoteAddr"`
	Transport    string `json:"transport"`
	ConnectedFor string `json:"connectedFor"`
	Violations   int    `json:"violations"`
}

type userView struct {
	UserID      string               `json:"userId"`
	Username    string               `json:"username"`
	Connections []userConnectionView `json:"connections"`
}

// Users handles GET /admin-socket/users.
func (h *Handler) Users(c *gin.Context) {
	now := h.clock.Now()

	byUser := make(map[string]*userView)
	for _, client := range h.registry.Snapshot() {
		view, ok := byUser[client.UserID()]
		if !ok {
			view = &userView{UserID: client.UserID(), Username: client.Username()}
			byUser[client.UserID()] = view
		}
		view.Connections = append(view.Connections, userConnectionView{
			ConnectionID: client.ID,
			RemoteAddr:   client.Meta.RemoteAddr,
			Transport:    client.Meta.Transport,
			ConnectedFor: FormatDuration(now.Sub(client.Meta.ConnectedAt)),
			Violations:   h.limiter.ViolationCount(client.ID),
		})
	}

	users := make([]userView, 0, len(byUser))
	for _, view := range byUser {
		users = append(users, *view)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].UserID < users[j].UserID })

	c.JSON(http.StatusOK, gin.H{"users": users, "total": len(users)})
}

// Overview handles GET /admin-socket/overview: the metrics summary plus
// per-room member and lock counts.
func (h *Handler) Overview(c *gin.Context) {
	now := h.clock.Now()

	roomSummaries := make([]gin.H, 0)
	for _, snapshot := range h.rooms.Snapshot() {
		roomSummaries = append(roomSummaries, gin.H{
			"roomId":  snapshot.ID,
			"members": snapshot.Capacity.Current,
			"max":     snapshot.Capacity.Max,
		})
	}
	sort.Slice(roomSummaries, func(i, j int) bool {
		return roomSummaries[i]["roomId"].(string) < roomSummaries[j]["roomId"].(string)
	})

	c.JSON(http.StatusOK, gin.H{
		"connections":   h.registry.Count(),
		"users":         h.registry.UserCount(),
		"rooms":         roomSummaries,
		"locks":         h.locks.Count(),
		"pendingForces": h.locks.PendingForceCount(),
		"uptime":        FormatDuration(now.Sub(h.startedAt)),
	})
}

// AggregateSockets handles GET /admin-socket/aggregations/sockets.
func (h *Handler) AggregateSockets(c *gin.Context) {
	byTransport := make(map[string]int)
	for _, client := range h.registry.Snapshot() {
		byTransport[client.Meta.Transport]++
	}
	c.JSON(http.StatusOK, gin.H{
		"total":       h.registry.Count(),
		"byTransport": byTransport,
		"banned":      h.limiter.BanCount(),
	})
}

// AggregateRooms handles GET /admin-socket/aggregations/rooms.
func (h *Handler) AggregateRooms(c *gin.Context) {
	byType := make(map[string]int)
	members := 0
	for _, snapshot := range h.rooms.Snapshot() {
		resourceType := snapshot.ID
		if idx := strings.Index(snapshot.ID, ":"); idx > 0 {
			resourceType = snapshot.ID[:idx]
		}
		byType[resourceType]++
		members += snapshot.Capacity.Current
	}
	c.JSON(http.StatusOK, gin.H{
		"total":        h.rooms.RoomCount(),
		"byType":       byType,
		"totalMembers": members,
	})
}

// AggregateUsers handles GET /admin-socket/aggregations/users.
func (h *Handler) AggregateUsers(c *gin.Context) {
	counts := make(map[string]int)
	for _, client := range h.registry.Snapshot() {
		counts[client.UserID()]++
	}
	multi := 0
	for _, n := range counts {
		if n > 1 {
			multi++
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"total":              h.registry.UserCount(),
		"multiConnection":    multi,
		"connectionsPerUser": counts,
		"totalConnections":   h.registry.Count(),
	})
}
