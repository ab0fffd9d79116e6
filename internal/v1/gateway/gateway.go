// Package gateway wires the collaboration gateway together: admission of
// WebSocket connections, frame dispatch, room presence, sub-resource
// locking, rate-limit penalties and the resource.updated fan-out.
package gateway

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/medatlas/collab-gateway/internal/v1/auth"
	"github.com/medatlas/collab-gateway/internal/v1/config"
	"github.com/medatlas/collab-gateway/internal/v1/events"
	"github.com/medatlas/collab-gateway/internal/v1/locks"
	"github.com/medatlas/collab-gateway/internal/v1/logging"
	"github.com/medatlas/collab-gateway/internal/v1/metrics"
	"github.com/medatlas/collab-gateway/internal/v1/protocol"
	"github.com/medatlas/collab-gateway/internal/v1/ratelimit"
	"github.com/medatlas/collab-gateway/internal/v1/registry"
	"github.com/medatlas/collab-gateway/internal/v1/rooms"
	"github.com/medatlas/collab-gateway/internal/v1/sweeper"
	"github.com/medatlas/collab-gateway/internal/v1/transport"
	"github.com/medatlas/collab-gateway/internal/v1/validator"
)

// Gateway owns all connection, room and lock state for one process.
type Gateway struct {
	cfg            *config.Config
	clock          clockwork.Clock
	verifier       auth.TokenVerifier
	registry       *registry.Registry
	rooms          *rooms.Registry
	locks          *locks.Manager
	limiter        *ratelimit.EventLimiter
	handshake      *ratelimit.HandshakeLimiter
	sweeper        *sweeper.Sweeper
	bus            events.Bus
	validator      validator.Validator
	allowedOrigins []string

	shuttingDown atomic.Bool
}

// New assembles the gateway. The handshake limiter may be nil in tests.
func New(cfg *config.Config, clock clockwork.Clock, verifier auth.TokenVerifier, bus events.Bus, resourceValidator validator.Validator, handshake *ratelimit.HandshakeLimiter) *Gateway {
	g := &Gateway{
		cfg:       cfg,
		clock:     clock,
		verifier:  verifier,
		bus:       bus,
		validator: resourceValidator,
		handshake: handshake,
	}
	g.registry = registry.NewRegistry(cfg.MaxConnectionsPerUser)
	g.rooms = rooms.NewRegistry(cfg.RoomLimit)
	g.locks = locks.NewManager(clock, cfg.LockTTL, cfg.WarningTime, cfg.ForceRequestTimeout, g)
	g.limiter = ratelimit.NewEventLimiter(clock)
	g.sweeper = sweeper.New(clock, cfg.SweepInterval, cfg.LockTTL, cfg.WarningTime, g.rooms, g.locks, g)
	if cfg.AllowedOrigins != "" {
		for _, origin := range strings.Split(cfg.AllowedOrigins, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				g.allowedOrigins = append(g.allowedOrigins, origin)
			}
		}
	}
	return g
}

// Start launches the sweeper and subscribes to the resource.updated bus.
func (g *Gateway) Start(ctx context.Context) {
	g.sweeper.Start()
	if g.bus != nil {
		g.bus.SubscribeResourceUpdated(ctx, g.handleResourceUpdated)
	}
}

// ServeWs is the WebSocket endpoint handler: rate gate, token extraction,
// upgrade, then the admission pipeline.
func (g *Gateway) ServeWs(c *gin.Context) {
	if g.handshake != nil && !g.handshake.CheckWebSocket(c) {
		return
	}

	extraction, err := transport.ExtractToken(c)
	if err != nil {
		// Upgrade anyway so the client receives a structured failure
		// instead of a bare HTTP error.
		extraction = &transport.TokenExtraction{}
	}

	conn, upgradeErr := transport.Upgrade(c, g.allowedOrigins, extraction)
	if upgradeErr != nil {
		return
	}

	connectionID := uuid.NewString()
	meta := transport.Metadata{
		RemoteAddr:  c.ClientIP(),
		UserAgent:   c.Request.UserAgent(),
		Transport:   "websocket",
		ConnectedAt: g.clock.Now(),
	}
	client := transport.NewClient(connectionID, nil, meta, conn, g, g.cfg.PingInterval, g.cfg.PingTimeout)
	metrics.IncConnection()
	client.Start()

	// Ban gate: a banned connection id or a disabled gateway closes
	// without emitting authenticated.
	if !g.cfg.GatewayEnabled || g.shuttingDown.Load() {
		logging.Warn(c.Request.Context(), "Rejecting connection: gateway disabled",
			zap.String("connectionId", connectionID))
		client.Disconnect()
		return
	}
	if until, banned := g.limiter.IsBanned(connectionID); banned {
		logging.Warn(c.Request.Context(), "Rejecting connection: banned",
			zap.String("connectionId", connectionID), zap.Time("until", until))
		client.Disconnect()
		return
	}

	if extraction.Token == "" {
		client.Send(protocol.EventAuthenticated, protocol.AuthenticatedPayload{
			Success: false,
			Error:   protocol.CodeMissingToken,
		})
		client.Disconnect()
		return
	}

	user, err := g.verifier.Verify(extraction.Token)
	if err != nil {
		errorCode := protocol.CodeInvalidToken
		if pe, ok := protocol.AsError(err); ok {
			errorCode = pe.Code
		}
		logging.Warn(c.Request.Context(), "Authentication failed",
			zap.String("connectionId", connectionID), zap.Error(err))
		client.Send(protocol.EventAuthenticated, protocol.AuthenticatedPayload{
			Success: false,
			Error:   errorCode,
		})
		client.Disconnect()
		return
	}
	client.User = user

	result, err := g.registry.Add(client)
	if err != nil {
		var capErr *registry.CapExceededError
		if errors.As(err, &capErr) {
			client.Send(protocol.EventConnectionRejected, protocol.ConnectionRejectedPayload{
				Reason:     protocol.CodeMaxConnections,
				Limit:      capErr.Limit,
				Current:    capErr.Current,
				RetryAfter: 5000,
			})
		} else {
			logging.Error(c.Request.Context(), "Failed to register connection",
				zap.String("connectionId", connectionID), zap.Error(err))
			client.SendError(protocol.InternalError("Failed to register connection"), "")
		}
		client.Disconnect()
		return
	}

	client.Send(protocol.EventAuthenticated, protocol.AuthenticatedPayload{
		Success: true,
		User:    userInfoPtr(user),
	})
	if result.Warn {
		client.Send(protocol.EventConnectionWarning, protocol.ConnectionWarningPayload{
			Limit:          result.Limit,
			Current:        result.Current,
			PercentageUsed: float64(result.PercentageUsed),
		})
	}

	logging.Info(c.Request.Context(), "Connection authenticated",
		zap.String("connectionId", connectionID),
		zap.String("userId", user.UserID),
		zap.Int("userConnections", result.Current))
}

func userInfoPtr(user *auth.AuthenticatedUser) *protocol.UserInfo {
	info := user.Info()
	return &info
}

// HandleDisconnect runs the cleanup chain. Each step is shielded so a
// failing hook can never leave the connection registered.
func (g *Gateway) HandleDisconnect(c *transport.Client) {
	connectionID := c.ID

	g.step("registry remove", connectionID, func() {
		g.registry.Remove(connectionID)
	})

	g.step("cancel outgoing force requests", connectionID, func() {
		g.locks.CancelForcesByRequester(connectionID)
	})

	g.step("release locks", connectionID, func() {
		for _, lock := range g.locks.ReleaseAllForConnection(connectionID, protocol.ForceRejectedDisconnected) {
			g.broadcastToRoom(lock.RoomID, protocol.EventSubResourceUnlocked, protocol.SubResourceUnlockedPayload{
				RoomID:        lock.RoomID,
				SubResourceID: lock.SubResourceID,
				Reason:        protocol.ReleaseReasonDisconnect,
				UserID:        lock.UserID,
				Username:      lock.Username,
			})
			g.broadcastToRoom(lock.RoomID, protocol.EventLockReleased, protocol.LockReleasedPayload{
				Reason:        protocol.LockReleasedDisconnect,
				RoomID:        lock.RoomID,
				SubResourceID: lock.SubResourceID,
				UserID:        lock.UserID,
				Username:      lock.Username,
			})
		}
	})

	g.step("leave rooms", connectionID, func() {
		now := g.clock.Now()
		for _, departure := range g.rooms.RemoveConnection(connectionID) {
			g.sendToMembers(departure.Remaining, protocol.EventUserLeft, protocol.UserLeftPayload{
				RoomID:   departure.RoomID,
				UserID:   departure.Member.UserID,
				Username: departure.Member.Username,
				Reason:   protocol.ReleaseReasonDisconnect,
			})
			g.sendToMembers(departure.Remaining, protocol.EventPresenceUpdated, protocol.PresenceUpdatedPayload{
				RoomID:        departure.RoomID,
				Users:         departure.Remaining,
				EventType:     protocol.PresenceEventUserLeft,
				TriggerUserID: departure.Member.UserID,
				Timestamp:     now,
			})
		}
	})

	g.step("rate limiter cleanup", connectionID, func() {
		g.limiter.Cleanup(connectionID)
	})

	logging.Info(context.Background(), "Connection closed",
		zap.String("connectionId", connectionID),
		zap.String("userId", c.UserID()))
}

// step logs and swallows panics so the cleanup chain always completes.
func (g *Gateway) step(name, connectionID string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error(context.Background(), "Disconnect cleanup step failed",
				zap.String("step", name),
				zap.String("connectionId", connectionID),
				zap.Any("panic", r),
				zap.Stack("stack"))
		}
	}()
	fn()
}

// broadcastToRoom sends the event to every current member of the room,
// optionally excluding connections.
func (g *Gateway) broadcastToRoom(roomID, event string, payload any, exclude ...string) {
	members := g.rooms.Members(roomID)
	if len(members) == 0 {
		return
	}
	skip := make(map[string]bool, len(exclude))
	for _, id := range exclude {
		skip[id] = true
	}
	for _, member := range members {
		if skip[member.ConnectionID] {
			continue
		}
		if client, ok := g.registry.Get(member.ConnectionID); ok {
			client.Send(event, payload)
		}
	}
}

func (g *Gateway) sendToMembers(members []protocol.RoomMemberInfo, event string, payload any) {
	for _, member := range members {
		if client, ok := g.registry.Get(member.ConnectionID); ok {
			client.Send(event, payload)
		}
	}
}

func (g *Gateway) sendToConnection(connectionID, event string, payload any) {
	if client, ok := g.registry.Get(connectionID); ok {
		client.Send(event, payload)
	}
}

// LockExpiringSoon implements locks.Emitter: warn the holder only.
func (g *Gateway) LockExpiringSoon(lock locks.Lock, remaining time.Duration) {
	g.sendToConnection(lock.ConnectionID, protocol.EventLockExpiringSoon, protocol.LockExpiringSoonPayload{
		RoomID:           lock.RoomID,
		SubResourceID:    lock.SubResourceID,
		RemainingMinutes: int(remaining.Minutes()),
		RemainingTime:    remaining.Milliseconds(),
		ExpiresAt:        lock.ExpiresAt,
	})
}

// LockExpired implements locks.Emitter: tell the previous holder and the
// room.
func (g *Gateway) LockExpired(lock locks.Lock) {
	g.sendToConnection(lock.ConnectionID, protocol.EventLockExpired, protocol.LockExpiredPayload{
		RoomID:        lock.RoomID,
		SubResourceID: lock.SubResourceID,
		Reason:        protocol.ReleaseReasonTimeout,
	})
	g.broadcastToRoom(lock.RoomID, protocol.EventSubResourceUnlocked, protocol.SubResourceUnlockedPayload{
		RoomID:        lock.RoomID,
		SubResourceID: lock.SubResourceID,
		Reason:        protocol.ReleaseReasonTimeout,
		UserID:        lock.UserID,
		Username:      lock.Username,
	})
}

// ForceAutoRejected implements locks.Emitter: notify the requester that
// the transfer died without an owner approval.
func (g *Gateway) ForceAutoRejected(req locks.ForceRequest, reason string) {
	g.sendToConnection(req.RequesterConn, protocol.EventForceRequestRejected, protocol.ForceRequestRejectedPayload{
		RequestID:     req.ID,
		RoomID:        req.RoomID,
		SubResourceID: req.SubResourceID,
		Reason:        reason,
	})
}

// InactivityReaped implements sweeper.Emitter.
func (g *Gateway) InactivityReaped(connectionID string, released []locks.Lock) {
	for _, lock := range released {
		g.sendToConnection(connectionID, protocol.EventLockExpired, protocol.LockExpiredPayload{
			RoomID:        lock.RoomID,
			SubResourceID: lock.SubResourceID,
			Reason:        protocol.ReleaseReasonInactivity,
		})
		g.broadcastToRoom(lock.RoomID, protocol.EventLockReleased, protocol.LockReleasedPayload{
			Reason:        protocol.ReleaseReasonInactivity,
			RoomID:        lock.RoomID,
			SubResourceID: lock.SubResourceID,
			UserID:        lock.UserID,
			Username:      lock.Username,
		}, connectionID)
	}
}

// handleResourceUpdated fans a bus notification out to the matching room.
func (g *Gateway) handleResourceUpdated(update events.ResourceUpdate) {
	roomID := update.RoomID()
	members := g.rooms.Members(roomID)
	if len(members) == 0 {
		logging.GetLogger().Debug("Dropping resource update for empty room", zap.String("roomId", roomID))
		return
	}

	payload := protocol.ResourceUpdatedPayload{
		RoomID:          roomID,
		ResourceType:    update.ResourceType,
		ResourceID:      update.ResourceUUID,
		NewRevisionID:   update.ResourceRevisionUUID,
		UpdatedBy:       update.UpdatedBy,
		UpdatedByUserID: update.UpdatedByUserID,
		Timestamp:       update.Timestamp,
		ChangesSummary:  update.ChangesSummary,
	}
	if update.SubResourceID != nil {
		payload.SubResourceID = *update.SubResourceID
	}
	g.sendToMembers(members, protocol.EventResourceUpdated, payload)
}

// Shutdown broadcasts server:shutdown, waits out the grace period and
// force-closes whatever is left. Safe to call once.
func (g *Gateway) Shutdown(ctx context.Context) {
	if !g.shuttingDown.CompareAndSwap(false, true) {
		return
	}

	clientsAtShutdown := g.registry.Snapshot()
	logging.Info(ctx, "Shutting down gateway",
		zap.Int("connections", len(clientsAtShutdown)),
		zap.Duration("grace", g.cfg.ShutdownGrace))

	payload := protocol.ServerShutdownPayload{
		Message:     "Server is shutting down",
		ReconnectIn: g.cfg.ReconnectIn.Milliseconds(),
	}
	for _, client := range clientsAtShutdown {
		client.Send(protocol.EventServerShutdown, payload)
	}

	select {
	case <-g.clock.After(g.cfg.ShutdownGrace):
	case <-ctx.Done():
	}

	for _, client := range g.registry.Snapshot() {
		client.Disconnect()
	}
	g.sweeper.Stop()
	g.locks.Stop()
}

// Read-only state accessors for the admin surface.

func (g *Gateway) Registry() *registry.Registry     { return g.registry }
func (g *Gateway) Rooms() *rooms.Registry           { return g.rooms }
func (g *Gateway) Locks() *locks.Manager            { return g.locks }
func (g *Gateway) Limiter() *ratelimit.EventLimiter { return g.limiter }
