// Package registry tracks live connections and enforces the per-user
// connection cap. It is a state store: admission decisions are returned to
// the caller, which owns all client-facing emission.
package registry

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"k8s.io/utils/set"

	"github.com/medatlas/collab-gateway/internal/v1/logging"
	"github.com/medatlas/collab-gateway/internal/v1/transport"
)

// CapExceededError is returned by Add when the user already holds the
// maximum number of connections.
type CapExceededError struct {
	Limit   int
	Current int
}

func (e *CapExceededError) Error() string {
	return fmt.Sprintf("user has %d of %d allowed connections", e.Current, e.Limit)
}

// AdmitResult reports the post-admission state of the user's connections.
// Warn is set when this connection puts the user at or above 80% of the
// cap; PercentageUsed reflects usage before this connection was counted,
// matching the connection:warning contract.
type AdmitResult struct {
	Current        int
	Limit          int
	Warn           bool
	PercentageUsed int
}

// Registry is a thread-safe index of live connections, keyed by connection
// id with a secondary per-user index.
type Registry struct {
	mu         sync.RWMutex
	maxPerUser int
	clients    map[string]*transport.Client
	byUser     map[string]set.Set[string]
}

func NewRegistry(maxPerUser int) *Registry {
	return &Registry{
		maxPerUser: maxPerUser,
		clients:    make(map[string]*transport.Client),
		byUser:     make(map[string]set.Set[string]),
	}
}

// Add registers the client, enforcing the per-user cap. At the cap the
// client is rejected with CapExceededError and the registry is unchanged.
func (r *Registry) Add(client *transport.Client) (AdmitResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	userID := client.UserID()
	count := r.byUser[userID].Len()
	if count >= r.maxPerUser {
		logging.Warn(context.Background(), "Connection rejected: per-user cap reached",
			zap.String("userId", userID),
			zap.Int("current", count),
			zap.Int("limit", r.maxPerUser))
		return AdmitResult{}, &CapExceededError{Limit: r.maxPerUser, Current: count}
	}

	r.clients[client.ID] = client
	if r.byUser[userID] == nil {
		r.byUser[userID] = set.New[string]()
	}
	r.byUser[userID].Insert(client.ID)

	result := AdmitResult{
		Current: count + 1,
		Limit:   r.maxPerUser,
	}
	if float64(count+1) >= 0.8*float64(r.maxPerUser) {
		result.Warn = true
		result.PercentageUsed = count * 100 / r.maxPerUser
	}
	return result, nil
}

// Remove drops the connection from both indexes and returns the removed
// client, or nil if the id was unknown.
func (r *Registry) Remove(connectionID string) *transport.Client {
	r.mu.Lock()
	defer r.mu.Unlock()

	client, ok := r.clients[connectionID]
	if !ok {
		return nil
	}
	delete(r.clients, connectionID)

	userID := client.UserID()
	if ids, ok := r.byUser[userID]; ok {
		ids.Delete(connectionID)
		if ids.Len() == 0 {
			delete(r.byUser, userID)
		}
	}
	return client
}

// Get looks up a connection by id.
func (r *Registry) Get(connectionID string) (*transport.Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	client, ok := r.clients[connectionID]
	return client, ok
}

// ClientsForUser returns all live connections held by the user.
func (r *Registry) ClientsForUser(userID string) []*transport.Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids, ok := r.byUser[userID]
	if !ok {
		return nil
	}
	clients := make([]*transport.Client, 0, ids.Len())
	for _, id := range ids.UnsortedList() {
		if client, ok := r.clients[id]; ok {
			clients = append(clients, client)
		}
	}
	return clients
}

// CountForUser returns how many connections the user currently holds.
func (r *Registry) CountForUser(userID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byUser[userID].Len()
}

// Count returns the total number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// UserCount returns the number of distinct users with live connections.
func (r *Registry) UserCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser)
}

// Snapshot returns all live connections, in no particular order. Used by
// the admin surface and the shutdown broadcast.
func (r *Registry) Snapshot() []*transport.Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	clients := make([]*transport.Client, 0, len(r.clients))
	for _, client := range r.clients {
		clients = append(clients, client)
	}
	return clients
}
