// Package validator answers one question for resource:join — does the
// resource exist and is it open for collaboration. The production adapter
// asks the resource REST API; the static adapter serves development and
// tests.
package validator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"
)

// ErrNotFound reports a resource the backing store does not know.
var ErrNotFound = errors.New("resource not found")

// Resource is the subset of the REST representation the gateway needs.
type Resource struct {
	UUID   string `json:"uuid"`
	Name   string `json:"name,omitempty"`
	Status string `json:"status"`
}

// Validator is the resource lookup port.
type Validator interface {
	FindOne(ctx context.Context, resourceUUID string) (*Resource, error)
}

// closedStatuses are the lifecycle states that refuse new collaborators.
var closedStatuses = map[string]bool{
	"closed":    true,
	"cancelled": true,
	"archived":  true,
	"deleted":   true,
}

// IsResourceOpen reports whether the resource accepts joins.
func IsResourceOpen(r *Resource) bool {
	if r == nil {
		return false
	}
	return !closedStatuses[strings.ToLower(r.Status)]
}

// HTTPValidator looks resources up over the resource API.
type HTTPValidator struct {
	baseURL string
	client  *http.Client
}

func NewHTTPValidator(baseURL string, timeout time.Duration) *HTTPValidator {
	return &HTTPValidator{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

func (v *HTTPValidator) FindOne(ctx context.Context, resourceUUID string) (*Resource, error) {
	url := fmt.Sprintf("%s/api/v1/resources/%s", v.baseURL, resourceUUID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build resource lookup request: %w", err)
	}

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("resource lookup failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNotFound
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("resource lookup returned status %d", resp.StatusCode)
	}

	var resource Resource
	if err := json.NewDecoder(resp.Body).Decode(&resource); err != nil {
		return nil, fmt.Errorf("failed to decode resource: %w", err)
	}
	return &resource, nil
}

// Ping reports whether the resource API is reachable. Any HTTP response
// counts; only transport failures and 5xx mark the dependency down.
func (v *HTTPValidator) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.baseURL+"/api/v1/health", nil)
	if err != nil {
		return fmt.Errorf("failed to build resource API health request: %w", err)
	}
	resp, err := v.client.Do(req)
	if err != nil {
		return fmt.Errorf("resource API unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("resource API health returned status %d", resp.StatusCode)
	}
	return nil
}

// StaticValidator serves development mode and tests. With AllowAll set it
// fabricates an active resource for any uuid; otherwise only seeded
// resources exist.
type StaticValidator struct {
	mu        sync.RWMutex
	allowAll  bool
	resources map[string]*Resource
}

func NewStaticValidator(allowAll bool) *StaticValidator {
	return &StaticValidator{
		allowAll:  allowAll,
		resources: make(map[string]*Resource),
	}
}

// Seed registers a resource.
func (v *StaticValidator) Seed(resource Resource) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.resources[resource.UUID] = &resource
}

func (v *StaticValidator) FindOne(_ context.Context, resourceUUID string) (*Resource, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if resource, ok := v.resources[resourceUUID]; ok {
		copied := *resource
		return &copied, nil
	}
	if v.allowAll {
		return &Resource{UUID: resourceUUID, Status: "active"}, nil
	}
	return nil, ErrNotFound
}
