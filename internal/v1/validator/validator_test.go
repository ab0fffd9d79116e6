package validator

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testUUID = "123e4567-e89b-12d3-a456-426614174000"

func TestIsResourceOpen(t *testing.T) {
	cases := []struct {
		status string
		open   bool
	}{
		{"active", true},
		{"draft", true},
		{"in_progress", true},
		{"closed", false},
		{"CLOSED", false},
		{"cancelled", false},
		{"archived", false},
		{"deleted", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.open, IsResourceOpen(&Resource{Status: tc.status}), "status %q", tc.status)
	}
	assert.False(t, IsResourceOpen(nil))
}

func TestHTTPValidator_FindOne(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/resources/"+testUUID, r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"uuid":"` + testUUID + `","name":"Knee arthroscopy","status":"active"}`))
	}))
	defer server.Close()

	v := NewHTTPValidator(server.URL, 2*time.Second)
	resource, err := v.FindOne(context.Background(), testUUID)
	require.NoError(t, err)
	assert.Equal(t, testUUID, resource.UUID)
	assert.Equal(t, "active", resource.Status)
}

func TestHTTPValidator_NotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	v := NewHTTPValidator(server.URL, 2*time.Second)
	_, err := v.FindOne(context.Background(), testUUID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestHTTPValidator_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	v := NewHTTPValidator(server.URL, 2*time.Second)
	_, err := v.FindOne(context.Background(), testUUID)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
}

func TestHTTPValidator_Unreachable(t *testing.T) {
	v := NewHTTPValidator("http://127.0.0.1:1", 200*time.Millisecond)
	_, err := v.FindOne(context.Background(), testUUID)
	assert.Error(t, err)
}

func TestStaticValidator_AllowAll(t *testing.T) {
	v := NewStaticValidator(true)

	resource, err := v.FindOne(context.Background(), testUUID)
	require.NoError(t, err)
	assert.Equal(t, testUUID, resource.UUID)
	assert.True(t, IsResourceOpen(resource))
}

func TestStaticValidator_SeededOnly(t *testing.T) {
	v := NewStaticValidator(false)
	v.Seed(Resource{UUID: testUUID, Status: "closed"})

	resource, err := v.FindOne(context.Background(), testUUID)
	require.NoError(t, err)
	assert.False(t, IsResourceOpen(resource))

	_, err = v.FindOne(context.Background(), "unknown")
	assert.ErrorIs(t, err, ErrNotFound)
}
