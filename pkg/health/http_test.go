package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cuemby/rgmanager/pkg/types"
	"github.com/stretchr/testify/assert"
)

func TestHTTPChecker(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		setup   func(*HTTPChecker)
		healthy bool
	}{
		{
			name:    "ok",
			handler: func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) },
			healthy: true,
		},
		{
			name:    "server error",
			handler: func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusInternalServerError) },
			healthy: false,
		},
		{
			name:    "custom status range",
			handler: func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusCreated) },
			setup:   func(c *HTTPChecker) { c.WithStatusRange(200, 299) },
			healthy: true,
		},
		{
			name: "custom header",
			handler: func(w http.ResponseWriter, r *http.Request) {
				if r.Header.Get("X-Group") != "web" {
					w.WriteHeader(http.StatusBadRequest)
					return
				}
				w.WriteHeader(http.StatusOK)
			},
			setup:   func(c *HTTPChecker) { c.WithHeader("X-Group", "web") },
			healthy: true,
		},
		{
			name: "group header",
			handler: func(w http.ResponseWriter, r *http.Request) {
				if r.Header.Get(GroupHeader) != "web" {
					w.WriteHeader(http.StatusBadRequest)
					return
				}
				w.WriteHeader(http.StatusOK)
			},
			healthy: true,
		},
		{
			name: "redirect not followed",
			handler: func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path == "/" {
					http.Redirect(w, r, "/down", http.StatusFound)
					return
				}
				w.WriteHeader(http.StatusServiceUnavailable)
			},
			healthy: true,
		},
		{
			name: "timeout",
			handler: func(w http.ResponseWriter, r *http.Request) {
				time.Sleep(200 * time.Millisecond)
				w.WriteHeader(http.StatusOK)
			},
			setup:   func(c *HTTPChecker) { c.WithTimeout(50 * time.Millisecond) },
			healthy: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(tt.handler)
			defer server.Close()

			checker := NewHTTPChecker("web", server.URL)
			if tt.setup != nil {
				tt.setup(checker)
			}

			result := checker.Check(context.Background())
			assert.Equal(t, tt.healthy, result.Healthy, result.Message)
			assert.Positive(t, result.Duration)
			assert.True(t, strings.HasPrefix(result.Message, "web: "+server.URL), result.Message)
		})
	}
}

func TestHTTPCheckerMessage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	result := NewHTTPChecker("web", server.URL).Check(context.Background())
	assert.False(t, result.Healthy)
	assert.Equal(t, "web: "+server.URL+" answered 503, want 200-399", result.Message)
}

func TestHTTPCheckerContextCancellation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := NewHTTPChecker("web", server.URL).Check(ctx)
	assert.False(t, result.Healthy)
}

func TestHTTPCheckerType(t *testing.T) {
	assert.Equal(t, types.CheckHTTP, NewHTTPChecker("web", "http://example.com").Type())
}
