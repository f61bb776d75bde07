package health

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/cuemby/rgmanager/pkg/types"
)

// GroupHeader carries the checked group's id on every HTTP check request
const GroupHeader = "X-Resource-Group"

// HTTPChecker GETs a group's endpoint. A response status inside
// [MinStatus, MaxStatus] is healthy; redirects are not followed.
type HTTPChecker struct {
	Group     string
	URL       string
	Header    http.Header
	MinStatus int
	MaxStatus int

	client *http.Client
}

// NewHTTPChecker creates a checker accepting 2xx and 3xx answers
func NewHTTPChecker(group, url string) *HTTPChecker {
	return &HTTPChecker{
		Group:     group,
		URL:       url,
		Header:    make(http.Header),
		MinStatus: http.StatusOK,
		MaxStatus: http.StatusBadRequest - 1,
		client: &http.Client{
			Timeout: DefaultTimeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// Check performs one request
func (h *HTTPChecker) Check(ctx context.Context) Result {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.URL, nil)
	if err != nil {
		return failed(start, "%s: bad check url %q: %v", h.Group, h.URL, err)
	}
	req.Header = h.Header.Clone()
	req.Header.Set(GroupHeader, h.Group)

	resp, err := h.client.Do(req)
	if err != nil {
		return failed(start, "%s: %s: %v", h.Group, h.URL, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < h.MinStatus || resp.StatusCode > h.MaxStatus {
		return failed(start, "%s: %s answered %d, want %d-%d", h.Group, h.URL, resp.StatusCode, h.MinStatus, h.MaxStatus)
	}
	return passed(start, "%s: %s answered %d", h.Group, h.URL, resp.StatusCode)
}

// Type returns types.CheckHTTP
func (h *HTTPChecker) Type() types.CheckType {
	return types.CheckHTTP
}

// WithHeader adds a request header
func (h *HTTPChecker) WithHeader(key, value string) *HTTPChecker {
	h.Header.Add(key, value)
	return h
}

// WithStatusRange sets the accepted status codes, inclusive
func (h *HTTPChecker) WithStatusRange(min, max int) *HTTPChecker {
	h.MinStatus, h.MaxStatus = min, max
	return h
}

// WithTimeout bounds the whole request
func (h *HTTPChecker) WithTimeout(timeout time.Duration) *HTTPChecker {
	h.client.Timeout = timeout
	return h
}
