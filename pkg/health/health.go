package health

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/rgmanager/pkg/types"
)

// Defaults applied when a check leaves the field unset
const (
	DefaultInterval = 30 * time.Second
	DefaultTimeout  = 10 * time.Second
	DefaultRetries  = 3
)

// Result represents the outcome of a status check
type Result struct {
	Healthy   bool
	Message   string
	CheckedAt time.Time
	Duration  time.Duration
}

// Checker is the interface that all status checkers must implement
type Checker interface {
	// Check performs the check and returns the result
	Check(ctx context.Context) Result

	// Type returns the type of check
	Type() types.CheckType
}

func passed(start time.Time, format string, args ...any) Result {
	return Result{Healthy: true, Message: fmt.Sprintf(format, args...), CheckedAt: start, Duration: time.Since(start)}
}

func failed(start time.Time, format string, args ...any) Result {
	return Result{Message: fmt.Sprintf(format, args...), CheckedAt: start, Duration: time.Since(start)}
}

// New builds the checker described by spec for group
func New(group string, spec types.CheckSpec) (Checker, error) {
	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	switch spec.Type {
	case types.CheckHTTP:
		if spec.Endpoint == "" {
			return nil, fmt.Errorf("%s: http check requires an endpoint", group)
		}
		return NewHTTPChecker(group, spec.Endpoint).WithTimeout(timeout), nil
	case types.CheckTCP:
		if spec.Endpoint == "" {
			return nil, fmt.Errorf("%s: tcp check requires an endpoint", group)
		}
		return NewTCPChecker(group, spec.Endpoint).WithTimeout(timeout), nil
	case types.CheckExec:
		if len(spec.Command) == 0 {
			return nil, fmt.Errorf("%s: exec check requires a command", group)
		}
		return NewExecChecker(group, spec.Command).WithTimeout(timeout), nil
	default:
		return nil, fmt.Errorf("%s: unknown check type %q", group, spec.Type)
	}
}

// Retries returns the consecutive-failure threshold of spec
func Retries(spec types.CheckSpec) int {
	if spec.Retries <= 0 {
		return DefaultRetries
	}
	return spec.Retries
}

// Status tracks consecutive check results for one resource group
type Status struct {
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	LastCheck            time.Time
	LastResult           Result

	// Healthy flips to false only after Retries consecutive failures
	Healthy bool
}

// NewStatus creates a Status that is healthy until proven otherwise
func NewStatus() *Status {
	return &Status{Healthy: true}
}

// Update records a result. It returns true when this result changed Healthy.
func (s *Status) Update(result Result, retries int) bool {
	s.LastCheck = result.CheckedAt
	s.LastResult = result
	was := s.Healthy

	if result.Healthy {
		s.ConsecutiveSuccesses++
		s.ConsecutiveFailures = 0
		s.Healthy = true
	} else {
		s.ConsecutiveFailures++
		s.ConsecutiveSuccesses = 0
		if s.ConsecutiveFailures >= retries {
			s.Healthy = false
		}
	}

	return was != s.Healthy
}

// Due reports whether interval has elapsed since the last check
func (s *Status) Due(interval time.Duration, now time.Time) bool {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return s.LastCheck.IsZero() || now.Sub(s.LastCheck) >= interval
}
