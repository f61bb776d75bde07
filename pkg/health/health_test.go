package health

import (
	"context"
	"net"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/cuemby/rgmanager/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name     string
		spec     types.CheckSpec
		wantType types.CheckType
		wantErr  bool
	}{
		{name: "http", spec: types.CheckSpec{Type: types.CheckHTTP, Endpoint: "http://127.0.0.1/"}, wantType: types.CheckHTTP},
		{name: "tcp", spec: types.CheckSpec{Type: types.CheckTCP, Endpoint: "127.0.0.1:1"}, wantType: types.CheckTCP},
		{name: "exec", spec: types.CheckSpec{Type: types.CheckExec, Command: []string{"true"}}, wantType: types.CheckExec},
		{name: "http without endpoint", spec: types.CheckSpec{Type: types.CheckHTTP}, wantErr: true},
		{name: "exec without command", spec: types.CheckSpec{Type: types.CheckExec}, wantErr: true},
		{name: "unknown", spec: types.CheckSpec{Type: "grpc"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := New("web", tt.spec)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantType, c.Type())
		})
	}
}

func TestStatusUpdate(t *testing.T) {
	s := NewStatus()
	fail := Result{Healthy: false, CheckedAt: time.Now()}
	ok := Result{Healthy: true, CheckedAt: time.Now()}

	assert.False(t, s.Update(fail, 3))
	assert.False(t, s.Update(fail, 3))
	assert.True(t, s.Healthy)

	assert.True(t, s.Update(fail, 3), "third failure flips to unhealthy")
	assert.False(t, s.Healthy)
	assert.Equal(t, 3, s.ConsecutiveFailures)

	assert.True(t, s.Update(ok, 3))
	assert.True(t, s.Healthy)
	assert.Equal(t, 0, s.ConsecutiveFailures)
	assert.Equal(t, 1, s.ConsecutiveSuccesses)
}

func TestStatusDue(t *testing.T) {
	s := NewStatus()
	now := time.Now()
	assert.True(t, s.Due(time.Second, now))

	s.Update(Result{Healthy: true, CheckedAt: now}, 1)
	assert.False(t, s.Due(time.Second, now.Add(500*time.Millisecond)))
	assert.True(t, s.Due(time.Second, now.Add(time.Second)))
}

func TestRetries(t *testing.T) {
	assert.Equal(t, DefaultRetries, Retries(types.CheckSpec{}))
	assert.Equal(t, 5, Retries(types.CheckSpec{Retries: 5}))
}

func TestTCPChecker(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	result := NewTCPChecker("db", addr).Check(context.Background())
	assert.True(t, result.Healthy, result.Message)
	assert.Equal(t, "db: "+addr+" accepting connections", result.Message)

	ln.Close()
	result = NewTCPChecker("db", addr).WithTimeout(200 * time.Millisecond).Check(context.Background())
	assert.False(t, result.Healthy)
	assert.Contains(t, result.Message, "db: "+addr+" not accepting connections")
}

func TestExecChecker(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}

	result := NewExecChecker("web", []string{"sh", "-c", "echo ready"}).Check(context.Background())
	assert.True(t, result.Healthy, result.Message)
	assert.Contains(t, result.Message, "ready")
	assert.True(t, strings.HasPrefix(result.Message, "web: "), result.Message)

	result = NewExecChecker("web", []string{"sh", "-c", "echo broken >&2; exit 3"}).Check(context.Background())
	assert.False(t, result.Healthy)
	assert.Contains(t, result.Message, "broken")

	result = NewExecChecker("web", []string{"sh", "-c", `test "$RG_GROUP" = web`}).Check(context.Background())
	assert.True(t, result.Healthy, result.Message)

	result = NewExecChecker("web", []string{"sh", "-c", `test "$RG_PORT" = 8080`}).WithEnv("RG_PORT=8080").Check(context.Background())
	assert.True(t, result.Healthy, result.Message)

	result = NewExecChecker("web", []string{"sleep", "5"}).WithTimeout(50 * time.Millisecond).Check(context.Background())
	assert.False(t, result.Healthy)

	result = NewExecChecker("web", nil).Check(context.Background())
	assert.False(t, result.Healthy)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", Truncate("abc", 5))
	assert.Equal(t, "ab...", Truncate("abcd", 2))
}
