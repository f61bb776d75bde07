package agent

import (
	"context"
	"errors"
	"sync"

	"github.com/cuemby/rgmanager/pkg/types"
)

// ErrFakeFailure is returned by Fake for scripted failures
var ErrFakeFailure = errors.New("scripted agent failure")

// Call records one invocation of a Fake
type Call struct {
	Group  string
	Action Action
}

type fakeKey struct {
	group  string
	action Action
}

// Fake is an in-memory agent for tests. Start marks a group running and
// Stop clears it; failures and blocking can be scripted per group and
// action.
type Fake struct {
	mu       sync.Mutex
	calls    []Call
	failNext map[fakeKey]int
	always   map[fakeKey]error
	gates    map[fakeKey]chan struct{}
	running  map[string]bool
	onCall   func(Call)
}

// NewFake creates a fake agent where every action succeeds
func NewFake() *Fake {
	return &Fake{
		failNext: make(map[fakeKey]int),
		always:   make(map[fakeKey]error),
		gates:    make(map[fakeKey]chan struct{}),
		running:  make(map[string]bool),
	}
}

// FailNext makes the next n invocations of action for group fail
func (f *Fake) FailNext(group string, action Action, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failNext[fakeKey{group, action}] = n
}

// FailAlways makes every invocation of action for group return err until
// Reset
func (f *Fake) FailAlways(group string, action Action, err error) {
	if err == nil {
		err = ErrFakeFailure
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.always[fakeKey{group, action}] = err
}

// Block holds invocations of action for group until the returned release
// function is called or the invocation context ends
func (f *Fake) Block(group string, action Action) (release func()) {
	ch := make(chan struct{})
	f.mu.Lock()
	f.gates[fakeKey{group, action}] = ch
	f.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.gates, fakeKey{group, action})
			f.mu.Unlock()
			close(ch)
		})
	}
}

// Reset clears every scripted failure for group
func (f *Fake) Reset(group string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for k := range f.failNext {
		if k.group == group {
			delete(f.failNext, k)
		}
	}
	for k := range f.always {
		if k.group == group {
			delete(f.always, k)
		}
	}
}

// OnCall registers a hook invoked at the start of every invocation
func (f *Fake) OnCall(fn func(Call)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onCall = fn
}

// Calls returns the actions invoked for group, in order
func (f *Fake) Calls(group string) []Action {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []Action
	for _, c := range f.calls {
		if c.Group == group {
			out = append(out, c.Action)
		}
	}
	return out
}

// AllCalls returns every recorded invocation, in order
func (f *Fake) AllCalls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// Count returns how many times action was invoked for group
func (f *Fake) Count(group string, action Action) int {
	n := 0
	for _, a := range f.Calls(group) {
		if a == action {
			n++
		}
	}
	return n
}

// Running reports whether group was started and not stopped since
func (f *Fake) Running(group string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running[group]
}

// Kill marks group as no longer running without a Stop call
func (f *Fake) Kill(group string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.running, group)
}

// Start implements Agent
func (f *Fake) Start(ctx context.Context, def *types.GroupDefinition) error {
	return f.invoke(ctx, def.ID, ActionStart)
}

// Stop implements Agent
func (f *Fake) Stop(ctx context.Context, def *types.GroupDefinition) error {
	return f.invoke(ctx, def.ID, ActionStop)
}

// Status implements Agent
func (f *Fake) Status(ctx context.Context, def *types.GroupDefinition) error {
	return f.invoke(ctx, def.ID, ActionStatus)
}

func (f *Fake) invoke(ctx context.Context, group string, action Action) error {
	key := fakeKey{group, action}
	call := Call{Group: group, Action: action}

	f.mu.Lock()
	f.calls = append(f.calls, call)
	gate := f.gates[key]
	hook := f.onCall
	f.mu.Unlock()

	if hook != nil {
		hook(call)
	}

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if err, ok := f.always[key]; ok {
		return err
	}
	if n := f.failNext[key]; n > 0 {
		f.failNext[key] = n - 1
		return ErrFakeFailure
	}

	switch action {
	case ActionStart:
		f.running[group] = true
	case ActionStop:
		delete(f.running, group)
	case ActionStatus:
		if !f.running[group] {
			return ErrFakeFailure
		}
	}
	return nil
}
