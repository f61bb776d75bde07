package cluster

import (
	"testing"
	"time"

	"github.com/cuemby/rgmanager/pkg/types"
	"github.com/stretchr/testify/assert"
)

func TestLiveness(t *testing.T) {
	l := newLiveness("n1")
	assert.Equal(t, []types.NodeID{"n1"}, l.members())

	now := time.Now()
	l.reset([]types.NodeID{"n3", "n2", "n1"}, now, time.Second)
	assert.Equal(t, []types.NodeID{"n1", "n2", "n3"}, l.members())
	assert.False(t, l.settled(now))
	assert.True(t, l.settled(now.Add(time.Second)))

	assert.True(t, l.fail("n2"))
	assert.False(t, l.fail("n2"), "already failed")
	assert.False(t, l.fail("n1"), "self is always live")
	assert.Equal(t, []types.NodeID{"n1", "n3"}, l.members())

	assert.True(t, l.resume("n2"))
	assert.False(t, l.resume("n2"))
	assert.Equal(t, []types.NodeID{"n1", "n2", "n3"}, l.members())

	l.remove("n3")
	l.remove("n1")
	assert.Equal(t, []types.NodeID{"n1", "n2"}, l.members())
}
