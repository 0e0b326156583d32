package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/petrijr/orderflow/pkg/api"
)

func TestSupervisor_CoalescesConcurrentRuns(t *testing.T) {
	s := newSupervisor()
	inst := s.register(kindOrder, "o-1")

	assert.True(t, s.begin(inst))
	// A second wake-up while running only marks the instance dirty.
	assert.False(t, s.begin(inst))
	assert.False(t, s.begin(inst))

	assert.True(t, s.again(inst), "one extra pass for the queued wake-ups")
	assert.False(t, s.again(inst))
	assert.True(t, s.begin(inst))
}

func TestSupervisor_InboxIsFIFO(t *testing.T) {
	s := newSupervisor()
	inst := s.register(kindOrder, "o-1")
	assert.Same(t, inst, s.register(kindOrder, "o-1"))

	s.push(inst, api.Signal{Kind: api.SignalCancel})
	s.push(inst, api.Signal{Kind: api.SignalApprove})

	sig, ok := s.peek(inst)
	assert.True(t, ok)
	assert.Equal(t, api.SignalCancel, sig.Kind)
	s.pop(inst)

	sig, _ = s.peek(inst)
	assert.Equal(t, api.SignalApprove, sig.Kind)

	assert.Len(t, s.drain(inst), 1)
	_, ok = s.peek(inst)
	assert.False(t, ok)
}

func TestSupervisor_ArmOnce(t *testing.T) {
	s := newSupervisor()
	inst := s.register(kindOrder, "o-1")
	assert.True(t, s.arm(inst))
	assert.False(t, s.arm(inst))

	s.remove("o-1")
	_, ok := s.lookup("o-1")
	assert.False(t, ok)
	assert.Zero(t, s.live())
}
