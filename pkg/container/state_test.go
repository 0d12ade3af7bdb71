package container

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cuemby/warden/pkg/errdefs"
)

func TestTransitions(t *testing.T) {
	legal := []struct{ from, to State }{
		{StateStopped, StateRunning},
		{StateStopped, StateMeta},
		{StateRunning, StatePaused},
		{StatePaused, StateRunning},
		{StateRunning, StateDead},
		{StateDead, StateRunning}, // respawn
		{StateDead, StateStopped},
		{StateRunning, StateStopped},
		{StateMeta, StateStopped},
	}
	for _, c := range legal {
		assert.NoError(t, checkTransition(c.from, c.to), "%s -> %s", c.from, c.to)
	}

	illegal := []struct{ from, to State }{
		{StateStopped, StatePaused},
		{StatePaused, StateMeta},
		{StateDead, StatePaused},
		{StateMeta, StateRunning},
		{StateStopped, StateStopped + "x"},
	}
	for _, c := range illegal {
		err := checkTransition(c.from, c.to)
		assert.Equal(t, errdefs.InvalidState, errdefs.GetKind(err), "%s -> %s", c.from, c.to)
	}

	// self transition is a no-op
	assert.NoError(t, checkTransition(StateRunning, StateRunning))
}

func TestParseState(t *testing.T) {
	s, err := ParseState("running")
	assert.NoError(t, err)
	assert.Equal(t, StateRunning, s)

	_, err = ParseState("zombie")
	assert.Error(t, err)
}

func TestParseBinds(t *testing.T) {
	binds, err := parseBinds("/src /dst; /a /b ro")
	assert.NoError(t, err)
	assert.Len(t, binds, 2)
	assert.False(t, binds[0].ReadOnly)
	assert.True(t, binds[1].ReadOnly)

	_, err = parseBinds("relative /dst")
	assert.Error(t, err)
	_, err = parseBinds("/src")
	assert.Error(t, err)
	_, err = parseBinds("/src /dst wat")
	assert.Error(t, err)

	binds, err = parseBinds("  ")
	assert.NoError(t, err)
	assert.Nil(t, binds)
}

func TestParseUlimits(t *testing.T) {
	ul, err := parseUlimits("nofile: 1024 4096; core: 0 0")
	assert.NoError(t, err)
	assert.Len(t, ul, 2)
	assert.Equal(t, "RLIMIT_NOFILE", ul[0].Type)

	_, err = parseUlimits("nofile 1024")
	assert.Error(t, err)
}

func TestPropertyAndDataLists(t *testing.T) {
	props := PropertyList()
	assert.Contains(t, props, "command")
	assert.Contains(t, props, "memory_limit (dynamic)")

	data := DataList()
	assert.Contains(t, data, "state")
	assert.Contains(t, data, "exit_status")
}
