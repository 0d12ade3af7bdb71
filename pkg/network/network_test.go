package network

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseProperty(t *testing.T) {
	cfg, err := ParseProperty("")
	require.NoError(t, err)
	assert.Equal(t, ModeHost, cfg.Mode)
	assert.False(t, cfg.NewNamespace())

	cfg, err = ParseProperty("none")
	require.NoError(t, err)
	assert.Equal(t, ModeNone, cfg.Mode)
	assert.True(t, cfg.NewNamespace())

	cfg, err = ParseProperty("macvlan eth0 eth0")
	require.NoError(t, err)
	assert.Equal(t, ModeMacvlan, cfg.Mode)
	assert.Equal(t, "eth0", cfg.Master)
	assert.Zero(t, cfg.GuaranteeBps)

	cfg, err = ParseProperty("macvlan eth0 eth0 10M")
	require.NoError(t, err)
	assert.Equal(t, int64(10*1024*1024), cfg.GuaranteeBps)

	for _, bad := range []string{"bridge br0", "macvlan eth0", "macvlan eth0 eth0 fast", "macvlan a b c d"} {
		_, err := ParseProperty(bad)
		assert.Error(t, err, "property %q", bad)
	}
}
