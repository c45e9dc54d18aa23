package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codee-relay/config"
)

func TestRootCmd_FlagsOverrideConfig(t *testing.T) {
	t.Setenv("PORT", "9100")
	cmd := rootCmd()

	require.NoError(t, cmd.ParseFlags([]string{"--port", "9200", "--ping-interval", "5s", "--mdns", "--trace", "--write-wait", "2s"}))

	port, err := cmd.Flags().GetString("port")
	require.NoError(t, err)
	assert.Equal(t, "9200", port)

	interval, err := cmd.Flags().GetDuration("ping-interval")
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, interval)

	mdns, err := cmd.Flags().GetBool("mdns")
	require.NoError(t, err)
	assert.True(t, mdns)

	trace, err := cmd.Flags().GetBool("trace")
	require.NoError(t, err)
	assert.True(t, trace)

	writeWait, err := cmd.Flags().GetDuration("write-wait")
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, writeWait)
}

func TestRootCmd_EnvDefaults(t *testing.T) {
	t.Setenv("DEFAULT_ROOM", "lobby")
	cmd := rootCmd()

	room, err := cmd.Flags().GetString("default-room")
	require.NoError(t, err)
	assert.Equal(t, "lobby", room)
}

func TestRun_InvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.PingInterval = 0

	assert.Error(t, run(context.Background(), cfg))
}
