package config_test

import (
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"

	"github.com/xtaci/fiberio/config"
)

func TestRegisterFlagsDefaults(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	cfg := config.RegisterFlags(fs)

	require.Equal(t, -1, cfg.HTTPPort)
	require.Equal(t, 0, cfg.Port)
	require.Equal(t, 0, cfg.MapLimit)
	require.False(t, cfg.LinkedSKE)
	require.Equal(t, "", cfg.Connect)
	require.Equal(t, 1, cfg.Count)
	require.Equal(t, 1, cfg.NumConnections)

	for _, name := range []string{"http_port", "port", "map_limit", "linked_ske", "connect", "count", "num_connections"} {
		require.NotNil(t, fs.Lookup(name), "flag %q not registered", name)
	}
}

func TestRegisterFlagsParse(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	cfg := config.RegisterFlags(fs)

	err := fs.Parse([]string{"--port=9000", "--map_limit=50", "--linked_ske", "--connect=10.0.0.1:9000"})
	require.NoError(t, err)

	require.Equal(t, 9000, cfg.Port)
	require.Equal(t, 50, cfg.MapLimit)
	require.True(t, cfg.LinkedSKE)
	require.Equal(t, "10.0.0.1:9000", cfg.Connect)
}
