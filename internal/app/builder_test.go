package app

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/framesync-dev/framesync/internal/config"
)

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.SetDefaults()
	return cfg
}

func TestWithAddress(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		address string
		wantErr bool
	}{
		{"port_only", ":8080", false},
		{"localhost", "localhost:9090", false},
		{"explicit_host", "127.0.0.1:8080", false},
		{"empty", "", true},
		{"no_port", "localhost", true},
		{"empty_port", "localhost:", true},
		{"bad_port", "localhost:notaport", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg, err := baseConfig(WithAddress(tt.address))
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.address, cfg.address)
		})
	}
}

func TestNewAppRequiresConfig(t *testing.T) {
	t.Parallel()
	_, err := NewApp(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config cannot be nil")
}

func TestNewAppDefaults(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	application, err := NewApp(context.Background(), WithConfig(cfg))
	require.NoError(t, err)

	assert.Equal(t, defaultHTTPAddress, application.GetHTTPServer().Addr)
	assert.Same(t, cfg, application.GetConfig())

	components := application.Components()
	require.NotNil(t, components)
	assert.NotNil(t, components.Engine)
	assert.NotNil(t, components.Coordinator)
	assert.NotNil(t, components.Cache)
	assert.NotNil(t, components.Pool)
	assert.NotNil(t, components.Retries)
	assert.NotNil(t, components.Telemetry)
	assert.Same(t, components.Engine.Coordinator(), components.Coordinator)
}

func TestNewAppWithAddress(t *testing.T) {
	t.Parallel()
	application, err := NewApp(context.Background(),
		WithConfig(testConfig()),
		WithAddress("127.0.0.1:9191"),
	)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9191", application.GetHTTPServer().Addr)
}

func TestNewAppInvalidBackendKind(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Backends = []config.BackendConfig{{Kind: "flash"}}

	_, err := NewApp(context.Background(), WithConfig(cfg))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "flash")
}
