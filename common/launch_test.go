package common

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLaunchOptionsDefaults(t *testing.T) {
	opts := NewLaunchOptions()

	assert.True(t, opts.Headless)
	assert.False(t, opts.Devtools)
	assert.Equal(t, DefaultTimeout, opts.Timeout)
	assert.Equal(t, 20, opts.AttachAttempts)
	assert.Equal(t, time.Second, opts.AttachInterval)
	assert.Equal(t, 2*time.Second, opts.GracePeriod)
	assert.Empty(t, opts.ExecutablePath)
	assert.Empty(t, opts.Proxy.Server)
}

func TestLaunchOptionsFromEnv(t *testing.T) {
	t.Setenv("STEALTHWRIGHT_HEADLESS", "false")
	t.Setenv("STEALTHWRIGHT_EXECUTABLE_PATH", "/opt/chromium/chrome")
	t.Setenv("STEALTHWRIGHT_ATTACH_ATTEMPTS", "3")
	t.Setenv("STEALTHWRIGHT_ATTACH_INTERVAL", "250ms")
	t.Setenv("STEALTHWRIGHT_INITIAL_URL", "https://example.com/start")
	t.Setenv("STEALTHWRIGHT_IGNORE_TLS_ERRORS", "true")
	t.Setenv("STEALTHWRIGHT_PROXY_SERVER", "http://proxy.local:3128")
	t.Setenv("STEALTHWRIGHT_PROXY_USERNAME", "open")
	t.Setenv("STEALTHWRIGHT_PROXY_PASSWORD", "sesame")

	opts := NewLaunchOptions()
	require.NoError(t, opts.FromEnv())

	assert.False(t, opts.Headless)
	assert.Equal(t, "/opt/chromium/chrome", opts.ExecutablePath)
	assert.Equal(t, 3, opts.AttachAttempts)
	assert.Equal(t, 250*time.Millisecond, opts.AttachInterval)
	assert.Equal(t, "https://example.com/start", opts.InitialURL)
	assert.True(t, opts.IgnoreTLSErrors)
	assert.Equal(t, "http://proxy.local:3128", opts.Proxy.Server)

	creds := opts.Proxy.Credentials()
	assert.Equal(t, Credentials{Username: "open", Password: "sesame"}, creds)
}

func TestLaunchOptionsFromEnvUntouchedWithoutVars(t *testing.T) {
	opts := NewLaunchOptions()
	require.NoError(t, opts.FromEnv())
	assert.Equal(t, NewLaunchOptions(), opts)
}
