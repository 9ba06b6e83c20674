package common

import (
	"fmt"
	"time"

	"github.com/mstoykov/envconfig"
)

// ProxyOptions configures the proxy the browser routes its traffic through.
type ProxyOptions struct {
	Server   string `json:"server" envconfig:"STEALTHWRIGHT_PROXY_SERVER"`
	Bypass   string `json:"bypass" envconfig:"STEALTHWRIGHT_PROXY_BYPASS"`
	Username string `json:"username" envconfig:"STEALTHWRIGHT_PROXY_USERNAME"`
	Password string `json:"password" envconfig:"STEALTHWRIGHT_PROXY_PASSWORD"`
}

// Credentials returns the proxy credentials, empty when none are set.
func (p ProxyOptions) Credentials() Credentials {
	return Credentials{Username: p.Username, Password: p.Password}
}

// LaunchOptions control how a browser process is started and attached to.
type LaunchOptions struct {
	ExecutablePath    string        `json:"executablePath" envconfig:"STEALTHWRIGHT_EXECUTABLE_PATH"`
	Args              []string      `json:"args" envconfig:"STEALTHWRIGHT_ARGS"`
	IgnoreDefaultArgs []string      `json:"ignoreDefaultArgs" envconfig:"STEALTHWRIGHT_IGNORE_DEFAULT_ARGS"`
	Headless          bool          `json:"headless" envconfig:"STEALTHWRIGHT_HEADLESS"`
	Devtools          bool          `json:"devtools" envconfig:"STEALTHWRIGHT_DEVTOOLS"`
	DataDir           string        `json:"dataDir" envconfig:"STEALTHWRIGHT_DATA_DIR"`
	InitialURL        string        `json:"initialURL" envconfig:"STEALTHWRIGHT_INITIAL_URL"`
	IgnoreTLSErrors   bool          `json:"ignoreTLSErrors" envconfig:"STEALTHWRIGHT_IGNORE_TLS_ERRORS"`
	Proxy             ProxyOptions  `json:"proxy"`
	Timeout           time.Duration `json:"timeout" envconfig:"STEALTHWRIGHT_TIMEOUT"`
	AttachAttempts    int           `json:"attachAttempts" envconfig:"STEALTHWRIGHT_ATTACH_ATTEMPTS"`
	AttachInterval    time.Duration `json:"attachInterval" envconfig:"STEALTHWRIGHT_ATTACH_INTERVAL"`
	GracePeriod       time.Duration `json:"gracePeriod" envconfig:"STEALTHWRIGHT_GRACE_PERIOD"`
	LogCategoryFilter string        `json:"logCategoryFilter" envconfig:"STEALTHWRIGHT_LOG_CATEGORY_FILTER"`
	Debug             bool          `json:"debug" envconfig:"STEALTHWRIGHT_DEBUG"`
}

// NewLaunchOptions returns launch options with defaults set.
func NewLaunchOptions() *LaunchOptions {
	return &LaunchOptions{
		Headless:       true,
		Timeout:        DefaultTimeout,
		AttachAttempts: 20,
		AttachInterval: time.Second,
		GracePeriod:    2 * time.Second,
	}
}

// FromEnv overrides the options from the process environment.
func (l *LaunchOptions) FromEnv() error {
	if err := envconfig.Process("", l); err != nil {
		return fmt.Errorf("reading launch options from environment: %w", err)
	}
	return nil
}
