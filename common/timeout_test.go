package common

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTimeoutSettingsDefaults(t *testing.T) {
	ts := NewTimeoutSettings(nil)
	assert.Equal(t, DefaultTimeout, ts.timeout())
	assert.Equal(t, DefaultTimeout, ts.navigationTimeout())
}

func TestTimeoutSettingsSetDefaultTimeout(t *testing.T) {
	ts := NewTimeoutSettings(nil)
	ts.setDefaultTimeout(100 * time.Millisecond)
	assert.Equal(t, 100*time.Millisecond, ts.timeout())
	// Navigation falls back to the general default when unset.
	assert.Equal(t, 100*time.Millisecond, ts.navigationTimeout())
}

func TestTimeoutSettingsSetDefaultNavigationTimeout(t *testing.T) {
	ts := NewTimeoutSettings(nil)
	ts.setDefaultNavigationTimeout(time.Minute)
	assert.Equal(t, time.Minute, ts.navigationTimeout())
	assert.Equal(t, DefaultTimeout, ts.timeout())
}

func TestTimeoutSettingsParentChain(t *testing.T) {
	parent := NewTimeoutSettings(nil)
	parent.setDefaultTimeout(time.Second)
	parent.setDefaultNavigationTimeout(time.Minute)

	child := NewTimeoutSettings(parent)
	assert.Equal(t, time.Second, child.timeout())
	assert.Equal(t, time.Minute, child.navigationTimeout())

	child.setDefaultTimeout(2 * time.Second)
	assert.Equal(t, 2*time.Second, child.timeout())
	// Navigation falls back to the local default before climbing to the
	// parent chain.
	assert.Equal(t, 2*time.Second, child.navigationTimeout())
}
