package log

import (
	"bytes"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerCategoryFilter(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	ll := logrus.New()
	ll.SetOutput(&buf)
	ll.SetLevel(logrus.DebugLevel)

	logger := New(ll, nil)
	require.NoError(t, logger.SetCategoryFilter("^Connection:"))

	logger.Debugf("Connection:send", "kept")
	logger.Debugf("Session:recv", "dropped")

	out := buf.String()
	assert.Contains(t, out, "kept")
	assert.NotContains(t, out, "dropped")
}

func TestLoggerLevel(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	ll := logrus.New()
	ll.SetOutput(&buf)

	logger := New(ll, nil)
	require.NoError(t, logger.SetLevel("warn"))
	assert.False(t, logger.DebugMode())

	logger.Debugf("cdp", "below level")
	logger.Warnf("cdp", "at level")

	out := buf.String()
	assert.NotContains(t, out, "below level")
	assert.Contains(t, out, "at level")

	require.Error(t, logger.SetLevel("nope"))
}

func TestNullLoggerDiscards(t *testing.T) {
	t.Parallel()

	logger := NewNullLogger()
	logger.Errorf("cdp", "should not panic or print")
}
