package common

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/mailru/easyjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseElementState(t *testing.T) {
	for name, want := range map[string]ElementState{
		"":         ElementStateAttached,
		"attached": ElementStateAttached,
		"detached": ElementStateDetached,
		"visible":  ElementStateVisible,
		"hidden":   ElementStateHidden,
	} {
		got, err := ParseElementState(name)
		require.NoError(t, err)
		assert.Equal(t, want, got, name)
	}

	_, err := ParseElementState("bogus")
	require.Error(t, err)
}

func TestElementStateExprEscapesSelector(t *testing.T) {
	// A selector trying to break out of the string literal must stay inert
	// inside it.
	hostile := `"); alert(1); ("`

	for _, state := range []ElementState{
		ElementStateAttached, ElementStateDetached, ElementStateVisible, ElementStateHidden,
	} {
		expr, err := elementStateExpr(hostile, state)
		require.NoError(t, err)

		assert.NotContains(t, expr, `("); alert(1)`, state.String())
		assert.Contains(t, expr, `"\"); alert(1); (\""`, state.String())
	}
}

func TestElementStateExprShapes(t *testing.T) {
	expr, err := elementStateExpr("#login", ElementStateAttached)
	require.NoError(t, err)
	assert.Equal(t, `document.querySelector("#login") !== null`, expr)

	expr, err = elementStateExpr("#login", ElementStateDetached)
	require.NoError(t, err)
	assert.Equal(t, `document.querySelector("#login") === null`, expr)

	expr, err = elementStateExpr("#login", ElementStateVisible)
	require.NoError(t, err)
	assert.Contains(t, expr, "getBoundingClientRect")
	assert.Contains(t, expr, "getComputedStyle")

	expr, err = elementStateExpr("#login", ElementStateHidden)
	require.NoError(t, err)
	assert.Contains(t, expr, "if (!el) return true")
}

// boolEvalHandler serves evaluations from a scripted bool sequence,
// sticking on the last value.
func boolEvalHandler(results []bool) wsHandler {
	var (
		mu    sync.Mutex
		calls int
	)
	return func(msg *cdproto.Message, writeCh chan cdproto.Message, done chan struct{}) {
		if msg.Method != cdproto.CommandRuntimeEvaluate {
			attachHandler(msg, writeCh, done)
			return
		}
		mu.Lock()
		i := calls
		if i >= len(results) {
			i = len(results) - 1
		}
		calls++
		val := "false"
		if results[i] {
			val = "true"
		}
		mu.Unlock()
		writeCh <- cdproto.Message{
			ID:        msg.ID,
			SessionID: msg.SessionID,
			Result:    easyjson.RawMessage(`{"result":{"type":"boolean","value":` + val + `}}`),
		}
	}
}

func TestWaitForElementStateResolves(t *testing.T) {
	server := newWSTestServer(t, boolEvalHandler([]bool{false, false, true}))
	conn := connectTestConn(t, server, nil)
	sess := attachTestSession(t, conn)

	err := waitForElementState(context.Background(), sess, "#login", ElementStateVisible,
		2*time.Second, 20*time.Millisecond)
	require.NoError(t, err)
}

func TestWaitForElementStateTimesOutWhileInvisible(t *testing.T) {
	// Zero rendered size keeps the visibility predicate false forever.
	server := newWSTestServer(t, boolEvalHandler([]bool{false}))
	conn := connectTestConn(t, server, nil)
	sess := attachTestSession(t, conn)

	start := time.Now()
	err := waitForElementState(context.Background(), sess, "#login", ElementStateVisible,
		200*time.Millisecond, 50*time.Millisecond)
	require.ErrorIs(t, err, ErrTimedOut)
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
	assert.True(t, strings.Contains(err.Error(), "#login"))
}
