package common

import (
	"context"
	"testing"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"
	"github.com/mailru/easyjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testSessionID = "session_id_0123456789"
	testTargetID  = "target_id_0123456789"
)

// attachHandler implements enough of the target domain to attach one
// session, then replies to everything else with an empty result.
func attachHandler(msg *cdproto.Message, writeCh chan cdproto.Message, _ chan struct{}) {
	if msg.Method == cdproto.CommandTargetAttachToTarget {
		writeCh <- cdproto.Message{
			Method: cdproto.EventTargetAttachedToTarget,
			Params: easyjson.RawMessage(`{
				"sessionId": "` + testSessionID + `",
				"targetInfo": {
					"targetId": "` + testTargetID + `",
					"type": "page",
					"title": "",
					"url": "about:blank",
					"attached": true,
					"browserContextId": "browser_context_id_0123456789"
				},
				"waitingForDebugger": false
			}`),
		}
		writeCh <- cdproto.Message{
			ID:     msg.ID,
			Result: easyjson.RawMessage(`{"sessionId":"` + testSessionID + `"}`),
		}
		return
	}
	writeCh <- cdproto.Message{
		ID:        msg.ID,
		SessionID: msg.SessionID,
		Result:    easyjson.RawMessage("{}"),
	}
}

func attachTestSession(t *testing.T, conn *Connection) *Session {
	t.Helper()
	sess, err := conn.createSession(&target.Info{TargetID: testTargetID})
	require.NoError(t, err)
	require.NotNil(t, sess)
	return sess
}

func TestSessionCreate(t *testing.T) {
	server := newWSTestServer(t, attachHandler)
	conn := connectTestConn(t, server, nil)

	sess := attachTestSession(t, conn)
	assert.Equal(t, target.SessionID(testSessionID), sess.ID())
	assert.Equal(t, target.ID(testTargetID), sess.TargetID())
	assert.False(t, sess.Closed())
}

func TestSessionExecuteCarriesSessionID(t *testing.T) {
	var gotSessionID target.SessionID
	server := newWSTestServer(t, func(msg *cdproto.Message, writeCh chan cdproto.Message, done chan struct{}) {
		if msg.SessionID != "" {
			gotSessionID = msg.SessionID
		}
		attachHandler(msg, writeCh, done)
	})
	conn := connectTestConn(t, server, nil)
	sess := attachTestSession(t, conn)

	err := target.SetDiscoverTargets(true).Do(cdp.WithExecutor(context.Background(), sess))
	require.NoError(t, err)
	assert.Equal(t, target.SessionID(testSessionID), gotSessionID)
}

func TestSessionDetachRejectsOnlyItsCalls(t *testing.T) {
	// Attach, then never reply to session-scoped commands so one can be
	// left pending when the detach event arrives.
	server := newWSTestServer(t, func(msg *cdproto.Message, writeCh chan cdproto.Message, done chan struct{}) {
		if msg.SessionID != "" {
			if msg.Method == cdproto.CommandTargetSetDiscoverTargets {
				// Leave pending; the detach event below rejects it.
				writeCh <- cdproto.Message{
					Method: cdproto.EventTargetDetachedFromTarget,
					Params: easyjson.RawMessage(`{"sessionId":"` + testSessionID + `"}`),
				}
				return
			}
		}
		attachHandler(msg, writeCh, done)
	})
	conn := connectTestConn(t, server, nil)
	sess := attachTestSession(t, conn)

	err := target.SetDiscoverTargets(true).Do(cdp.WithExecutor(context.Background(), sess))
	require.ErrorIs(t, err, ErrClosed)
	assert.True(t, sess.Closed())

	// The root session is untouched.
	err = target.SetDiscoverTargets(true).Do(cdp.WithExecutor(context.Background(), conn))
	require.NoError(t, err)
}

func TestSessionExecuteAfterClose(t *testing.T) {
	server := newWSTestServer(t, attachHandler)
	conn := connectTestConn(t, server, nil)
	sess := attachTestSession(t, conn)

	sess.close()

	err := target.SetDiscoverTargets(true).Do(cdp.WithExecutor(context.Background(), sess))
	require.ErrorIs(t, err, ErrClosed)
}

func TestSessionEventDispatch(t *testing.T) {
	server := newWSTestServer(t, func(msg *cdproto.Message, writeCh chan cdproto.Message, done chan struct{}) {
		if msg.SessionID != "" && msg.Method == cdproto.CommandTargetSetDiscoverTargets {
			writeCh <- cdproto.Message{
				SessionID: msg.SessionID,
				Method:    cdproto.EventTargetTargetDestroyed,
				Params:    easyjson.RawMessage(`{"targetId":"` + testTargetID + `"}`),
			}
			writeCh <- cdproto.Message{ID: msg.ID, SessionID: msg.SessionID, Result: easyjson.RawMessage("{}")}
			return
		}
		attachHandler(msg, writeCh, done)
	})
	conn := connectTestConn(t, server, nil)
	sess := attachTestSession(t, conn)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	evCh := make(chan Event, 1)
	sess.on(ctx, []string{string(cdproto.EventTargetTargetDestroyed)}, evCh)

	err := target.SetDiscoverTargets(true).Do(cdp.WithExecutor(ctx, sess))
	require.NoError(t, err)

	select {
	case ev := <-evCh:
		destroyed, ok := ev.data.(*target.EventTargetDestroyed)
		require.True(t, ok)
		assert.Equal(t, target.ID(testTargetID), destroyed.TargetID)
	case <-time.After(2 * time.Second):
		t.Fatal("session event was not dispatched")
	}
}
