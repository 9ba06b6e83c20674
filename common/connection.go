/*
 *
 * xk6-browser - a browser automation extension for k6
 * Copyright (C) 2021 Load Impact
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as
 * published by the Free Software Foundation, either version 3 of the
 * License, or (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package common

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"
	"github.com/gorilla/websocket"
	"github.com/mailru/easyjson"

	"github.com/ProfFahad/stealthwright/log"
)

const wsWriteBufferSize = 1 << 20

// Ensure Connection implements the EventEmitter and Executor interfaces.
var (
	_ EventEmitter = &Connection{}
	_ cdp.Executor = &Connection{}
)

// wire is one generation of the underlying WebSocket channel. A reattachment
// replaces the whole wire so loops of a dead generation cannot touch the new
// socket.
type wire struct {
	conn   *websocket.Conn
	sendCh chan *cdproto.Message
	done   chan struct{}
}

// pendingCall is a command awaiting its correlated response. Each call is
// resolved or rejected exactly once: the table entry is removed under the
// table lock before anything is delivered on ch.
type pendingCall struct {
	sessionID target.SessionID
	ch        chan *cdproto.Message // buffered; nil delivery means the channel closed
}

/*
Connection owns one duplex channel to the browser and the root session on it.

Outbound commands carry a connection-wide strictly increasing message id and
park in the pending-call table until the response bearing the same id arrives,
the per-call deadline fires, or the channel closes. Inbound traffic is routed
by shape: a message with an id completes a pending call; a message with a
method and no id is an event, delivered to the session it names or emitted on
the root emitter.
*/
type Connection struct {
	BaseEventEmitter

	ctx      context.Context
	wsURL    string
	logger   *log.Logger
	timeouts *TimeoutSettings

	wireMu sync.Mutex
	wire   *wire
	closed bool

	msgID int64

	callsMu sync.Mutex
	calls   map[int64]pendingCall

	sessionsMu sync.RWMutex
	sessions   map[target.SessionID]*Session
}

// NewConnection dials wsURL and starts the channel's read and write loops.
// A nil ts falls back to the default timeouts.
func NewConnection(ctx context.Context, wsURL string, logger *log.Logger, ts *TimeoutSettings) (*Connection, error) {
	if ts == nil {
		ts = NewTimeoutSettings(nil)
	}
	c := Connection{
		BaseEventEmitter: NewBaseEventEmitter(ctx),
		ctx:              ctx,
		wsURL:            wsURL,
		logger:           logger,
		timeouts:         ts,
		calls:            make(map[int64]pendingCall),
		sessions:         make(map[target.SessionID]*Session),
	}

	w, err := dialWire(ctx, wsURL)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", wsURL, err)
	}
	c.wire = w

	go c.recvLoop(w)
	go c.sendLoop(w)

	return &c, nil
}

func dialWire(ctx context.Context, wsURL string) (*wire, error) {
	wsd := websocket.Dialer{
		HandshakeTimeout: 60 * time.Second,
		WriteBufferSize:  wsWriteBufferSize,
	}
	conn, _, err := wsd.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, err
	}
	return &wire{
		conn:   conn,
		sendCh: make(chan *cdproto.Message, 32), // avoid blocking in Execute
		done:   make(chan struct{}),
	}, nil
}

// Close cleanly closes the channel, rejecting every outstanding call.
func (c *Connection) Close() {
	c.wireMu.Lock()
	w := c.wire
	c.wireMu.Unlock()
	_ = c.closeConnection(w, websocket.CloseGoingAway)
}

// Done returns a channel closed when the current channel generation dies.
func (c *Connection) Done() <-chan struct{} {
	c.wireMu.Lock()
	defer c.wireMu.Unlock()
	return c.wire.done
}

// closeConnection tears down the given wire generation if it is still the
// live one: sends the close control frame, stops the loops, rejects every
// pending call and closes all sessions.
func (c *Connection) closeConnection(w *wire, code int) error {
	c.wireMu.Lock()
	if c.closed || w != c.wire {
		c.wireMu.Unlock()
		return nil
	}
	c.closed = true
	c.wireMu.Unlock()

	err := w.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, ""),
		time.Now().Add(10*time.Second),
	)
	_ = w.conn.Close()
	close(w.done)

	c.rejectCalls(func(pendingCall) bool { return true })

	c.sessionsMu.Lock()
	for id, s := range c.sessions {
		s.close()
		delete(c.sessions, id)
	}
	c.sessionsMu.Unlock()

	c.emit(EventConnectionClose, nil)

	return err
}

func (c *Connection) handleIOError(w *wire, err error) {
	if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		c.logger.Errorf("Connection", "channel error: %v", err)
	}
	code := websocket.CloseGoingAway
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		code = closeErr.Code
	}
	_ = c.closeConnection(w, code)
}

// liveWire returns the current wire, making exactly one reattachment attempt
// when the channel is not open.
func (c *Connection) liveWire(ctx context.Context) (*wire, error) {
	c.wireMu.Lock()
	defer c.wireMu.Unlock()

	if !c.closed {
		return c.wire, nil
	}

	w, err := dialWire(ctx, c.wsURL)
	if err != nil {
		return nil, fmt.Errorf("reattaching to %s: %v: %w", c.wsURL, err, ErrClosed)
	}
	c.logger.Infof("Connection", "reattached to %s", c.wsURL)
	c.wire = w
	c.closed = false
	go c.recvLoop(w)
	go c.sendLoop(w)

	return w, nil
}

func (c *Connection) nextID() int64 {
	return atomic.AddInt64(&c.msgID, 1)
}

func (c *Connection) recvLoop(w *wire) {
	for {
		_, buf, err := w.conn.ReadMessage()
		if err != nil {
			c.handleIOError(w, err)
			return
		}

		c.logger.Tracef("cdp:recv", "<- %s", buf)

		var msg cdproto.Message
		if err := easyjson.Unmarshal(buf, &msg); err != nil {
			c.logger.Errorf("cdp", "decoding message: %v", err)
			continue
		}

		switch {
		case msg.ID != 0 && msg.Method == "":
			c.resolveCall(&msg)
		case msg.Method != "":
			c.dispatchEvent(&msg)
		default:
			c.logger.Errorf("cdp", "ignoring malformed incoming message (missing id and method): %#v", msg)
		}
	}
}

// resolveCall completes the pending call matching the response id. A
// completion with no matching entry (e.g. it arrived after the call's own
// timeout fired) is dropped silently.
func (c *Connection) resolveCall(msg *cdproto.Message) {
	c.callsMu.Lock()
	call, ok := c.calls[msg.ID]
	if ok {
		delete(c.calls, msg.ID)
	}
	c.callsMu.Unlock()

	if !ok {
		c.logger.Debugf("Connection:resolveCall", "dropping unmatched response id=%d", msg.ID)
		return
	}
	if msg.Error != nil && msg.Error.Message == "No session with given id" {
		c.closeSession(msg.SessionID)
	}
	call.ch <- msg
}

func (c *Connection) dispatchEvent(msg *cdproto.Message) {
	// Attachment and detachment create and delete sessions as targets come
	// and go.
	switch msg.Method {
	case cdproto.EventTargetAttachedToTarget:
		ev, err := cdproto.UnmarshalMessage(msg)
		if err != nil {
			c.logger.Errorf("cdp", "%s", err)
			return
		}
		attached := ev.(*target.EventAttachedToTarget)
		c.sessionsMu.Lock()
		c.sessions[attached.SessionID] = NewSession(c.ctx, c, attached.SessionID, attached.TargetInfo.TargetID, c.logger)
		c.sessionsMu.Unlock()
		c.emit(string(msg.Method), attached)
		return
	case cdproto.EventTargetDetachedFromTarget:
		ev, err := cdproto.UnmarshalMessage(msg)
		if err != nil {
			c.logger.Errorf("cdp", "%s", err)
			return
		}
		detached := ev.(*target.EventDetachedFromTarget)
		c.closeSession(detached.SessionID)
		c.emit(string(msg.Method), detached)
		return
	}

	if msg.SessionID != "" {
		if s := c.getSession(msg.SessionID); s != nil {
			s.dispatchEvent(msg)
		}
		return
	}

	ev, err := cdproto.UnmarshalMessage(msg)
	if err != nil {
		c.logger.Errorf("cdp", "%s", err)
		return
	}
	c.emit(string(msg.Method), ev)
}

func (c *Connection) sendLoop(w *wire) {
	for {
		select {
		case msg := <-w.sendCh:
			buf, err := easyjson.Marshal(msg)
			if err != nil {
				c.logger.Errorf("cdp", "encoding message: %v", err)
				continue
			}
			c.logger.Tracef("cdp:send", "-> %s", buf)
			if err := w.conn.WriteMessage(websocket.TextMessage, buf); err != nil {
				c.handleIOError(w, err)
				return
			}
		case <-w.done:
			return
		}
	}
}

// send serializes msg onto the channel and, when expectReply is set, blocks
// until the correlated response, the deadline or channel closure. The
// deadline defaults to the configured command timeout; a context deadline
// overrides it.
func (c *Connection) send(
	ctx context.Context, msg *cdproto.Message, sid target.SessionID,
	res easyjson.Unmarshaler, expectReply bool,
) error {
	w, err := c.liveWire(ctx)
	if err != nil {
		return err
	}

	timeout := c.timeouts.timeout()
	if dl, ok := ctx.Deadline(); ok {
		timeout = time.Until(dl)
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var call pendingCall
	if expectReply {
		call = pendingCall{sessionID: sid, ch: make(chan *cdproto.Message, 1)}
		c.callsMu.Lock()
		c.calls[msg.ID] = call
		c.callsMu.Unlock()
	}

	select {
	case w.sendCh <- msg:
	case <-timer.C:
		c.forgetCall(msg.ID)
		return fmt.Errorf("%s: %w", msg.Method, ErrTimedOut)
	case <-w.done:
		c.forgetCall(msg.ID)
		return fmt.Errorf("%s: %w", msg.Method, ErrClosed)
	case <-ctx.Done():
		c.forgetCall(msg.ID)
		return c.ctxErr(ctx, msg)
	}

	if !expectReply {
		return nil
	}

	select {
	case m := <-call.ch:
		return completeCall(msg, m, res)
	case <-timer.C:
		c.forgetCall(msg.ID)
		return fmt.Errorf("%s: %w", msg.Method, ErrTimedOut)
	case <-w.done:
		// The rejection may have raced the close; prefer it if present.
		select {
		case m := <-call.ch:
			return completeCall(msg, m, res)
		default:
		}
		c.forgetCall(msg.ID)
		return fmt.Errorf("%s: %w", msg.Method, ErrClosed)
	case <-ctx.Done():
		c.forgetCall(msg.ID)
		return c.ctxErr(ctx, msg)
	}
}

func completeCall(req, resp *cdproto.Message, res easyjson.Unmarshaler) error {
	switch {
	case resp == nil:
		return fmt.Errorf("%s: %w", req.Method, ErrClosed)
	case resp.Error != nil:
		return &ProtocolError{
			Method:  string(req.Method),
			Code:    resp.Error.Code,
			Message: resp.Error.Message,
		}
	case res != nil:
		return easyjson.Unmarshal(resp.Result, res)
	}
	return nil
}

func (c *Connection) ctxErr(ctx context.Context, msg *cdproto.Message) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", msg.Method, ErrTimedOut)
	}
	return ctx.Err()
}

func (c *Connection) forgetCall(id int64) {
	c.callsMu.Lock()
	delete(c.calls, id)
	c.callsMu.Unlock()
}

// rejectCalls rejects every pending call matching the filter with ErrClosed.
func (c *Connection) rejectCalls(match func(pendingCall) bool) {
	c.callsMu.Lock()
	defer c.callsMu.Unlock()
	for id, call := range c.calls {
		if !match(call) {
			continue
		}
		delete(c.calls, id)
		call.ch <- nil
	}
}

func (c *Connection) getSession(id target.SessionID) *Session {
	c.sessionsMu.RLock()
	defer c.sessionsMu.RUnlock()
	return c.sessions[id]
}

// closeSession closes the session and rejects its outstanding calls, leaving
// the rest of the table untouched.
func (c *Connection) closeSession(sid target.SessionID) {
	c.sessionsMu.Lock()
	s, ok := c.sessions[sid]
	delete(c.sessions, sid)
	c.sessionsMu.Unlock()

	c.rejectCalls(func(call pendingCall) bool { return call.sessionID == sid })
	if ok {
		s.close()
	}
}

// createSession attaches to the target and returns the session created for
// it. The attached event arrives before the command response, so the session
// is registered by the time the response resolves.
func (c *Connection) createSession(info *target.Info) (*Session, error) {
	action := target.AttachToTarget(info.TargetID).WithFlatten(true)
	sid, err := action.Do(cdp.WithExecutor(c.ctx, c))
	if err != nil {
		return nil, fmt.Errorf("attaching to target %s: %w", info.TargetID, err)
	}
	s := c.getSession(sid)
	if s == nil {
		return nil, fmt.Errorf("attaching to target %s: session %s not found", info.TargetID, sid)
	}
	return s, nil
}

// Execute implements cdp.Executor: it performs a synchronous send and
// receive on the root session.
func (c *Connection) Execute(ctx context.Context, method string, params easyjson.Marshaler, res easyjson.Unmarshaler) error {
	msg, err := c.newMessage(method, params, "")
	if err != nil {
		return err
	}
	return c.send(ctx, msg, "", res, true)
}

// ExecuteWithoutExpectationOnReply serializes the command and returns as
// soon as it is queued; any eventual response is dropped as unmatched.
func (c *Connection) ExecuteWithoutExpectationOnReply(ctx context.Context, method string, params easyjson.Marshaler, res easyjson.Unmarshaler) error {
	msg, err := c.newMessage(method, params, "")
	if err != nil {
		return err
	}
	return c.send(ctx, msg, "", res, false)
}

func (c *Connection) newMessage(method string, params easyjson.Marshaler, sid target.SessionID) (*cdproto.Message, error) {
	var buf []byte
	if params != nil {
		var err error
		if buf, err = easyjson.Marshal(params); err != nil {
			return nil, fmt.Errorf("encoding %s params: %w", method, err)
		}
	}
	return &cdproto.Message{
		ID:        c.nextID(),
		SessionID: sid,
		Method:    cdproto.MethodType(method),
		Params:    buf,
	}, nil
}
