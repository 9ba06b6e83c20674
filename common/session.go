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
	"fmt"
	"sync"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"
	"github.com/mailru/easyjson"

	"github.com/ProfFahad/stealthwright/log"
)

// Ensure Session implements the EventEmitter and Executor interfaces.
var (
	_ EventEmitter = &Session{}
	_ cdp.Executor = &Session{}
)

// Session is one attached target's view of the shared channel. Message ids
// are drawn from the connection-wide allocator, so every command on the
// channel carries a unique id regardless of which session issued it.
type Session struct {
	BaseEventEmitter

	ctx      context.Context
	conn     *Connection
	id       target.SessionID
	targetID target.ID
	logger   *log.Logger

	closedMu sync.Mutex
	closed   bool
	done     chan struct{}
}

// NewSession creates a new session.
func NewSession(ctx context.Context, conn *Connection, id target.SessionID, tid target.ID, logger *log.Logger) *Session {
	return &Session{
		BaseEventEmitter: NewBaseEventEmitter(ctx),
		ctx:              ctx,
		conn:             conn,
		id:               id,
		targetID:         tid,
		logger:           logger,
		done:             make(chan struct{}),
	}
}

// ID returns the session identifier assigned by the browser.
func (s *Session) ID() target.SessionID { return s.id }

// TargetID returns the identifier of the target this session is attached to.
func (s *Session) TargetID() target.ID { return s.targetID }

// Done returns a channel closed when the session detaches or the channel
// underneath it dies.
func (s *Session) Done() <-chan struct{} { return s.done }

// Closed reports whether the session has been closed.
func (s *Session) Closed() bool {
	s.closedMu.Lock()
	defer s.closedMu.Unlock()
	return s.closed
}

func (s *Session) close() {
	s.closedMu.Lock()
	if s.closed {
		s.closedMu.Unlock()
		return
	}
	s.closed = true
	close(s.done)
	s.closedMu.Unlock()

	s.emit(EventSessionClosed, nil)
}

// dispatchEvent decodes and re-emits an event routed to this session.
func (s *Session) dispatchEvent(msg *cdproto.Message) {
	ev, err := cdproto.UnmarshalMessage(msg)
	if err != nil {
		s.logger.Errorf("cdp", "session %s: %s", s.id, err)
		return
	}
	s.emit(string(msg.Method), ev)
}

// Execute implements cdp.Executor for commands scoped to this session.
func (s *Session) Execute(ctx context.Context, method string, params easyjson.Marshaler, res easyjson.Unmarshaler) error {
	if s.Closed() {
		return fmt.Errorf("%s: session %s: %w", method, s.id, ErrClosed)
	}
	msg, err := s.conn.newMessage(method, params, s.id)
	if err != nil {
		return err
	}
	return s.conn.send(ctx, msg, s.id, res, true)
}

// ExecuteWithoutExpectationOnReply queues the command and returns without
// waiting for its response.
func (s *Session) ExecuteWithoutExpectationOnReply(ctx context.Context, method string, params easyjson.Marshaler, res easyjson.Unmarshaler) error {
	if s.Closed() {
		return fmt.Errorf("%s: session %s: %w", method, s.id, ErrClosed)
	}
	msg, err := s.conn.newMessage(method, params, s.id)
	if err != nil {
		return err
	}
	return s.conn.send(ctx, msg, s.id, res, false)
}
