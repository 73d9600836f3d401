package server

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	gorillaWS "github.com/gorilla/websocket"

	"github.com/codex-team/ctproto/internal/common/constants"
	"github.com/codex-team/ctproto/internal/common/logger"
	"github.com/codex-team/ctproto/internal/observability/metrics"
	"github.com/codex-team/ctproto/pkg/message"
)

// Close codes used by the protocol.
const (
	CloseNormal          = gorillaWS.CloseNormalClosure
	CloseUnsupportedData = gorillaWS.CloseUnsupportedData
	ClosePolicyViolation = gorillaWS.ClosePolicyViolation
	CloseTryAgainLater   = gorillaWS.CloseTryAgainLater
)

// Close reasons with fixed wording.
const (
	reasonAuthRequired = "Authorization required"
	reasonUnauthorized = "Unauthorized"
)

type connState int32

const (
	stateAuthWait connState = iota
	stateAuthorized
	stateClosed
)

// connection drives one websocket through the
// authWait → authorized → closed lifecycle. Inbound frames are handled
// strictly one at a time in the read loop, so an application handler
// always finishes before the next frame is dispatched; outbound envelopes
// go through a single FIFO writer, which keeps response order equal to
// production order.
type connection struct {
	id  string
	srv *Server
	ws  *gorillaWS.Conn
	ctx context.Context
	log *logger.Logger

	send chan []byte
	done chan struct{}

	state     atomic.Int32
	authTimer *time.Timer
	uploads   *Reassembler
	client    *Client

	closeOnce    sync.Once
	teardownOnce sync.Once
}

func newConnection(srv *Server, ws *gorillaWS.Conn) *connection {
	id := uuid.NewString()
	return &connection{
		id:      id,
		srv:     srv,
		ws:      ws,
		ctx:     logger.WithTraceID(context.Background(), id),
		log:     srv.log,
		send:    make(chan []byte, constants.SendBufferSize),
		done:    make(chan struct{}),
		uploads: NewReassembler(srv.opts.UploadIdleTimeout, srv.clock, srv.log),
	}
}

func (c *connection) run() {
	metrics.ConnectionsActive.Inc()
	c.log.WithFields(c.ctx, logger.Fields{
		"remote": c.ws.RemoteAddr().String(),
		"action": "connection_open",
	}).Info("connection opened, waiting for authorization")

	c.authTimer = time.AfterFunc(c.srv.opts.AuthTimeout, func() {
		if connState(c.state.Load()) == stateAuthWait {
			metrics.AuthFailures.WithLabelValues("timeout").Inc()
			c.close(CloseTryAgainLater, reasonAuthRequired)
		}
	})

	go c.writePump()
	c.readPump()
}

func (c *connection) readPump() {
	defer c.teardown()

	c.ws.SetReadLimit(constants.MaxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(constants.PongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(constants.PongWait))
		return nil
	})

	for {
		frameType, data, err := c.ws.ReadMessage()
		if err != nil {
			if gorillaWS.IsUnexpectedCloseError(err, gorillaWS.CloseNormalClosure, gorillaWS.CloseGoingAway) {
				c.log.WithFields(c.ctx, logger.Fields{
					"action": "connection_read_error",
				}).Warnf("connection read error: %v", err)
			}
			return
		}
		c.handleFrame(frameType, data)
		if connState(c.state.Load()) == stateClosed {
			return
		}
	}
}

func (c *connection) writePump() {
	ticker := time.NewTicker(constants.PingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case data := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(constants.WriteWait))
			if err := c.ws.WriteMessage(gorillaWS.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(constants.WriteWait))
			if err := c.ws.WriteMessage(gorillaWS.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			return
		}
	}
}

func (c *connection) handleFrame(frameType int, data []byte) {
	start := time.Now()

	switch connState(c.state.Load()) {
	case stateAuthWait:
		c.stopAuthTimer()
		c.handleAuthWait(frameType, data)
	case stateAuthorized:
		c.handleAuthorized(frameType, data)
	case stateClosed:
		return
	}

	metrics.MessageProcessingDurationSeconds.
		WithLabelValues(frameLabel(frameType)).
		Observe(time.Since(start).Seconds())
}

func frameLabel(frameType int) string {
	if frameType == gorillaWS.BinaryMessage {
		return "binary"
	}
	return "text"
}

// handleAuthWait gates the very first message: anything but a well-formed
// authorize either closes the connection or, for recoverable format
// violations, produces a single error response.
func (c *connection) handleAuthWait(frameType int, data []byte) {
	if frameType != gorillaWS.TextMessage {
		metrics.MessageErrors.WithLabelValues("parse").Inc()
		c.close(CloseUnsupportedData, message.MsgUnsupportedData)
		return
	}

	env, err := message.ValidateText(data)
	if err != nil {
		c.rejectInvalid(err)
		return
	}

	if env.Type != message.TypeAuthorize {
		metrics.AuthFailures.WithLabelValues("wrong_first_message").Inc()
		c.close(ClosePolicyViolation, reasonUnauthorized)
		return
	}

	authData, err := c.srv.opts.OnAuth(c.ctx, env.Payload)
	if err != nil {
		metrics.AuthFailures.WithLabelValues("rejected").Inc()
		c.close(ClosePolicyViolation, "Authorization failed: "+err.Error())
		return
	}

	c.client = &Client{conn: c, authData: authData}
	c.srv.registry.Add(c.client)
	c.state.Store(int32(stateAuthorized))
	c.respond(env.MessageID, authData)

	c.log.WithFields(c.ctx, logger.Fields{
		"action": "connection_authorized",
	}).Info("connection authorized")
}

func (c *connection) handleAuthorized(frameType int, data []byte) {
	if frameType == gorillaWS.BinaryMessage {
		c.handleChunk(data)
		return
	}

	env, err := message.ValidateText(data)
	if err != nil {
		c.rejectInvalid(err)
		return
	}

	// A duplicate authorize after authorization is not an error.
	if env.Type == message.TypeAuthorize {
		c.log.WithFields(c.ctx, logger.Fields{
			"action": "duplicate_authorize",
		}).Debug("duplicate authorize ignored")
		return
	}

	metrics.MessagesTotal.WithLabelValues(env.Type).Inc()

	if c.srv.opts.OnMessage == nil {
		return
	}

	result, err := c.srv.opts.OnMessage(c.ctx, env)
	if err != nil {
		c.log.WithFields(c.ctx, logger.Fields{
			"message_id": env.MessageID,
			"type":       env.Type,
			"action":     "message_handler_failed",
		}).Errorf("message handler failed: %v", err)
		return
	}
	if result != nil {
		c.respond(env.MessageID, result)
	}
}

func (c *connection) handleChunk(data []byte) {
	chunk, err := message.ParseChunk(data)
	if err != nil {
		c.rejectInvalid(err)
		return
	}

	ack, req := c.uploads.Accept(chunk)
	c.respond(chunk.Sidecar.MessageID, ack)

	if req == nil {
		return
	}

	c.log.WithFields(c.ctx, logger.Fields{
		"file_id": req.FileID,
		"type":    req.Type,
		"size":    len(req.File),
		"action":  "upload_complete",
	}).Info("upload reassembled")

	if c.srv.opts.OnUploadMessage == nil {
		return
	}

	result, err := c.srv.opts.OnUploadMessage(c.ctx, req)
	if err != nil {
		c.log.WithFields(c.ctx, logger.Fields{
			"file_id": req.FileID,
			"action":  "upload_handler_failed",
		}).Errorf("upload handler failed: %v", err)
		return
	}
	c.respond(req.FileID, result)
}

// rejectInvalid applies the error-kind discipline: parse failures close
// the connection, format failures produce one error response.
func (c *connection) rejectInvalid(err error) {
	var parseErr *message.ParseError
	if errors.As(err, &parseErr) {
		metrics.MessageErrors.WithLabelValues("parse").Inc()
		c.close(CloseUnsupportedData, parseErr.Reason)
		return
	}

	var formatErr *message.FormatError
	if errors.As(err, &formatErr) {
		metrics.MessageErrors.WithLabelValues("format").Inc()
		c.sendError(fmt.Sprintf("Message Format Error: %s", formatErr.Reason))
		return
	}

	metrics.MessageErrors.WithLabelValues("unknown").Inc()
	c.close(CloseUnsupportedData, message.MsgUnsupportedData)
}

func (c *connection) respond(messageID string, payload any) {
	env, err := c.srv.factory.Response(messageID, payload)
	if err != nil {
		c.log.WithFields(c.ctx, logger.Fields{
			"message_id": messageID,
			"action":     "response_marshal_failed",
		}).Errorf("failed to build response: %v", err)
		return
	}
	c.enqueue(env)
}

func (c *connection) sendError(text string) {
	env, err := c.srv.factory.Error(text)
	if err != nil {
		c.log.Errorf("failed to build error message: %v", err)
		return
	}
	c.enqueue(env)
}

func (c *connection) sendNew(msgType string, payload any) {
	env, err := c.srv.factory.New(msgType, payload)
	if err != nil {
		c.log.WithFields(c.ctx, logger.Fields{
			"type":   msgType,
			"action": "message_marshal_failed",
		}).Errorf("failed to build message: %v", err)
		return
	}
	c.enqueue(env)
}

func (c *connection) enqueue(env *message.Envelope) {
	data, err := message.Marshal(env)
	if err != nil {
		c.log.Errorf("failed to marshal envelope: %v", err)
		return
	}
	select {
	case c.send <- data:
	case <-c.done:
	}
}

func (c *connection) stopAuthTimer() {
	if c.authTimer != nil {
		c.authTimer.Stop()
	}
}

// close writes the close frame with the given code and reason, then tears
// the transport down. Safe to call more than once.
func (c *connection) close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.state.Store(int32(stateClosed))
		metrics.ConnectionsClosed.WithLabelValues(strconv.Itoa(code)).Inc()

		deadline := time.Now().Add(constants.WriteWait)
		closeMsg := gorillaWS.FormatCloseMessage(code, reason)
		if err := c.ws.WriteControl(gorillaWS.CloseMessage, closeMsg, deadline); err != nil {
			c.log.WithFields(c.ctx, logger.Fields{
				"code":   code,
				"action": "close_write_failed",
			}).Debugf("failed to write close frame: %v", err)
		}
		c.ws.Close()

		c.log.WithFields(c.ctx, logger.Fields{
			"code":   code,
			"reason": reason,
			"action": "connection_close",
		}).Info("connection closed")
	})
}

// teardown releases everything the connection owns. Runs exactly once,
// no matter whether the peer closed, the transport failed or close was
// called locally.
func (c *connection) teardown() {
	c.teardownOnce.Do(func() {
		c.state.Store(int32(stateClosed))
		c.stopAuthTimer()
		c.uploads.DropAll()
		close(c.done)

		if c.client != nil {
			c.srv.registry.remove([]*Client{c.client})
		}
		c.srv.untrack(c)

		metrics.ConnectionsActive.Dec()
		c.log.WithFields(c.ctx, logger.Fields{
			"action": "connection_teardown",
		}).Debug("connection torn down")
	})
}
