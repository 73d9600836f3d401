package client

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	gorillaWS "github.com/gorilla/websocket"

	"github.com/codex-team/ctproto/internal/common/constants"
	"github.com/codex-team/ctproto/internal/common/idgen"
	"github.com/codex-team/ctproto/internal/common/logger"
	"github.com/codex-team/ctproto/pkg/message"
)

type connStatus int

const (
	statusDisconnected connStatus = iota
	statusConnecting
	statusOpen
	statusTerminated
)

type queuedText struct {
	frame []byte
}

type queuedChunk struct {
	fileID      string
	chunkNumber uint32
	frame       []byte
}

// Client is the protocol client: a request/response engine over one
// websocket with a send queue for offline periods, a bounded reconnect
// loop and a chunked upload driver (see upload.go).
type Client struct {
	opts    Options
	log     *logger.Logger
	factory *message.Factory

	mu             sync.Mutex
	conn           *gorillaWS.Conn
	status         connStatus
	pending        map[string]chan json.RawMessage
	textQueue      []queuedText
	chunkQueue     []queuedChunk
	attempts       int
	reconnectTimer *time.Timer
	closedByUser   bool
	everConnected  bool

	// terminated is closed when the reconnect budget is exhausted; done
	// is closed by Close. Both wake every waiting call.
	terminated chan struct{}
	done       chan struct{}

	terminateOnce sync.Once
	closeOnce     sync.Once

	writeMu sync.Mutex
}

func New(opts Options) (*Client, error) {
	opts.applyDefaults()
	if err := opts.validateOptions(); err != nil {
		return nil, err
	}

	return &Client{
		opts:       opts,
		log:        opts.Logger,
		factory:    message.NewFactory(idgen.NewRandomGenerator()),
		pending:    make(map[string]chan json.RawMessage),
		terminated: make(chan struct{}),
		done:       make(chan struct{}),
	}, nil
}

// Connect dials the server and starts the engine. On success an
// authorize message with AuthRequestPayload is issued before anything
// queued is flushed; its response payload is handed to OnAuth.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closedByUser {
		c.mu.Unlock()
		return ErrClosed
	}
	c.status = statusConnecting
	c.mu.Unlock()

	conn, _, err := gorillaWS.DefaultDialer.DialContext(ctx, c.opts.APIURL, nil)
	if err != nil {
		c.mu.Lock()
		c.status = statusDisconnected
		c.mu.Unlock()
		return err
	}

	c.adopt(conn)
	return nil
}

// adopt installs a freshly dialed connection: the read loop starts, the
// authorize message goes out first, then both offline queues drain.
func (c *Client) adopt(conn *gorillaWS.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.status = statusOpen
	c.attempts = 0
	c.everConnected = true
	c.mu.Unlock()

	c.log.Info("connection open")

	go c.readLoop(conn)
	c.primeAuthorize(conn)
	c.flushQueues(conn)
}

func (c *Client) primeAuthorize(conn *gorillaWS.Conn) {
	env, err := c.factory.New(message.TypeAuthorize, c.opts.AuthRequestPayload)
	if err != nil {
		c.log.Errorf("failed to build authorize message: %v", err)
		return
	}
	frame, err := message.Marshal(env)
	if err != nil {
		c.log.Errorf("failed to marshal authorize message: %v", err)
		return
	}

	ch := c.register(env.MessageID)
	if err := c.writeFrame(conn, gorillaWS.TextMessage, frame); err != nil {
		c.unregister(env.MessageID)
		c.log.Warnf("failed to send authorize message: %v", err)
		return
	}

	go func() {
		select {
		case payload := <-ch:
			if c.opts.OnAuth != nil {
				c.opts.OnAuth(payload)
			}
		case <-c.done:
		case <-c.terminated:
		}
	}()
}

// Send issues a NewMessage and waits for the matching response payload.
// While the connection is down the message is queued in order and goes
// out after the next successful reconnect; the call keeps waiting for
// its response until ctx expires, the client is closed, or the reconnect
// budget runs out.
func (c *Client) Send(ctx context.Context, msgType string, payload any) (json.RawMessage, error) {
	env, err := c.factory.New(msgType, payload)
	if err != nil {
		return nil, err
	}
	frame, err := message.Marshal(env)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	switch {
	case c.closedByUser:
		c.mu.Unlock()
		return nil, ErrClosed
	case c.status == statusTerminated:
		c.mu.Unlock()
		return nil, ErrReconnectExhausted
	}

	ch := make(chan json.RawMessage, 1)
	c.pending[env.MessageID] = ch

	if c.status == statusOpen && c.conn != nil {
		conn := c.conn
		c.mu.Unlock()
		if err := c.writeFrame(conn, gorillaWS.TextMessage, frame); err != nil {
			c.mu.Lock()
			c.textQueue = append(c.textQueue, queuedText{frame: frame})
			c.mu.Unlock()
		}
	} else {
		c.textQueue = append(c.textQueue, queuedText{frame: frame})
		needReconnect := c.status == statusDisconnected
		c.mu.Unlock()
		if needReconnect {
			c.triggerReconnect()
		}
	}

	select {
	case raw := <-ch:
		return raw, nil
	case <-ctx.Done():
		c.unregister(env.MessageID)
		return nil, ctx.Err()
	case <-c.done:
		c.unregister(env.MessageID)
		return nil, ErrClosed
	case <-c.terminated:
		c.unregister(env.MessageID)
		return nil, ErrReconnectExhausted
	}
}

// Close shuts the client down: the connection closes with 1000 Normal,
// the reconnect loop stops and every waiting call returns ErrClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closedByUser = true
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	conn := c.conn
	c.conn = nil
	c.status = statusDisconnected
	c.mu.Unlock()

	if conn != nil {
		deadline := time.Now().Add(constants.WriteWait)
		closeMsg := gorillaWS.FormatCloseMessage(gorillaWS.CloseNormalClosure, "")
		conn.WriteControl(gorillaWS.CloseMessage, closeMsg, deadline)
		conn.Close()
	}

	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

func (c *Client) readLoop(conn *gorillaWS.Conn) {
	for {
		frameType, data, err := conn.ReadMessage()
		if err != nil {
			c.handleDisconnect(conn, err)
			return
		}
		if frameType != gorillaWS.TextMessage {
			continue
		}

		var env message.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.log.Warnf("dropping unparseable inbound frame: %v", err)
			continue
		}
		c.dispatch(&env)
	}
}

// dispatch resolves a pending request and, independently, hands typed
// envelopes to OnMessage. One envelope may do both.
func (c *Client) dispatch(env *message.Envelope) {
	c.mu.Lock()
	ch, ok := c.pending[env.MessageID]
	if ok {
		delete(c.pending, env.MessageID)
	}
	c.mu.Unlock()

	if ok {
		ch <- env.Payload
	}

	if env.Type != "" && c.opts.OnMessage != nil {
		c.opts.OnMessage(env)
	}
}

func (c *Client) handleDisconnect(conn *gorillaWS.Conn, err error) {
	c.mu.Lock()
	if c.conn != conn {
		// A stale read loop from a connection already replaced.
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.status = statusDisconnected

	if c.closedByUser || gorillaWS.IsCloseError(err, gorillaWS.CloseNormalClosure) {
		c.mu.Unlock()
		return
	}

	c.log.Warnf("connection lost: %v", err)
	c.scheduleReconnectLocked()
	c.mu.Unlock()

	conn.Close()
}

func (c *Client) triggerReconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closedByUser || !c.everConnected || c.status != statusDisconnected {
		return
	}
	c.scheduleReconnectLocked()
}

// scheduleReconnectLocked arms a single retry timer, or terminates the
// client when the attempt budget is spent. Callers hold c.mu.
func (c *Client) scheduleReconnectLocked() {
	if c.reconnectTimer != nil {
		return
	}
	if c.attempts >= c.opts.MaxReconnectAttempts {
		c.terminateLocked()
		return
	}
	c.attempts++
	attempt := c.attempts
	c.log.Infof("reconnecting in %s (attempt %d/%d)", c.opts.ReconnectInterval, attempt, c.opts.MaxReconnectAttempts)
	c.reconnectTimer = time.AfterFunc(c.opts.ReconnectInterval, c.reconnect)
}

func (c *Client) reconnect() {
	c.mu.Lock()
	c.reconnectTimer = nil
	if c.closedByUser || c.status != statusDisconnected {
		c.mu.Unlock()
		return
	}
	c.status = statusConnecting
	c.mu.Unlock()

	conn, _, err := gorillaWS.DefaultDialer.Dial(c.opts.APIURL, nil)
	if err != nil {
		c.log.Warnf("reconnect failed: %v", err)
		c.mu.Lock()
		c.status = statusDisconnected
		c.scheduleReconnectLocked()
		c.mu.Unlock()
		return
	}

	c.adopt(conn)
}

// terminateLocked rejects everything still queued and marks the client
// dead. Callers hold c.mu.
func (c *Client) terminateLocked() {
	c.status = statusTerminated
	c.textQueue = nil
	c.chunkQueue = nil
	c.log.Error("reconnect attempts exhausted, client terminated")
	c.terminateOnce.Do(func() { close(c.terminated) })
}

// flushQueues drains messages queued while offline: text first, then
// upload chunks, each in arrival order.
func (c *Client) flushQueues(conn *gorillaWS.Conn) {
	c.mu.Lock()
	texts := c.textQueue
	chunks := c.chunkQueue
	c.textQueue = nil
	c.chunkQueue = nil
	c.mu.Unlock()

	for i, qt := range texts {
		if err := c.writeFrame(conn, gorillaWS.TextMessage, qt.frame); err != nil {
			c.requeue(texts[i:], chunks)
			return
		}
	}
	for i, qc := range chunks {
		if err := c.writeFrame(conn, gorillaWS.BinaryMessage, qc.frame); err != nil {
			c.requeue(nil, chunks[i:])
			return
		}
	}
}

func (c *Client) requeue(texts []queuedText, chunks []queuedChunk) {
	c.mu.Lock()
	c.textQueue = append(append(make([]queuedText, 0, len(texts)+len(c.textQueue)), texts...), c.textQueue...)
	c.chunkQueue = append(append(make([]queuedChunk, 0, len(chunks)+len(c.chunkQueue)), chunks...), c.chunkQueue...)
	c.mu.Unlock()
}

func (c *Client) writeFrame(conn *gorillaWS.Conn, frameType int, frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(constants.WriteWait))
	return conn.WriteMessage(frameType, frame)
}

func (c *Client) register(messageID string) chan json.RawMessage {
	ch := make(chan json.RawMessage, 1)
	c.mu.Lock()
	c.pending[messageID] = ch
	c.mu.Unlock()
	return ch
}

func (c *Client) unregister(messageID string) {
	c.mu.Lock()
	delete(c.pending, messageID)
	c.mu.Unlock()
}
