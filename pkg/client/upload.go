package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	gorillaWS "github.com/gorilla/websocket"

	"github.com/codex-team/ctproto/pkg/message"
)

// chunkAck mirrors the server's per-chunk response payload.
type chunkAck struct {
	ChunkNumber uint32 `json:"chunkNumber"`
	FileID      string `json:"fileId"`
}

// SendFile uploads file in fixed-size chunks and waits for the server's
// final response (keyed by the upload's file id). Chunks go out
// stop-and-wait: the next chunk is not emitted until the previous one is
// acknowledged. An unacknowledged chunk is re-emitted identically every
// ChunkAckTimeout until the retry budget is spent, which fails the whole
// job.
func (c *Client) SendFile(ctx context.Context, msgType string, file []byte, payload any) (json.RawMessage, error) {
	if len(file) == 0 {
		return nil, ErrEmptyFile
	}

	var rawPayload json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal upload payload: %w", err)
		}
		rawPayload = data
	}

	fileID := c.factory.NewID()
	chunkSize := c.opts.ChunkSize
	totalChunks := (len(file) + chunkSize - 1) / chunkSize

	// The completion response arrives keyed by the file id rather than a
	// per-chunk message id; register it up front so it cannot be missed.
	completion := c.register(fileID)
	defer c.unregister(fileID)

	c.log.Infof("uploading file %s: %d bytes in %d chunks", fileID, len(file), totalChunks)

	for k := 0; k < totalChunks; k++ {
		start := k * chunkSize
		end := start + chunkSize
		if end > len(file) {
			end = len(file)
		}

		sidecar := message.Sidecar{MessageID: c.factory.NewID()}
		if k == 0 {
			sidecar.Type = msgType
			sidecar.Payload = rawPayload
			sidecar.Chunks = totalChunks
		}

		frame, err := message.PackChunk(fileID, uint32(k), file[start:end], sidecar)
		if err != nil {
			return nil, err
		}

		ackRaw, err := c.sendChunk(ctx, fileID, uint32(k), sidecar.MessageID, frame)
		if err != nil {
			return nil, err
		}

		var ack chunkAck
		if err := json.Unmarshal(ackRaw, &ack); err != nil {
			return nil, fmt.Errorf("chunk %d of file %s: %w", k, fileID, ErrAckMismatch)
		}
		if ack.FileID != fileID || ack.ChunkNumber != uint32(k) {
			return nil, fmt.Errorf("chunk %d of file %s: got ack for chunk %d of %s: %w",
				k, fileID, ack.ChunkNumber, ack.FileID, ErrAckMismatch)
		}
	}

	select {
	case raw := <-completion:
		return raw, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrClosed
	case <-c.terminated:
		return nil, ErrReconnectExhausted
	}
}

// sendChunk emits one chunk and waits for its acknowledgement, re-emitting
// the identical frame on every ack timeout until the retry budget runs out.
func (c *Client) sendChunk(ctx context.Context, fileID string, chunkNumber uint32, messageID string, frame []byte) (json.RawMessage, error) {
	ch := c.register(messageID)
	defer c.unregister(messageID)

	retries := 0
	for {
		c.emitChunk(fileID, chunkNumber, frame)

		timer := time.NewTimer(c.opts.ChunkAckTimeout)
		select {
		case raw := <-ch:
			timer.Stop()
			return raw, nil

		case <-timer.C:
			retries++
			if retries > c.opts.ChunkRetryLimit {
				c.log.Errorf("chunk %d of file %s unacknowledged after %d retries, dropping upload",
					chunkNumber, fileID, c.opts.ChunkRetryLimit)
				return nil, fmt.Errorf("chunk %d of file %s: %w", chunkNumber, fileID, ErrChunkAckTimeout)
			}
			c.log.Warnf("chunk %d of file %s unacknowledged, re-emitting (retry %d/%d)",
				chunkNumber, fileID, retries, c.opts.ChunkRetryLimit)

		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()

		case <-c.done:
			timer.Stop()
			return nil, ErrClosed

		case <-c.terminated:
			timer.Stop()
			return nil, ErrReconnectExhausted
		}
	}
}

// emitChunk writes the frame when the connection is open; otherwise the
// chunk joins the offline queue (once) and the reconnect path re-drives
// it.
func (c *Client) emitChunk(fileID string, chunkNumber uint32, frame []byte) {
	c.mu.Lock()
	if c.status == statusOpen && c.conn != nil {
		conn := c.conn
		c.mu.Unlock()
		if err := c.writeFrame(conn, gorillaWS.BinaryMessage, frame); err != nil {
			c.queueChunk(fileID, chunkNumber, frame)
		}
		return
	}

	c.queueChunkLocked(fileID, chunkNumber, frame)
	needReconnect := c.status == statusDisconnected
	c.mu.Unlock()
	if needReconnect {
		c.triggerReconnect()
	}
}

func (c *Client) queueChunk(fileID string, chunkNumber uint32, frame []byte) {
	c.mu.Lock()
	c.queueChunkLocked(fileID, chunkNumber, frame)
	c.mu.Unlock()
}

// queueChunkLocked appends a chunk to the offline queue unless the same
// chunk is already waiting (an ack-timer retry while still offline must
// not duplicate it). Callers hold c.mu.
func (c *Client) queueChunkLocked(fileID string, chunkNumber uint32, frame []byte) {
	for _, qc := range c.chunkQueue {
		if qc.fileID == fileID && qc.chunkNumber == chunkNumber {
			return
		}
	}
	c.chunkQueue = append(c.chunkQueue, queuedChunk{
		fileID:      fileID,
		chunkNumber: chunkNumber,
		frame:       frame,
	})
}
