package server

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/codex-team/ctproto/internal/common/clock"
	"github.com/codex-team/ctproto/internal/common/logger"
	"github.com/codex-team/ctproto/internal/observability/metrics"
	"github.com/codex-team/ctproto/pkg/message"
)

// ChunkAck is the payload of the per-chunk response sent back to the
// uploader, keyed by the chunk sidecar's message id.
type ChunkAck struct {
	ChunkNumber uint32 `json:"chunkNumber"`
	Type        string `json:"type"`
	FileID      string `json:"fileId"`
}

// uploadSlot tracks one in-progress upload. A slot exists iff at least
// one chunk has arrived and the file is neither complete nor timed out.
type uploadSlot struct {
	fileID      string
	chunks      map[uint32][]byte
	msgType     string
	payload     json.RawMessage
	totalChunks int
	lastChunkAt time.Time
	idleTimer   *time.Timer
}

// Reassembler collects binary chunks into whole files. Idle slots are
// dropped after the configured timeout; the timer callback holds only the
// file id and re-looks-up the slot, so a slot deleted between timer fire
// and lock acquisition is simply gone.
type Reassembler struct {
	mu          sync.Mutex
	slots       map[string]*uploadSlot
	idleTimeout time.Duration
	clock       clock.Clock
	log         *logger.Logger
}

func NewReassembler(idleTimeout time.Duration, clk clock.Clock, log *logger.Logger) *Reassembler {
	return &Reassembler{
		slots:       make(map[string]*uploadSlot),
		idleTimeout: idleTimeout,
		clock:       clk,
		log:         log,
	}
}

// Accept stores one chunk. It always returns the ack to send back to the
// uploader; when the chunk completes its file, the assembled upload is
// returned as well and the slot is gone.
func (r *Reassembler) Accept(chunk *message.Chunk) (ChunkAck, *UploadRequest) {
	r.mu.Lock()
	defer r.mu.Unlock()

	slot, ok := r.slots[chunk.FileID]
	if !ok {
		slot = &uploadSlot{
			fileID: chunk.FileID,
			chunks: make(map[uint32][]byte),
		}
		r.slots[chunk.FileID] = slot
	}

	if chunk.ChunkNumber == 0 {
		// Chunk 0 carries the upload's description. It may arrive after
		// later chunks; known values are never downgraded.
		if slot.msgType == "" {
			slot.msgType = chunk.Sidecar.Type
		}
		if slot.payload == nil {
			slot.payload = chunk.Sidecar.Payload
		}
		if slot.totalChunks == 0 {
			slot.totalChunks = chunk.Sidecar.Chunks
		}
	}

	data := make([]byte, len(chunk.Data))
	copy(data, chunk.Data)
	slot.chunks[chunk.ChunkNumber] = data
	slot.lastChunkAt = r.clock.Now()
	r.resetIdleTimer(slot)
	metrics.UploadChunksTotal.Inc()

	ack := ChunkAck{
		ChunkNumber: chunk.ChunkNumber,
		Type:        slot.msgType,
		FileID:      slot.fileID,
	}

	if !r.slotComplete(slot) {
		return ack, nil
	}

	req := &UploadRequest{
		FileID:  slot.fileID,
		Type:    slot.msgType,
		Payload: slot.payload,
		File:    assemble(slot),
	}
	r.dropSlotLocked(slot)
	metrics.UploadsCompleted.Inc()

	return ack, req
}

func (r *Reassembler) slotComplete(slot *uploadSlot) bool {
	if slot.totalChunks <= 0 {
		return false
	}
	for k := uint32(0); k < uint32(slot.totalChunks); k++ {
		if _, ok := slot.chunks[k]; !ok {
			return false
		}
	}
	return true
}

// assemble lays chunks out at offset chunkNumber × len(chunk 0). Every
// chunk except the last has the same size, so the chunk-0 length is the
// stride for the whole file.
func assemble(slot *uploadSlot) []byte {
	stride := len(slot.chunks[0])

	total := 0
	for k := uint32(0); k < uint32(slot.totalChunks); k++ {
		total += len(slot.chunks[k])
	}

	file := make([]byte, total)
	for k := uint32(0); k < uint32(slot.totalChunks); k++ {
		copy(file[int(k)*stride:], slot.chunks[k])
	}
	return file
}

func (r *Reassembler) resetIdleTimer(slot *uploadSlot) {
	if slot.idleTimer != nil {
		slot.idleTimer.Stop()
	}
	fileID := slot.fileID
	slot.idleTimer = time.AfterFunc(r.idleTimeout, func() {
		r.expire(fileID)
	})
}

// expire drops a slot whose idle timeout elapsed. A chunk that arrived
// after the timer fired but before the lock was taken re-dates the slot,
// in which case the timer re-arms for the remainder.
func (r *Reassembler) expire(fileID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	slot, ok := r.slots[fileID]
	if !ok {
		return
	}

	idle := r.clock.Since(slot.lastChunkAt)
	if idle < r.idleTimeout {
		slot.idleTimer = time.AfterFunc(r.idleTimeout-idle, func() {
			r.expire(fileID)
		})
		return
	}

	r.dropSlotLocked(slot)
	metrics.UploadsDropped.WithLabelValues("idle_timeout").Inc()
	r.log.WithFields(nil, logger.Fields{
		"file_id": fileID,
		"action":  "upload_idle_timeout",
	}).Warn("upload slot dropped after idle timeout")
}

func (r *Reassembler) dropSlotLocked(slot *uploadSlot) {
	if slot.idleTimer != nil {
		slot.idleTimer.Stop()
	}
	delete(r.slots, slot.fileID)
}

// DropAll discards every in-progress upload; called on connection close.
func (r *Reassembler) DropAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, slot := range r.slots {
		if slot.idleTimer != nil {
			slot.idleTimer.Stop()
		}
		metrics.UploadsDropped.WithLabelValues("connection_closed").Inc()
	}
	r.slots = make(map[string]*uploadSlot)
}

// SlotCount reports in-progress uploads; used by tests.
func (r *Reassembler) SlotCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.slots)
}
