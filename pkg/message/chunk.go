package message

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/codex-team/ctproto/internal/common/idgen"
)

// Binary chunk frame layout. The 18-byte prefix is the compatibility
// surface: 10 bytes of ASCII file id, then two little-endian uint32s.
const (
	FileIDSize      = idgen.Length
	ChunkHeaderSize = FileIDSize + 4 + 4
)

// Sidecar is the trailing JSON of a chunk frame. Chunk 0 carries the
// upload's type, payload and declared chunk count; later chunks carry
// only the per-chunk message id.
type Sidecar struct {
	Type      string          `json:"type,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Chunks    int             `json:"chunks,omitempty"`
	MessageID string          `json:"messageId"`
}

// Chunk is one decoded binary frame.
type Chunk struct {
	FileID      string
	ChunkNumber uint32
	Data        []byte
	Sidecar     Sidecar
}

// PackChunk lays out one binary frame: header, raw chunk bytes, sidecar.
func PackChunk(fileID string, chunkNumber uint32, data []byte, sidecar Sidecar) ([]byte, error) {
	if !idgen.Valid(fileID) {
		return nil, fmt.Errorf("pack chunk: %s", MsgInvalidFileID)
	}

	trailer, err := json.Marshal(sidecar)
	if err != nil {
		return nil, fmt.Errorf("pack chunk: marshal sidecar: %w", err)
	}

	frame := make([]byte, ChunkHeaderSize+len(data)+len(trailer))
	copy(frame[:FileIDSize], fileID)
	binary.LittleEndian.PutUint32(frame[FileIDSize:], chunkNumber)
	binary.LittleEndian.PutUint32(frame[FileIDSize+4:], uint32(len(data)))
	copy(frame[ChunkHeaderSize:], data)
	copy(frame[ChunkHeaderSize+len(data):], trailer)

	return frame, nil
}

// ParseChunk decodes and validates one binary frame. Truncated frames and
// unparseable sidecars are ParseErrors; a malformed file or message id is
// a FormatError.
func ParseChunk(frame []byte) (*Chunk, error) {
	if len(frame) < ChunkHeaderSize {
		return nil, &ParseError{Reason: MsgUnsupportedData}
	}

	fileID := string(frame[:FileIDSize])
	if !idgen.Valid(fileID) {
		return nil, &FormatError{Reason: MsgInvalidFileID}
	}

	chunkNumber := binary.LittleEndian.Uint32(frame[FileIDSize:])
	dataSize := binary.LittleEndian.Uint32(frame[FileIDSize+4:])

	if uint64(ChunkHeaderSize)+uint64(dataSize) > uint64(len(frame)) {
		return nil, &ParseError{Reason: MsgUnsupportedData}
	}

	data := frame[ChunkHeaderSize : ChunkHeaderSize+int(dataSize)]
	trailer := frame[ChunkHeaderSize+int(dataSize):]

	var sidecar Sidecar
	if err := json.Unmarshal(trailer, &sidecar); err != nil {
		return nil, &ParseError{Reason: MsgUnsupportedData}
	}
	if !idgen.Valid(sidecar.MessageID) {
		return nil, &FormatError{Reason: MsgInvalidMessageID}
	}

	return &Chunk{
		FileID:      fileID,
		ChunkNumber: chunkNumber,
		Data:        data,
		Sidecar:     sidecar,
	}, nil
}
