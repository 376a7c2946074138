package persistence

import (
	"encoding/binary"
	"errors"
	"hash/crc32"
	"io"
)

// Constants for the binary frame format shared by checkpoints and the journal.
const (
	// MagicByte marks the start of a frame.
	MagicByte = 0xA5

	// HeaderSize is 1 byte (Magic) + 1 byte (OpCode) + 4 bytes (Length) + 4 bytes (CRC32).
	HeaderSize = 10

	// OpCodeCheckpoint tags a gob-encoded training checkpoint.
	OpCodeCheckpoint = 0x10
	// OpCodePrune tags a JSON-encoded pruning event.
	OpCodePrune = 0x20
)

var (
	// ErrInvalidMagic indicates the stream lost synchronization or is not ours.
	ErrInvalidMagic = errors.New("persistence: invalid magic byte")
	// ErrChecksumMismatch indicates corruption within a frame payload.
	ErrChecksumMismatch = errors.New("persistence: crc32 checksum mismatch")
	// ErrIncompleteFrame indicates the stream ended inside a frame.
	ErrIncompleteFrame = errors.New("persistence: incomplete frame")
	// ErrUnexpectedOpCode indicates a frame of the wrong kind.
	ErrUnexpectedOpCode = errors.New("persistence: unexpected op code")
)

// FrameWriter writes binary frames to an io.Writer.
type FrameWriter struct {
	w io.Writer
}

// NewFrameWriter wraps w. Wrapping a bufio.Writer turns each frame into a single
// write at flush time.
func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{w: w}
}

// WriteFrame writes [Magic(1)][OpCode(1)][Length(4)][CRC(4)][Payload(N)].
func (fw *FrameWriter) WriteFrame(op byte, payload []byte) error {
	header := make([]byte, HeaderSize)
	header[0] = MagicByte
	header[1] = op
	binary.LittleEndian.PutUint32(header[2:6], uint32(len(payload)))
	binary.LittleEndian.PutUint32(header[6:10], crc32.ChecksumIEEE(payload))

	if _, err := fw.w.Write(header); err != nil {
		return err
	}
	_, err := fw.w.Write(payload)
	return err
}

// ReadFrame reads and validates the next frame. It returns io.EOF only when the
// stream ends exactly on a frame boundary.
func ReadFrame(r io.Reader) (op byte, payload []byte, err error) {
	header := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		if err == io.EOF {
			return 0, nil, io.EOF
		}
		return 0, nil, ErrIncompleteFrame
	}
	if header[0] != MagicByte {
		return 0, nil, ErrInvalidMagic
	}

	length := binary.LittleEndian.Uint32(header[2:6])
	expectedCRC := binary.LittleEndian.Uint32(header[6:10])

	payload = make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, ErrIncompleteFrame
	}
	if crc32.ChecksumIEEE(payload) != expectedCRC {
		return 0, nil, ErrChecksumMismatch
	}
	return header[1], payload, nil
}
