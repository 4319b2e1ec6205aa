// Package archive implements the streaming container format that the
// backup engine frames files into before compression and encryption, and
// the reader that reverses it during restore.
package archive

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/klauspost/compress/zstd"
)

// FileHeader describes one framed file within the container stream.
type FileHeader struct {
	Path         string `json:"path"`
	Size         int64  `json:"size"`
	MtimeUnixNs  int64  `json:"mtime_unix_nano"`
	Mode         uint32 `json:"mode"`
}

func (h FileHeader) Mtime() time.Time { return time.Unix(0, h.MtimeUnixNs) }

// CompressionLevel selects the zstd preset bound to the spec's
// compression policy knob.
type CompressionLevel int

const (
	CompressionNone CompressionLevel = iota
	CompressionFast
	CompressionBalanced
	CompressionBest
)

func ParseCompressionLevel(s string) (CompressionLevel, error) {
	switch s {
	case "", "none":
		return CompressionNone, nil
	case "fast":
		return CompressionFast, nil
	case "balanced":
		return CompressionBalanced, nil
	case "best":
		return CompressionBest, nil
	default:
		return CompressionNone, fmt.Errorf("unknown compression level %q", s)
	}
}

func (c CompressionLevel) zstdLevel() zstd.EncoderLevel {
	switch c {
	case CompressionFast:
		return zstd.SpeedFastest
	case CompressionBalanced:
		return zstd.SpeedDefault
	case CompressionBest:
		return zstd.SpeedBestCompression
	default:
		return zstd.SpeedDefault
	}
}

// Writer frames files into a single plaintext container stream that a
// cryptor segment will later seal. One Writer corresponds to one archive
// segment's plaintext content.
type Writer struct {
	out        io.Writer
	compressed io.WriteCloser
	compress   bool
	plainPos   int64 // bytes framed so far, independent of compression
}

// NewWriter wraps out so files written through Put are optionally
// compressed before being handed to the cryptor layer.
func NewWriter(out io.Writer, level CompressionLevel) (*Writer, error) {
	if level == CompressionNone {
		return &Writer{out: out}, nil
	}
	enc, err := zstd.NewWriter(out, zstd.WithEncoderLevel(level.zstdLevel()))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	return &Writer{out: enc, compressed: enc, compress: true}, nil
}

// Put frames one file's header and streams its content from r. It
// returns the content's byte offset and length within this Writer's
// plaintext container stream (before compression), which the caller
// records as segment_offset/segment_length for the file's BackupFile
// row. Put never buffers r's content; it is copied straight through to
// the Writer's destination as it's read.
func (w *Writer) Put(h FileHeader, r io.Reader) (offset, n int64, err error) {
	headerJSON, err := json.Marshal(h)
	if err != nil {
		return 0, 0, fmt.Errorf("encoding file header: %w", err)
	}
	if err := writeFrameHeader(w.out, headerJSON); err != nil {
		return 0, 0, err
	}
	w.plainPos += int64(4 + len(headerJSON))
	offset = w.plainPos

	n, err = io.CopyN(w.out, r, h.Size)
	w.plainPos += n
	if err != nil && err != io.EOF {
		return offset, n, fmt.Errorf("writing file content: %w", err)
	}
	if n != h.Size {
		return offset, n, fmt.Errorf("short write for %s: wrote %d of %d bytes", h.Path, n, h.Size)
	}
	return offset, n, nil
}

// Close writes the end-of-stream marker (a zero-length header) and
// flushes any compressor state. It does not close the underlying writer.
func (w *Writer) Close() error {
	if err := writeFrameHeader(w.out, nil); err != nil {
		return err
	}
	if w.compress {
		return w.compressed.Close()
	}
	return nil
}

func writeFrameHeader(w io.Writer, headerJSON []byte) error {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(headerJSON)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("writing frame length: %w", err)
	}
	if len(headerJSON) == 0 {
		return nil
	}
	if _, err := w.Write(headerJSON); err != nil {
		return fmt.Errorf("writing frame header: %w", err)
	}
	return nil
}

// Reader unframes a decrypted, decompressed container stream back into
// individual files.
type Reader struct {
	in         io.Reader
	compressed *zstd.Decoder
}

// NewReader wraps in, which must be the decrypted plaintext of one
// archive segment, transparently decompressing if compress is true.
func NewReader(in io.Reader, compress bool) (*Reader, error) {
	if !compress {
		return &Reader{in: in}, nil
	}
	dec, err := zstd.NewReader(in)
	if err != nil {
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}
	return &Reader{in: dec, compressed: dec}, nil
}

// Close releases decompressor resources. Safe to call even when the
// Reader was constructed without compression.
func (r *Reader) Close() {
	if r.compressed != nil {
		r.compressed.Close()
	}
}

// Next returns the next file's header and a reader bounded to exactly
// that file's content. The caller MUST fully read (or discard) the
// returned io.Reader before calling Next again. io.EOF is returned once
// the end-of-stream marker is reached.
func (r *Reader) Next() (FileHeader, io.Reader, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r.in, lenBuf[:]); err != nil {
		return FileHeader{}, nil, fmt.Errorf("reading frame length: %w", err)
	}
	headerLen := binary.LittleEndian.Uint32(lenBuf[:])
	if headerLen == 0 {
		return FileHeader{}, nil, io.EOF
	}
	headerJSON := make([]byte, headerLen)
	if _, err := io.ReadFull(r.in, headerJSON); err != nil {
		return FileHeader{}, nil, fmt.Errorf("reading frame header: %w", err)
	}
	var h FileHeader
	if err := json.Unmarshal(headerJSON, &h); err != nil {
		return FileHeader{}, nil, fmt.Errorf("decoding file header: %w", err)
	}
	return h, io.LimitReader(r.in, h.Size), nil
}
