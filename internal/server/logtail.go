package server

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"unicode/utf8"
)

const (
	defaultLogChunkBytes = 64 * 1024
	maxLogChunkBytes     = 1024 * 1024
)

// LogChunk is one slice of a run's log file. NextOffset is where the
// next read should start; Size is the file's current length.
type LogChunk struct {
	Content    string `json:"content"`
	NextOffset int64  `json:"next_offset"`
	Size       int64  `json:"size"`
	Finished   bool   `json:"finished"`
}

// readLogChunk reads up to maxBytes from the log at the byte offset.
// Invalid UTF-8 sequences become replacement characters so a chunk cut
// mid-rune still renders. An offset past the end returns an empty chunk
// rather than an error, since pollers routinely race the writer.
func readLogChunk(path string, offset, maxBytes int64) (*LogChunk, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &LogChunk{NextOffset: offset}, nil
		}
		return nil, fmt.Errorf("failed to open log: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat log: %w", err)
	}
	size := info.Size()
	if offset >= size {
		return &LogChunk{NextOffset: offset, Size: size}, nil
	}

	buf := make([]byte, maxBytes)
	n, err := f.ReadAt(buf, offset)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to read log: %w", err)
	}
	return &LogChunk{
		Content:    decodeLossy(buf[:n]),
		NextOffset: offset + int64(n),
		Size:       size,
	}, nil
}

// decodeLossy converts bytes to a string with invalid sequences replaced
// by U+FFFD, one replacement per broken byte.
func decodeLossy(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	var sb strings.Builder
	sb.Grow(len(b))
	for len(b) > 0 {
		r, size := utf8.DecodeRune(b)
		if r == utf8.RuneError && size == 1 {
			sb.WriteRune(utf8.RuneError)
		} else {
			sb.Write(b[:size])
		}
		b = b[size:]
	}
	return sb.String()
}
