package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"
)

// ErrNotFound is returned when a source locator does not exist yet.
var ErrNotFound = errors.New("source not found")

// Reader opens sources for reading. Implementations for other transports
// can be swapped in as long as they honor the Stream contract.
type Reader interface {
	Open(ctx context.Context, locator string) (Stream, error)
}

// Stream is an open, seekable view of one source.
type Stream interface {
	// Name is the base name of the underlying file, used to detect rotation.
	Name() string
	// Identity is a transport specific identity (inode for local files), 0 if unknown.
	Identity() uint64
	// Size is the current end-of-stream size in bytes.
	Size() (int64, error)
	// Seek positions the stream at an absolute byte offset.
	Seek(offset int64) error
	// ReadToEnd reads everything from the current position and returns the
	// bytes together with the offset reached.
	ReadToEnd() ([]byte, int64, error)
	Close() error
}

// FileReader reads sources from the local filesystem.
type FileReader struct {
	// MaxRead caps the bytes returned by a single ReadToEnd; 0 means no cap.
	// A capped read may end mid line, which the caller treats as a partial line.
	MaxRead int64
}

// NewFileReader creates a local filesystem reader
func NewFileReader(maxRead int64) *FileReader {
	return &FileReader{MaxRead: maxRead}
}

// Open opens a local file.
func (r *FileReader) Open(ctx context.Context, locator string) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	file, err := os.Open(locator)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, locator)
		}
		return nil, fmt.Errorf("failed to open source: %w", err)
	}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat source: %w", err)
	}

	return &fileStream{
		file:    file,
		name:    filepath.Base(locator),
		inode:   getInode(stat),
		maxRead: r.MaxRead,
	}, nil
}

type fileStream struct {
	file    *os.File
	name    string
	inode   uint64
	offset  int64
	maxRead int64
}

func (s *fileStream) Name() string     { return s.name }
func (s *fileStream) Identity() uint64 { return s.inode }

func (s *fileStream) Size() (int64, error) {
	stat, err := s.file.Stat()
	if err != nil {
		return 0, fmt.Errorf("failed to stat source: %w", err)
	}
	return stat.Size(), nil
}

func (s *fileStream) Seek(offset int64) error {
	pos, err := s.file.Seek(offset, io.SeekStart)
	if err != nil {
		return fmt.Errorf("failed to seek to offset: %w", err)
	}
	s.offset = pos
	return nil
}

func (s *fileStream) ReadToEnd() ([]byte, int64, error) {
	var src io.Reader = s.file
	if s.maxRead > 0 {
		src = io.LimitReader(s.file, s.maxRead)
	}

	data, err := io.ReadAll(src)
	s.offset += int64(len(data))
	if err != nil {
		return data, s.offset, fmt.Errorf("failed to read source: %w", err)
	}
	return data, s.offset, nil
}

func (s *fileStream) Close() error {
	return s.file.Close()
}

// getInode extracts inode from FileInfo
func getInode(fi os.FileInfo) uint64 {
	if stat, ok := fi.Sys().(*syscall.Stat_t); ok {
		return stat.Ino
	}
	return 0
}
