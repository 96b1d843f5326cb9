package raster

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"io/fs"
	"os"
)

// Snapshot holds the exact bytes of a file so it can be put back verbatim.
// A snapshot belongs to whoever took it; Release drops the copy.
type Snapshot struct {
	path string
	data []byte
	mode fs.FileMode
}

// TakeSnapshot reads path into memory.
func TakeSnapshot(path string) (*Snapshot, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return &Snapshot{path: path, data: data, mode: info.Mode().Perm()}, nil
}

// Path is the file the snapshot was taken from.
func (s *Snapshot) Path() string { return s.path }

// Size is the number of bytes held.
func (s *Snapshot) Size() int { return len(s.data) }

// Restore writes the captured bytes back to the original path.
func (s *Snapshot) Restore() error {
	if s == nil || s.data == nil {
		return errors.New("snapshot released")
	}
	return WriteFileAtomic(s.path, s.data, s.mode)
}

// Release frees the captured bytes. Restore fails afterwards.
func (s *Snapshot) Release() {
	if s != nil {
		s.data = nil
	}
}

// Sum is the SHA-256 of the captured bytes.
func (s *Snapshot) Sum() [sha256.Size]byte { return sha256.Sum256(s.data) }

// Clone returns a snapshot with its own copy of the bytes.
func (s *Snapshot) Clone() *Snapshot {
	return &Snapshot{path: s.path, data: bytes.Clone(s.data), mode: s.mode}
}

// FileSum is the SHA-256 of the file at path.
func FileSum(path string) ([sha256.Size]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return [sha256.Size]byte{}, err
	}
	return sha256.Sum256(data), nil
}
