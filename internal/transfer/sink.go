package transfer

import (
	"fmt"
	"os"
	"path/filepath"
)

// stagedFile writes incoming bytes to a temp file in the destination
// directory and renames it into place only after the transfer verifies.
// A failed transfer never leaves a partial file at the final path.
type stagedFile struct {
	f     *os.File
	final string
	done  bool
}

// newStagedFile creates the temp file next to its final path so the rename
// stays on one filesystem.
func newStagedFile(finalPath string) (*stagedFile, error) {
	dir := filepath.Dir(finalPath)
	f, err := os.CreateTemp(dir, "."+filepath.Base(finalPath)+".part-*")
	if err != nil {
		return nil, fmt.Errorf("create staging file: %w", err)
	}
	return &stagedFile{f: f, final: finalPath}, nil
}

// Write appends to the staging file.
func (s *stagedFile) Write(p []byte) (int, error) {
	return s.f.Write(p)
}

// Commit closes the staging file and atomically renames it into place.
func (s *stagedFile) Commit() error {
	if err := s.f.Close(); err != nil {
		os.Remove(s.f.Name())
		return err
	}
	if err := os.Rename(s.f.Name(), s.final); err != nil {
		os.Remove(s.f.Name())
		return fmt.Errorf("finalize %s: %w", s.final, err)
	}
	s.done = true
	return nil
}

// Discard removes the staging file. Safe to call after Commit.
func (s *stagedFile) Discard() {
	if s.done {
		return
	}
	s.f.Close()
	os.Remove(s.f.Name())
}

// Name returns the staging file's path.
func (s *stagedFile) Name() string {
	return s.f.Name()
}
