package journal

import (
	"bufio"
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

const (
	fileMagic   = "TIJRNL"
	fileVersion = byte(1)
	fileSuffix  = "-journal.bin"
)

type fileSnapshot struct {
	Feed    string
	Day     string
	Entries map[string]string
}

// FileStore keeps one snapshot file per key under a cache directory.
type FileStore struct {
	dir string
}

// NewFileStore creates dir if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Path returns the snapshot file for key.
func (s *FileStore) Path(key Key) string {
	return FilePath(s.dir, key)
}

// FilePath returns where a FileStore rooted at dir keeps the snapshot for key.
func FilePath(dir string, key Key) string {
	return filepath.Join(dir, key.Name()+fileSuffix)
}

func (s *FileStore) Load(_ context.Context, key Key) (map[string]string, error) {
	f, err := os.Open(s.Path(key))
	if errors.Is(err, os.ErrNotExist) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return readSnapshot(f)
}

func readSnapshot(r io.Reader) (map[string]string, error) {
	br := bufio.NewReader(r)
	header := make([]byte, len(fileMagic)+1)
	if _, err := io.ReadFull(br, header); err != nil {
		return nil, fmt.Errorf("%w: short header", ErrCorrupt)
	}
	if !bytes.Equal(header[:len(fileMagic)], []byte(fileMagic)) {
		return nil, fmt.Errorf("%w: bad magic", ErrCorrupt)
	}
	if v := header[len(fileMagic)]; v != fileVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCorrupt, v)
	}

	var snap fileSnapshot
	if err := gob.NewDecoder(br).Decode(&snap); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if snap.Entries == nil {
		snap.Entries = map[string]string{}
	}
	return snap.Entries, nil
}

// Save writes to a temporary file in the same directory and renames it over
// the previous snapshot.
func (s *FileStore) Save(_ context.Context, key Key, entries map[string]string) error {
	tmp, err := os.CreateTemp(s.dir, ".journal-*")
	if err != nil {
		return fmt.Errorf("create temp journal: %w", err)
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	if _, err := w.WriteString(fileMagic); err != nil {
		tmp.Close()
		return err
	}
	if err := w.WriteByte(fileVersion); err != nil {
		tmp.Close()
		return err
	}
	snap := fileSnapshot{Feed: key.Feed, Day: key.Day.Format("2006-01-02"), Entries: entries}
	if err := gob.NewEncoder(w).Encode(&snap); err != nil {
		tmp.Close()
		return fmt.Errorf("encode journal: %w", err)
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), s.Path(key))
}
