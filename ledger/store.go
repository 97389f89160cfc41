package ledger

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
)

// Store is the durable backing of a Ledger. Load returns a nil document
// and no error when nothing has been stored yet.
type Store interface {
	Load(ctx context.Context) (*Document, error)
	Save(ctx context.Context, doc *Document) error
}

// FileStore keeps the document as a JSON file, replaced atomically on
// every save.
type FileStore struct {
	Path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{Path: path}
}

func (fs *FileStore) Load(_ context.Context) (*Document, error) {
	b, err := os.ReadFile(fs.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	return Decode(b)
}

func (fs *FileStore) Save(_ context.Context, doc *Document) error {
	b, err := Encode(doc)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(fs.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return ReplaceFile(fs.Path, b)
}

// ReplaceFile writes b next to path and renames it into place, so
// readers never observe a partial file.
func ReplaceFile(path string, b []byte) error {
	tmpPath := path + ".tmp"

	f, err := os.Create(tmpPath)
	if err != nil {
		return err
	}
	defer func() {
		f.Close()
		if err != nil {
			os.Remove(tmpPath)
		}
	}()

	n, err := f.Write(b)
	if err == nil && n < len(b) {
		err = io.ErrShortWrite
	}
	if err1 := f.Close(); err == nil {
		err = err1
	}
	if err != nil {
		return err
	}

	err = os.Rename(tmpPath, path)
	return err
}
