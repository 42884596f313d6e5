package attachments

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/stewardhq/steward/internal/storage"
)

// DirStore keeps blobs as flat files under one directory, named by
// attachment id. The metadata row is the index; nothing is cached in
// memory, so the store survives restarts.
type DirStore struct {
	dir string
}

// NewDirStore creates the blob directory if needed.
func NewDirStore(dir string) (*DirStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create attachment directory: %w", err)
	}
	return &DirStore{dir: dir}, nil
}

// Write stores content under a temp name, fsyncs, and renames into place so
// readers never observe a partial blob.
func (s *DirStore) Write(ctx context.Context, id string, content []byte) (BlobInfo, error) {
	path, err := s.blobPath(id)
	if err != nil {
		return BlobInfo{}, err
	}

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return BlobInfo{}, fmt.Errorf("create temp blob: %w", err)
	}
	if _, err := f.Write(content); err != nil {
		f.Close()
		os.Remove(tmp) //nolint:errcheck
		return BlobInfo{}, fmt.Errorf("write blob: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp) //nolint:errcheck
		return BlobInfo{}, fmt.Errorf("sync blob: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp) //nolint:errcheck
		return BlobInfo{}, fmt.Errorf("close blob: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp) //nolint:errcheck
		return BlobInfo{}, fmt.Errorf("rename blob: %w", err)
	}
	return BlobInfo{Path: path, Size: int64(len(content))}, nil
}

func (s *DirStore) Read(ctx context.Context, id string) ([]byte, error) {
	path, err := s.blobPath(id)
	if err != nil {
		return nil, err
	}
	content, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("blob %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read blob: %w", err)
	}
	return content, nil
}

func (s *DirStore) Stat(ctx context.Context, id string) (BlobInfo, error) {
	path, err := s.blobPath(id)
	if err != nil {
		return BlobInfo{}, err
	}
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return BlobInfo{}, fmt.Errorf("blob %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return BlobInfo{}, fmt.Errorf("stat blob: %w", err)
	}
	return BlobInfo{Path: path, Size: info.Size()}, nil
}

func (s *DirStore) Delete(ctx context.Context, id string) error {
	path, err := s.blobPath(id)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete blob: %w", err)
	}
	return nil
}

func (s *DirStore) Sweep(ctx context.Context, keep map[string]struct{}) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("scan attachment directory: %w", err)
	}

	removed := 0
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasSuffix(name, ".tmp") {
			continue
		}
		if _, ok := keep[name]; ok {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, name)); err != nil {
			return removed, fmt.Errorf("remove orphaned blob %s: %w", name, err)
		}
		removed++
	}
	return removed, nil
}

// blobPath rejects ids that would escape the blob directory.
func (s *DirStore) blobPath(id string) (string, error) {
	if id == "" || id != filepath.Base(id) || id == "." || id == ".." {
		return "", fmt.Errorf("invalid attachment id %q", id)
	}
	return filepath.Join(s.dir, id), nil
}
