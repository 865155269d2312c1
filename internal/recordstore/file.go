package recordstore

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// FileRepository is a MemoryRepository whose state is written to a JSON
// file after every change. The file is replaced atomically.
type FileRepository struct {
	*MemoryRepository
	path string
}

func NewFileRepository(path string) (*FileRepository, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	repo := &FileRepository{MemoryRepository: NewMemoryRepository(), path: path}
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, err
	default:
		var state snapshot
		if err := json.Unmarshal(data, &state); err != nil {
			return nil, err
		}
		repo.restore(state)
	}
	repo.commit = repo.save
	return repo, nil
}

func (r *FileRepository) save(state snapshot) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(r.path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, r.path)
}
