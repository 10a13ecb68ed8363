package localstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FileStore keeps each key as a JSON file under a base directory.
type FileStore struct {
	basePath string
}

// NewFileStore creates the base directory if missing.
func NewFileStore(basePath string) (*FileStore, error) {
	if strings.TrimSpace(basePath) == "" {
		return nil, fmt.Errorf("local store base path is required")
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("create local store dir: %w", err)
	}
	return &FileStore{basePath: basePath}, nil
}

// Load reads and unmarshals the blob for a key. A missing file or a blob
// that does not parse both report ok=false.
func (f *FileStore) Load(key string, into any) (bool, error) {
	data, err := os.ReadFile(f.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("read local blob %q: %w", key, err)
	}
	if err := json.Unmarshal(data, into); err != nil {
		return false, nil
	}
	return true, nil
}

// Save overwrites the whole blob for a key.
func (f *FileStore) Save(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal local blob %q: %w", key, err)
	}
	if err := os.WriteFile(f.path(key), data, 0o644); err != nil {
		return fmt.Errorf("write local blob %q: %w", key, err)
	}
	return nil
}

func (f *FileStore) path(key string) string {
	return filepath.Join(f.basePath, safeKey(key)+".json")
}

func safeKey(key string) string {
	key = filepath.Base(strings.TrimSpace(key))
	key = strings.ReplaceAll(key, string(os.PathSeparator), "_")
	if key == "" || key == "." {
		return "blob"
	}
	return key
}
