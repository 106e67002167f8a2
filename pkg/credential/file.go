package credential

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// File is the durable credential storage: a single JSON file mapping
// provider id to credential. The out-of-band authorization flow (or the
// gateway's credential callback) writes into it, and every successful refresh
// persists here before the new token is handed to callers, so a restart never
// loses the ability to refresh again.
type File struct {
	path string
}

// NewFile creates a File backed by the given path. The file does not need to
// exist yet.
func NewFile(path string) *File {
	return &File{path: path}
}

// Load reads all credentials. A missing file is an empty store, not an error.
func (f *File) Load() (map[string]Credential, error) {
	data, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return map[string]Credential{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read credential file: %w", err)
	}
	creds := map[string]Credential{}
	if len(data) == 0 {
		return creds, nil
	}
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("decode credential file %s: %w", f.path, err)
	}
	return creds, nil
}

// Save writes all credentials atomically (temp file + rename) with owner-only
// permissions. Refresh tokens are long-lived secrets.
func (f *File) Save(creds map[string]Credential) error {
	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return fmt.Errorf("encode credentials: %w", err)
	}
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create credential dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".credentials-*")
	if err != nil {
		return fmt.Errorf("create temp credential file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write credential file: %w", err)
	}
	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("chmod credential file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close credential file: %w", err)
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace credential file: %w", err)
	}
	return nil
}
