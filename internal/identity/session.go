package identity

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Session mirrors the persisted session file written by the login flow.
type Session struct {
	Token  string
	Role   string
	UserID string
}

// ReadSession loads the session file at path. A missing or empty file is
// ErrNoSession.
func ReadSession(path string) (Session, error) {
	raw, err := readRaw(path)
	if err != nil {
		return Session{}, err
	}
	if len(raw) == 0 {
		return Session{}, ErrNoSession
	}
	return Session{
		Token:  claimString(raw["token"]),
		Role:   claimString(raw["role"]),
		UserID: claimString(raw["userId"]),
	}, nil
}

func readRaw(path string) (map[string]any, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNoSession
		}
		return nil, err
	}
	if len(bytes.TrimSpace(b)) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("session file %s: %w", path, err)
	}
	return raw, nil
}

// WriteUserID stores id under "userId" in the session file, leaving every
// other key untouched. The file is replaced atomically.
func WriteUserID(path, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return errors.New("identity: empty user id")
	}
	raw, err := readRaw(path)
	if err != nil {
		return err
	}
	if raw == nil {
		raw = map[string]any{}
	}
	if claimString(raw["userId"]) == id {
		return nil
	}
	raw["userId"] = id

	b, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".session-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(append(b, '\n')); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if fi, err := os.Stat(path); err == nil {
		_ = os.Chmod(tmpName, fi.Mode().Perm())
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}
