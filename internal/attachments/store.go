// Package attachments manages the files exchanged with the worker: uploads the
// user hands to it and attachments it produces.
package attachments

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const (
	InputsDir      = "inputs"
	AttachmentsDir = "attachments"
)

var (
	ErrInvalidName = errors.New("invalid file name")
	ErrEmptyUpload = errors.New("upload is empty")
	ErrBadEncoding = errors.New("upload is not valid base64")
)

// IsInvalidUpload reports whether err was caused by the caller's input.
func IsInvalidUpload(err error) bool {
	return errors.Is(err, ErrInvalidName) || errors.Is(err, ErrEmptyUpload) || errors.Is(err, ErrBadEncoding)
}

// Store roots uploads and attachments under one data directory.
type Store struct {
	root string
}

func NewStore(dataDir string) (*Store, error) {
	if strings.TrimSpace(dataDir) == "" {
		return nil, errors.New("data directory is required")
	}
	abs, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, err
	}
	return &Store{root: abs}, nil
}

func (s *Store) Root() string { return s.root }

func (s *Store) InputsPath() string { return filepath.Join(s.root, InputsDir) }

func (s *Store) AttachmentsPath() string { return filepath.Join(s.root, AttachmentsDir) }

// SaveUpload decodes base64 data and writes it to <root>/inputs/<filename>,
// replacing any earlier upload of the same name. It returns the absolute path.
func (s *Store) SaveUpload(data, filename string) (string, error) {
	name, err := cleanName(filename)
	if err != nil {
		return "", err
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(data))
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrBadEncoding, name, err)
	}
	return s.Write(name, raw)
}

// Write stores raw bytes as an upload.
func (s *Store) Write(filename string, data []byte) (string, error) {
	name, err := cleanName(filename)
	if err != nil {
		return "", err
	}
	if len(data) == 0 {
		return "", ErrEmptyUpload
	}
	path := filepath.Join(s.InputsPath(), name)
	if err := writeFileAtomic(path, data, 0o644); err != nil {
		return "", fmt.Errorf("save upload %s: %w", name, err)
	}
	return path, nil
}

// List returns the regular files in the attachments directory, sorted. The
// directory is created when missing.
func (s *Store) List() ([]string, error) {
	dir := s.AttachmentsPath()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	sort.Strings(files)
	return files, nil
}

// Contains reports whether path lies inside the store's root.
func (s *Store) Contains(path string) bool {
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(s.root, abs)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(os.PathSeparator))
}

func cleanName(filename string) (string, error) {
	name := strings.TrimSpace(filename)
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) || strings.ContainsRune(name, 0) {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, filename)
	}
	return name, nil
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".streambridge-upload-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = os.Remove(tmpName)
	}()

	if err := tmp.Chmod(mode); err != nil {
		_ = tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
