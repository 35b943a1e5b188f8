package receipt

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"regexp"

	"github.com/zombor/cashback-tracker/internal/ledger"
)

// ErrInvalidImageRef is returned for a reference that points outside the image store
var ErrInvalidImageRef = errors.New("invalid image reference")

// Storage keeps receipt images. A ref returned by Save is the only handle on the image.
type Storage interface {
	// Save stores an image of a user and returns its ref
	Save(userID, name string, data []byte) (string, error)

	// Get retrieves an image by ref
	Get(ref string) ([]byte, error)

	// Delete removes an image. Deleting a missing image is not an error.
	Delete(ref string) error
}

// LocalStorage keeps images on the local filesystem, one directory per user
type LocalStorage struct {
	basePath string
}

var unsafeDirChars = regexp.MustCompile(`[^a-zA-Z0-9._-]`)

// NewLocalStorage creates a new LocalStorage instance
func NewLocalStorage(basePath string) (*LocalStorage, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("creating storage directory: %w", err)
	}

	return &LocalStorage{
		basePath: basePath,
	}, nil
}

// userDir maps an opaque chat identity to a directory name
func userDir(userID string) string {
	dir := unsafeDirChars.ReplaceAllString(userID, "_")
	if dir == "" || dir == "." || dir == ".." {
		return "_"
	}
	return dir
}

func (l *LocalStorage) resolve(ref string) (string, error) {
	local := filepath.FromSlash(ref)
	if !filepath.IsLocal(local) {
		return "", fmt.Errorf("%w: %q", ErrInvalidImageRef, ref)
	}
	return filepath.Join(l.basePath, local), nil
}

// Save writes the image through a temporary file so a crash never leaves a partial image
// behind a ref.
func (l *LocalStorage) Save(userID, name string, data []byte) (string, error) {
	ref := path.Join(userDir(userID), name)
	fullPath, err := l.resolve(ref)
	if err != nil {
		return "", err
	}
	dir := filepath.Dir(fullPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("creating user directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		return "", fmt.Errorf("creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("writing file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("writing file: %w", err)
	}
	if err := os.Rename(tmp.Name(), fullPath); err != nil {
		return "", fmt.Errorf("moving file into place: %w", err)
	}
	return ref, nil
}

// Get retrieves an image from local storage
func (l *LocalStorage) Get(ref string) ([]byte, error) {
	fullPath, err := l.resolve(ref)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(fullPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("image %s: %w", ref, ledger.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("reading file: %w", err)
	}
	return data, nil
}

// Delete removes an image from local storage
func (l *LocalStorage) Delete(ref string) error {
	fullPath, err := l.resolve(ref)
	if err != nil {
		return err
	}
	if err := os.Remove(fullPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("deleting file: %w", err)
	}
	return nil
}
