package manifest

import (
	"context"
	"errors"
	"fmt"

	"github.com/ankur-anand/hotpatch/blobstore"
)

var ErrNotFound = errors.New("manifest storage: object not found")

// Storage reads the local manifest with the persistent root shadowing the
// streaming root, and writes it to the persistent root only.
type Storage struct {
	roots blobstore.Layered
}

func NewStorage(roots blobstore.Layered) *Storage {
	return &Storage{roots: roots}
}

// ReadLocalRaw returns the raw local manifest document.
func (s *Storage) ReadLocalRaw(ctx context.Context) ([]byte, error) {
	data, err := s.roots.Read(ctx, blobstore.VersionFile)
	return data, s.mapError(err)
}

// ReadLocal returns the decoded local manifest. Errors wrap ErrNotFound when
// neither root has a manifest and ErrParse when the document is malformed.
func (s *Storage) ReadLocal(ctx context.Context) (*Manifest, error) {
	data, err := s.ReadLocalRaw(ctx)
	if err != nil {
		return nil, err
	}
	m, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("local %s: %w", blobstore.VersionFile, err)
	}
	return m, nil
}

// WriteLocal replaces the persistent manifest with data.
func (s *Storage) WriteLocal(ctx context.Context, data []byte) error {
	if s.roots.Persistent == nil {
		return errors.New("manifest storage: no persistent root")
	}
	_, err := s.roots.Persistent.Write(ctx, s.roots.Persistent.VersionPath(), data)
	return s.mapError(err)
}

func (s *Storage) mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, blobstore.ErrNotFound) {
		return ErrNotFound
	}
	return err
}
