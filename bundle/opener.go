package bundle

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/ankur-anand/hotpatch/blobstore"
	"github.com/dgraph-io/ristretto/v2/z"
)

// Opener opens a unit by name. Implementations only perform I/O and may be
// called from any goroutine.
type Opener interface {
	Open(ctx context.Context, name string) (*Bundle, error)
}

// FileOpener memory-maps bundle files. Dirs are searched in order, so the
// persistent root shadows the streaming root.
type FileOpener struct {
	Dirs   []string
	Folder string
}

func (o FileOpener) Open(ctx context.Context, name string) (*Bundle, error) {
	for _, dir := range o.Dirs {
		if dir == "" {
			continue
		}
		path := filepath.Join(dir, o.Folder, name)
		f, err := os.Open(path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrBundleLoad, name, err)
		}

		data, err := MmapFile(f)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("%w: %s: mmap: %v", ErrBundleLoad, name, err)
		}
		return FromBytes(ctx, name, data, func() error {
			err := Munmap(data)
			if cerr := f.Close(); err == nil {
				err = cerr
			}
			return err
		})
	}
	return nil, fmt.Errorf("%w: %s: not present in local storage", ErrBundleLoad, name)
}

// StoreOpener reads bundles from blob stores into memory. Used where the
// local roots are not plain directories.
type StoreOpener struct {
	Roots  blobstore.Layered
	Folder string
}

func (o StoreOpener) Open(ctx context.Context, name string) (*Bundle, error) {
	data, err := o.Roots.Read(ctx, filepath.ToSlash(filepath.Join(o.Folder, name)))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrBundleLoad, name, err)
	}
	return FromBytes(ctx, name, data, nil)
}

// MmapFile memory-maps a file for read-only access.
func MmapFile(f *os.File) ([]byte, error) {
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if info.Size() == 0 {
		return nil, nil
	}
	return z.Mmap(f, false, info.Size())
}

// Munmap unmaps previously mapped memory.
func Munmap(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	return z.Munmap(data)
}
