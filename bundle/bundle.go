// Package bundle implements the client side of content units: the bundle
// container format, openers that map bundle files into memory, and the
// ref-counted Cache that keeps loaded bundles resident while referenced.
package bundle

import (
	"context"
	"errors"
	"fmt"

	"github.com/ankur-anand/hotpatch/internal"
	"go.uber.org/multierr"
)

var (
	ErrBundleLoad    = errors.New("bundle: load failed")
	ErrAssetNotFound = errors.New("bundle: asset not found")
	ErrClosed        = errors.New("bundle: closed")
)

// Bundle is a loaded unit. Asset data returned from it is copied out, so it
// stays valid after the bundle is released.
type Bundle struct {
	name    string
	size    int64
	table   *internal.Table
	release func() error
	closed  bool
}

// FromBytes opens a bundle over data. release, if non-nil, is called after the
// bundle is closed to free the backing memory.
func FromBytes(ctx context.Context, name string, data []byte, release func() error) (*Bundle, error) {
	tbl, err := internal.OpenTable(ctx, data)
	if err != nil {
		if release != nil {
			err = multierr.Append(err, release())
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrBundleLoad, name, err)
	}
	return &Bundle{
		name:    name,
		size:    int64(len(data)),
		table:   tbl,
		release: release,
	}, nil
}

func (b *Bundle) Name() string {
	return b.name
}

// Size is the encoded size of the bundle in bytes.
func (b *Bundle) Size() int64 {
	return b.size
}

// Asset returns a copy of the asset stored at path.
func (b *Bundle) Asset(path string) ([]byte, error) {
	if b.closed {
		return nil, ErrClosed
	}
	data, ok, err := b.table.Get([]byte(path))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrBundleLoad, b.name, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s in %s", ErrAssetNotFound, path, b.name)
	}
	return data, nil
}

// AssetPaths lists the asset paths stored in the bundle.
func (b *Bundle) AssetPaths() ([]string, error) {
	if b.closed {
		return nil, ErrClosed
	}
	var out []string
	err := b.table.Scan(func(key, _ []byte) error {
		out = append(out, string(key))
		return nil
	})
	return out, err
}

func (b *Bundle) Close() error {
	if b.closed {
		return nil
	}
	b.closed = true
	err := b.table.Close()
	if b.release != nil {
		err = multierr.Append(err, b.release())
	}
	return err
}

// Encode builds a bundle container from asset path to content.
func Encode(assets map[string][]byte) ([]byte, error) {
	entries := make([]internal.KV, 0, len(assets))
	for path, data := range assets {
		entries = append(entries, internal.KV{Key: []byte(path), Value: data})
	}
	return internal.WriteTable(entries, internal.DefaultWriteOptions())
}
