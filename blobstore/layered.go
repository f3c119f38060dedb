package blobstore

import (
	"context"
	"errors"
)

// Layered resolves local files the way the client ships them: content
// written by a hotfix lives under the persistent root and shadows the
// defaults bundled under the read-only streaming root.
type Layered struct {
	Persistent *Store
	Streaming  *Store
}

// Read returns the persistent copy of key if present, otherwise the
// streaming copy. ErrNotFound is returned only when neither root has it.
// Keys are relative to each store's prefix.
func (l Layered) Read(ctx context.Context, key string) ([]byte, error) {
	if l.Persistent != nil {
		data, _, err := l.Persistent.Read(ctx, l.Persistent.path(key))
		if err == nil {
			return data, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	if l.Streaming != nil {
		data, _, err := l.Streaming.Read(ctx, l.Streaming.path(key))
		if err == nil {
			return data, nil
		}
		return nil, err
	}
	return nil, ErrNotFound
}
