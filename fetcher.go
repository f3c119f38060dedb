package hotpatch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/ankur-anand/hotpatch/blobstore"
)

// Fetcher retrieves server objects by key. Keys are slash separated and
// relative to the server root: "version.json" or "bundles/<unit>".
// Implementations must be safe for concurrent use.
type Fetcher interface {
	Fetch(ctx context.Context, key string) ([]byte, error)
	Close() error
}

// StatusError is returned by HTTPFetcher for non-2xx responses.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: unexpected status %d", e.URL, e.StatusCode)
}

// HTTPFetcher fetches objects with GET {base}/{key}.
type HTTPFetcher struct {
	base   string
	client *http.Client
}

func NewHTTPFetcher(base string, client *http.Client) *HTTPFetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPFetcher{base: strings.TrimRight(base, "/"), client: client}
}

func (f *HTTPFetcher) url(key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return f.base + "/" + strings.Join(parts, "/")
}

func (f *HTTPFetcher) Fetch(ctx context.Context, key string) ([]byte, error) {
	u := f.url(key)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, &StatusError{URL: u, StatusCode: resp.StatusCode}
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", u, err)
	}
	return data, nil
}

func (f *HTTPFetcher) Close() error {
	f.client.CloseIdleConnections()
	return nil
}

// BucketFetcher fetches objects from a blob store.
type BucketFetcher struct {
	store *blobstore.Store
	owns  bool
}

// NewBucketFetcher wraps store. The caller keeps ownership of store.
func NewBucketFetcher(store *blobstore.Store) *BucketFetcher {
	return &BucketFetcher{store: store}
}

func (f *BucketFetcher) Fetch(ctx context.Context, key string) ([]byte, error) {
	data, _, err := f.store.Read(ctx, f.store.Key(key))
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (f *BucketFetcher) Close() error {
	if !f.owns {
		return nil
	}
	return f.store.Close()
}

// OpenFetcher picks a fetcher for address: bucket URLs (s3://, gs://,
// azblob://, file://, mem://) read through gocloud, anything else is treated
// as an HTTP base URL.
func OpenFetcher(ctx context.Context, address string, client *http.Client) (Fetcher, error) {
	if blobstore.IsBucketURL(address) {
		store, err := blobstore.OpenRemote(ctx, address)
		if err != nil {
			return nil, err
		}
		return &BucketFetcher{store: store, owns: true}, nil
	}
	u, err := url.Parse(address)
	if err != nil {
		return nil, fmt.Errorf("parse server address: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported server address %q", address)
	}
	return NewHTTPFetcher(address, client), nil
}
