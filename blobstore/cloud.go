package blobstore

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	_ "gocloud.dev/blob/azureblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/memblob"
	_ "gocloud.dev/blob/s3blob"
)

// remoteSchemes lists the bucket schemes a content server may be addressed by.
var remoteSchemes = map[string]bool{
	"s3":     true,
	"gs":     true,
	"azblob": true,
	"file":   true,
	"mem":    true,
}

// IsBucketURL reports whether address names a gocloud bucket rather than an
// HTTP endpoint.
func IsBucketURL(address string) bool {
	u, err := url.Parse(address)
	if err != nil {
		return false
	}
	return remoteSchemes[strings.ToLower(u.Scheme)]
}

// OpenRemote opens a content server published to object storage. The URL path
// after the bucket is used as the key prefix, so
// "s3://cdn/game/android?region=eu-west-1" reads keys under "game/android".
func OpenRemote(ctx context.Context, address string) (*Store, error) {
	u, err := url.Parse(address)
	if err != nil {
		return nil, fmt.Errorf("parse server address %q: %w", address, err)
	}
	if !remoteSchemes[strings.ToLower(u.Scheme)] {
		return nil, fmt.Errorf("unsupported bucket scheme %q", u.Scheme)
	}

	prefix := ""
	if u.Scheme != "file" {
		prefix = strings.Trim(u.Path, "/")
		u.Path = ""
	}

	s, err := Open(ctx, u.String(), prefix)
	if err != nil {
		return nil, err
	}
	s.readOnly = true
	return s, nil
}
