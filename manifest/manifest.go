package manifest

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/minio/sha256-simd"
)

// Hash128 is an opaque 128-bit content hash. Two units with equal hashes are
// interchangeable regardless of name or version.
type Hash128 [16]byte

// HashBytes derives a Hash128 from content. Used by the content builder; the
// sync engine never recomputes hashes, it only compares them.
func HashBytes(data []byte) Hash128 {
	sum := sha256.Sum256(data)
	var h Hash128
	copy(h[:], sum[:16])
	return h
}

func ParseHash128(s string) (Hash128, error) {
	var h Hash128
	if len(s) != hex.EncodedLen(len(h)) {
		return h, fmt.Errorf("%w: hash %q has length %d", ErrParse, s, len(s))
	}
	if _, err := hex.Decode(h[:], []byte(s)); err != nil {
		return h, fmt.Errorf("%w: hash %q: %v", ErrParse, s, err)
	}
	return h, nil
}

func (h Hash128) String() string {
	return hex.EncodeToString(h[:])
}

func (h Hash128) IsZero() bool {
	return h == Hash128{}
}

func (h Hash128) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

func (h *Hash128) UnmarshalText(b []byte) error {
	parsed, err := ParseHash128(string(b))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// Unit is one independently downloadable bundle.
type Unit struct {
	Name string  `json:"name"`
	Size int64   `json:"size"`
	Hash Hash128 `json:"hash"`
}

// Descriptor identifies a manifest's version and the total size of its units.
type Descriptor struct {
	Version   Version `json:"version"`
	TotalSize int64   `json:"totalSize"`
}

// Manifest is an immutable snapshot of the units that make up one content
// version. Unit order is the server's publishing order and is preserved.
type Manifest struct {
	Descriptor
	Units []Unit `json:"units"`
}

// Empty returns the manifest used when no usable local manifest exists.
func Empty() *Manifest {
	return &Manifest{}
}

// Index maps unit names to their hashes.
func (m *Manifest) Index() map[string]Hash128 {
	idx := make(map[string]Hash128, len(m.Units))
	for _, u := range m.Units {
		idx[u.Name] = u.Hash
	}
	return idx
}

// Unit returns the named unit.
func (m *Manifest) Unit(name string) (Unit, bool) {
	for _, u := range m.Units {
		if u.Name == name {
			return u, true
		}
	}
	return Unit{}, false
}

// UnitsSize sums the sizes of the listed units.
func (m *Manifest) UnitsSize(names []string) int64 {
	want := make(map[string]struct{}, len(names))
	for _, n := range names {
		want[n] = struct{}{}
	}
	var total int64
	for _, u := range m.Units {
		if _, ok := want[u.Name]; ok {
			total += u.Size
		}
	}
	return total
}

func Encode(m *Manifest) ([]byte, error) {
	return json.MarshalIndent(m, "", "  ")
}

// Decode parses a manifest document. Any failure wraps ErrParse. Duplicate
// unit names are rejected since names are the dedup key for downloads.
func Decode(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	seen := make(map[string]struct{}, len(m.Units))
	for _, u := range m.Units {
		if u.Name == "" {
			return nil, fmt.Errorf("%w: unit with empty name", ErrParse)
		}
		if _, dup := seen[u.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate unit %q", ErrParse, u.Name)
		}
		seen[u.Name] = struct{}{}
	}
	return &m, nil
}
