package manifest

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrParse reports a malformed version string or manifest document.
var ErrParse = errors.New("manifest: parse error")

// Version is a content version of the form major_minor. A major bump needs a
// store reinstall, a minor bump is delivered as a hotfix.
type Version struct {
	Major int
	Minor int
}

// ParseVersion accepts "1_3" and the older "1.3" spelling.
func ParseVersion(s string) (Version, error) {
	s = strings.TrimSpace(s)
	sep := strings.IndexAny(s, "_.")
	if sep <= 0 || sep == len(s)-1 {
		return Version{}, fmt.Errorf("%w: version %q", ErrParse, s)
	}
	major, err := strconv.Atoi(s[:sep])
	if err != nil || major < 0 {
		return Version{}, fmt.Errorf("%w: version %q major", ErrParse, s)
	}
	minor, err := strconv.Atoi(s[sep+1:])
	if err != nil || minor < 0 {
		return Version{}, fmt.Errorf("%w: version %q minor", ErrParse, s)
	}
	return Version{Major: major, Minor: minor}, nil
}

func (v Version) String() string {
	return fmt.Sprintf("%d_%d", v.Major, v.Minor)
}

func (v Version) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

func (v *Version) UnmarshalText(b []byte) error {
	parsed, err := ParseVersion(string(b))
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// Outcome is the result of comparing a local version against the server's.
type Outcome int

const (
	UpToDate Outcome = iota
	HotfixNeeded
	IncompatibleUpgrade
)

func (o Outcome) String() string {
	switch o {
	case UpToDate:
		return "up-to-date"
	case HotfixNeeded:
		return "hotfix-needed"
	case IncompatibleUpgrade:
		return "incompatible-upgrade"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Compare is the version gate. A newer server major means the installed
// client cannot take the content and must be reinstalled.
func Compare(local, server Version) Outcome {
	switch {
	case server.Major > local.Major:
		return IncompatibleUpgrade
	case server.Major == local.Major && server.Minor > local.Minor:
		return HotfixNeeded
	default:
		return UpToDate
	}
}
