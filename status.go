package hotpatch

import (
	"errors"
	"fmt"

	"github.com/segmentio/ksuid"
)

var (
	// ErrVersionFetch reports that the local or server manifest could not be
	// obtained or understood. It is fatal to the session.
	ErrVersionFetch = errors.New("hotpatch: version fetch failed")
	// ErrDownload reports a single unit fetch failure.
	ErrDownload = errors.New("hotpatch: download failed")
	// ErrSessionClosed is returned by operations on a destroyed session.
	ErrSessionClosed = errors.New("hotpatch: session closed")
	// ErrSessionStarted is returned when Start is called twice.
	ErrSessionStarted = errors.New("hotpatch: session already started")
)

// Status is the kind of a StatusUpdate.
type Status int

const (
	StatusNone Status = iota
	// StatusNewVersion means the server requires a full client upgrade.
	StatusNewVersion
	// StatusStartHotfix announces the download plan.
	StatusStartHotfix
	// StatusProgress follows every completed unit.
	StatusProgress
	// StatusEnterGame means local content matches the server.
	StatusEnterGame
	StatusInitLocalVersionError
	StatusInitServerVersionError
	// StatusDownloadError reports a failed unit. It is fatal only when
	// StatusUpdate.Fatal is set.
	StatusDownloadError
)

func (s Status) String() string {
	switch s {
	case StatusNone:
		return "None"
	case StatusNewVersion:
		return "NewVersion"
	case StatusStartHotfix:
		return "StartHotfix"
	case StatusProgress:
		return "Progress"
	case StatusEnterGame:
		return "EnterGame"
	case StatusInitLocalVersionError:
		return "InitLocalVersionError"
	case StatusInitServerVersionError:
		return "InitServerVersionError"
	case StatusDownloadError:
		return "DownloadError"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// StatusUpdate is one event on a session's status stream.
type StatusUpdate struct {
	Session   ksuid.KSUID
	Status    Status
	Unit      string
	Completed int
	Total     int
	Err       error
	Fatal     bool
}

// Percent is unit-count progress in [0, 100].
func (u StatusUpdate) Percent() float64 {
	if u.Total <= 0 {
		return 100
	}
	return float64(u.Completed) * 100 / float64(u.Total)
}

func (u StatusUpdate) String() string {
	s := fmt.Sprintf("%s %d/%d", u.Status, u.Completed, u.Total)
	if u.Unit != "" {
		s += " unit=" + u.Unit
	}
	if u.Err != nil {
		s += " err=" + u.Err.Error()
	}
	return s
}
