// Package ledger records which units of an in-progress hotfix session are
// already fully written to local storage, so an interrupted session can
// resume without refetching them.
//
// The on-disk form is a comma-terminated list of "name:tag" records, where the
// tag identifies the exact content written (the unit hash). Every append is
// synced before it returns; the file is removed once the session commits.
package ledger

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// FileName is the ledger file under the persistent root.
const FileName = "completedownload.txt"

const (
	delimiter    = ","
	tagSeparator = ":"
)

var ErrCommitted = errors.New("ledger: already committed")

// Ledger is not safe for concurrent use; the session tick owns it.
type Ledger struct {
	path      string
	f         *os.File
	names     map[string]string
	committed bool
	logger    *slog.Logger
}

// Open returns the ledger stored in dir. The backing file is created lazily
// on the first Append.
func Open(dir string, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		path:   filepath.Join(dir, FileName),
		names:  make(map[string]string),
		logger: logger,
	}
}

func (l *Ledger) Path() string {
	return l.path
}

// Load reads the persisted records as name to tag. Records written without
// a tag map to "". The last record for a name wins. It never fails: a missing
// file yields an empty set and an unreadable one is logged and treated as
// empty, which only costs a redownload.
func (l *Ledger) Load() map[string]string {
	data, err := os.ReadFile(l.path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			l.logger.Warn("hotpatch: ledger unreadable, starting empty", "path", l.path, "error", err)
		}
		return make(map[string]string)
	}

	out := make(map[string]string)
	for _, rec := range strings.Split(string(data), delimiter) {
		rec = strings.TrimSpace(rec)
		if rec == "" {
			continue
		}
		name, tag, _ := strings.Cut(rec, tagSeparator)
		if name == "" {
			continue
		}
		out[name] = tag
		l.names[name] = tag
	}
	return out
}

// Contains reports whether name was appended or loaded.
func (l *Ledger) Contains(name string) bool {
	_, ok := l.names[name]
	return ok
}

// Tag returns the tag recorded for name.
func (l *Ledger) Tag(name string) (string, bool) {
	tag, ok := l.names[name]
	return tag, ok
}

func (l *Ledger) Len() int {
	return len(l.names)
}

// Append durably records name with tag. Recording the same name and tag
// again writes nothing.
func (l *Ledger) Append(name, tag string) error {
	if l.committed {
		return ErrCommitted
	}
	if name == "" || strings.ContainsAny(name, delimiter+tagSeparator) {
		return fmt.Errorf("ledger: invalid unit name %q", name)
	}
	if strings.ContainsAny(tag, delimiter+tagSeparator) {
		return fmt.Errorf("ledger: invalid tag %q", tag)
	}
	if prev, ok := l.names[name]; ok && prev == tag {
		return nil
	}
	if l.f == nil {
		f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("open ledger: %w", err)
		}
		l.f = f
	}
	rec := name
	if tag != "" {
		rec += tagSeparator + tag
	}
	if _, err := l.f.WriteString(rec + delimiter); err != nil {
		return fmt.Errorf("append ledger: %w", err)
	}
	if err := l.f.Sync(); err != nil {
		return fmt.Errorf("sync ledger: %w", err)
	}
	l.names[name] = tag
	return nil
}

// Commit closes the ledger and deletes its file. Called once every unit of the
// session has a confirmed local copy and the new manifest is in place.
func (l *Ledger) Commit() error {
	if l.committed {
		return nil
	}
	if err := l.Close(); err != nil {
		return err
	}
	if err := os.Remove(l.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove ledger: %w", err)
	}
	l.committed = true
	l.names = make(map[string]string)
	return nil
}

// Close releases the write handle and keeps the file for the next session.
func (l *Ledger) Close() error {
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}
