package ledger

import (
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadMissingIsEmpty(t *testing.T) {
	l := Open(t.TempDir(), nil)
	require.Empty(t, l.Load())
}

func TestAppendSurvivesRestart(t *testing.T) {
	dir := t.TempDir()

	l := Open(dir, nil)
	require.NoError(t, l.Append("a", "h1"))
	require.NoError(t, l.Close())

	l = Open(dir, nil)
	require.Equal(t, map[string]string{"a": "h1"}, l.Load())
	require.NoError(t, l.Append("b", "h2"))
	require.NoError(t, l.Close())

	got := Open(dir, nil).Load()
	require.Equal(t, map[string]string{"a": "h1", "b": "h2"}, got)
}

func TestAppendIsFlushedBeforeReturn(t *testing.T) {
	dir := t.TempDir()
	l := Open(dir, nil)
	defer l.Close()

	require.NoError(t, l.Append("hero", "00ff"))

	// A second reader sees the record without Close.
	data, err := os.ReadFile(l.Path())
	require.NoError(t, err)
	require.Equal(t, "hero:00ff,", string(data))
}

func TestAppendDuplicateWritesOnce(t *testing.T) {
	dir := t.TempDir()
	l := Open(dir, nil)
	require.NoError(t, l.Append("a", "h1"))
	require.NoError(t, l.Append("a", "h1"))
	require.NoError(t, l.Close())

	data, err := os.ReadFile(l.Path())
	require.NoError(t, err)
	require.Equal(t, "a:h1,", string(data))
	require.Len(t, Open(dir, nil).Load(), 1)
	require.Equal(t, 1, l.Len())
	require.True(t, l.Contains("a"))
}

func TestAppendLoadedRecordWritesNothing(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(Open(dir, nil).Path(), []byte("a:h1,"), 0644))

	l := Open(dir, nil)
	l.Load()
	require.NoError(t, l.Append("a", "h1"))
	require.NoError(t, l.Close())

	data, err := os.ReadFile(l.Path())
	require.NoError(t, err)
	require.Equal(t, "a:h1,", string(data))
}

func TestAppendNewTagReplacesOld(t *testing.T) {
	dir := t.TempDir()
	l := Open(dir, nil)
	require.NoError(t, l.Append("a", "h1"))
	require.NoError(t, l.Append("a", "h2"))
	require.NoError(t, l.Close())

	tag, ok := l.Tag("a")
	require.True(t, ok)
	require.Equal(t, "h2", tag)
	require.Equal(t, map[string]string{"a": "h2"}, Open(dir, nil).Load())
}

func TestAppendRejectsSeparators(t *testing.T) {
	l := Open(t.TempDir(), nil)
	require.Error(t, l.Append("a,b", ""))
	require.Error(t, l.Append("a:b", ""))
	require.Error(t, l.Append("", ""))
	require.Error(t, l.Append("a", "x,y"))
}

func TestCommitDeletesFile(t *testing.T) {
	dir := t.TempDir()
	l := Open(dir, nil)
	require.NoError(t, l.Append("a", "h1"))
	require.NoError(t, l.Commit())

	_, err := os.Stat(l.Path())
	require.True(t, errors.Is(err, os.ErrNotExist))
	require.Empty(t, Open(dir, nil).Load())

	require.ErrorIs(t, l.Append("b", "h2"), ErrCommitted)
	require.NoError(t, l.Commit())
}

func TestCommitWithoutAppends(t *testing.T) {
	l := Open(t.TempDir(), nil)
	require.NoError(t, l.Commit())
}

func TestLoadToleratesGarbage(t *testing.T) {
	dir := t.TempDir()
	l := Open(dir, nil)
	require.NoError(t, os.WriteFile(l.Path(), []byte(" a ,,b:h2,:h3,\n"), 0644))

	got := l.Load()
	require.Equal(t, map[string]string{"a": "", "b": "h2"}, got)
}

func TestLoadUnreadableIsEmpty(t *testing.T) {
	dir := t.TempDir()
	l := Open(dir, nil)
	// A directory in place of the file makes ReadFile fail with a non
	// NotExist error.
	require.NoError(t, os.Mkdir(l.Path(), 0755))
	require.Empty(t, l.Load())
}
