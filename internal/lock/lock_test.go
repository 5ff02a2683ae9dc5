package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPathIsStableAndHidesCredentials(t *testing.T) {
	p1 := Path("/tmp", "1000000001", "secret-token")
	p2 := Path("/tmp", "1000000001", "secret-token")
	p3 := Path("/tmp", "1000000001", "other-token")

	assert.Equal(t, p1, p2)
	assert.NotEqual(t, p1, p3)
	assert.NotContains(t, p1, "secret")
	assert.True(t, strings.HasPrefix(filepath.Base(p1), "market-feed-"))
	assert.Len(t, strings.TrimSuffix(strings.TrimPrefix(filepath.Base(p1), "market-feed-"), ".lock"), 16)
}

func TestAcquireWritesPIDAndReleaseRemoves(t *testing.T) {
	dir := t.TempDir()
	l := New(dir, "c", "t", nil)

	require.NoError(t, l.Acquire())
	require.NoError(t, l.Acquire())

	raw, err := os.ReadFile(l.Path())
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(os.Getpid()), strings.TrimSpace(string(raw)))

	require.NoError(t, l.Release())
	_, err = os.Stat(l.Path())
	assert.True(t, os.IsNotExist(err))

	require.NoError(t, l.Release())
}

func TestSecondHolderGetsConflictWithPID(t *testing.T) {
	dir := t.TempDir()
	first := New(dir, "c", "t", nil)
	second := New(dir, "c", "t", nil)

	require.NoError(t, first.Acquire())
	defer first.Release()

	// flock locks belong to the open file description, so a second open conflicts
	err := second.Acquire()
	require.Error(t, err)

	var conflict *ConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, os.Getpid(), conflict.PID)
	assert.Contains(t, err.Error(), strconv.Itoa(os.Getpid()))

	require.NoError(t, first.Release())
	require.NoError(t, second.Acquire())
	require.NoError(t, second.Release())
}

func TestReleaseToleratesMissingFile(t *testing.T) {
	l := New(t.TempDir(), "c", "t", nil)
	require.NoError(t, l.Acquire())
	require.NoError(t, os.Remove(l.Path()))
	assert.NoError(t, l.Release())
}

func TestDifferentCredentialsDoNotConflict(t *testing.T) {
	dir := t.TempDir()
	a := New(dir, "c", "t1", nil)
	b := New(dir, "c", "t2", nil)

	require.NoError(t, a.Acquire())
	require.NoError(t, b.Acquire())
	assert.NoError(t, a.Release())
	assert.NoError(t, b.Release())
}

func TestLockOnUnlinkedFileIsGivenBack(t *testing.T) {
	dir := t.TempDir()
	first := New(dir, "c", "t", nil)
	late := New(dir, "c", "t", nil)
	third := New(dir, "c", "t", nil)

	require.NoError(t, first.Acquire())

	// late opens the file, then the holder releases before late locks it
	f, err := os.OpenFile(late.Path(), os.O_RDWR, 0o644)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, first.Release())

	assert.ErrorIs(t, late.lockOpened(f), errReplaced)

	require.NoError(t, third.Acquire())
	defer third.Release()

	err = late.Acquire()
	var conflict *ConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, os.Getpid(), conflict.PID)
}

func TestPIDRecordOverwritesStaleContent(t *testing.T) {
	dir := t.TempDir()
	l := New(dir, "c", "t", nil)
	require.NoError(t, os.WriteFile(l.Path(), []byte("123456789012345678901234567890\nleftover\n"), 0o644))

	require.NoError(t, l.Acquire())
	defer l.Release()

	raw, err := os.ReadFile(l.Path())
	require.NoError(t, err)
	assert.Len(t, raw, pidWidth)
	assert.Equal(t, strconv.Itoa(os.Getpid()), strings.TrimSpace(string(raw)))
}

func TestReadPIDIgnoresBytesPastTheRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pid")
	// a reader between the record write and the truncate sees trailing bytes
	record := fmt.Sprintf("%-*d\n", pidWidth-1, 4242)
	require.NoError(t, os.WriteFile(path, []byte(record+"99999\n"), 0o644))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	assert.Equal(t, 4242, readPID(f))
}
