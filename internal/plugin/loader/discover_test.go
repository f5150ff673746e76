package loader

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func acceptDocuments(source string) bool {
	return documentExts[strings.ToLower(filepath.Ext(source))]
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestDiscoverer_Discover(t *testing.T) {
	user := t.TempDir()
	system := t.TempDir()

	writeFile(t, filepath.Join(user, "bmi.yaml"), "id: bmi")
	writeFile(t, filepath.Join(user, "notes.txt"), "ignored")
	writeFile(t, filepath.Join(user, "curb65", "plugin.yaml"), "id: curb65")
	writeFile(t, filepath.Join(user, "empty", "README"), "no manifest")
	writeFile(t, filepath.Join(system, "bmi.yaml"), "id: shadowed")
	writeFile(t, filepath.Join(system, "wells.json"), "{}")

	d := NewDiscoverer([]string{user, filepath.Join(user, "missing"), system}, acceptDocuments)
	found, err := d.Discover()
	require.NoError(t, err)

	names := make([]string, len(found))
	for i, c := range found {
		names[i] = c.Name
	}
	assert.Equal(t, []string{"bmi", "curb65", "wells"}, names)

	bmi, ok := d.Get("bmi")
	require.True(t, ok)
	assert.Equal(t, filepath.Join(user, "bmi.yaml"), bmi.Source, "earlier path wins")

	curb, ok := d.Get("curb65")
	require.True(t, ok)
	assert.Equal(t, filepath.Join(user, "curb65", "plugin.yaml"), curb.Source)
	assert.Equal(t, filepath.Join(user, "curb65"), curb.Dir)

	_, ok = d.Get("notes")
	assert.False(t, ok)
}

func TestDiscoverer_DiscoverReplacesPreviousScan(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.yaml"), "id: a")

	d := NewDiscoverer([]string{dir}, acceptDocuments)
	_, err := d.Discover()
	require.NoError(t, err)
	_, ok := d.Get("a")
	require.True(t, ok)

	require.NoError(t, os.Remove(filepath.Join(dir, "a.yaml")))
	found, err := d.Discover()
	require.NoError(t, err)
	assert.Empty(t, found)
	_, ok = d.Get("a")
	assert.False(t, ok)
}

type changeLog struct {
	mu      sync.Mutex
	changes []Change
}

func (l *changeLog) add(c Change) {
	l.mu.Lock()
	l.changes = append(l.changes, c)
	l.mu.Unlock()
}

func (l *changeLog) snapshot() []Change {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Change(nil), l.changes...)
}

func TestDiscoverer_Watch(t *testing.T) {
	dir := t.TempDir()
	d := NewDiscoverer([]string{dir}, acceptDocuments, WithDebounce(20*time.Millisecond))

	var log changeLog
	require.NoError(t, d.Watch(context.Background(), log.add))
	defer d.Stop()

	require.Error(t, d.Watch(context.Background(), log.add), "second watch is rejected")

	path := filepath.Join(dir, "bmi.yaml")
	writeFile(t, path, "id: bmi")
	writeFile(t, filepath.Join(dir, "ignored.txt"), "x")

	require.Eventually(t, func() bool { return len(log.snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, Change{Op: ChangeAdded, Source: path}, log.snapshot()[0])

	require.NoError(t, os.Remove(path))
	require.Eventually(t, func() bool { return len(log.snapshot()) == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, ChangeRemoved, log.snapshot()[1].Op)

	for _, c := range log.snapshot() {
		assert.False(t, strings.HasSuffix(c.Source, ".txt"))
	}
}

func TestDiscoverer_WatchManifestInNewDirectory(t *testing.T) {
	dir := t.TempDir()
	d := NewDiscoverer([]string{dir}, acceptDocuments, WithDebounce(20*time.Millisecond))

	var log changeLog
	require.NoError(t, d.Watch(context.Background(), log.add))
	defer d.Stop()

	sub := filepath.Join(dir, "curb65")
	require.NoError(t, os.Mkdir(sub, 0o755))
	// the directory watch is added asynchronously
	time.Sleep(50 * time.Millisecond)
	writeFile(t, filepath.Join(sub, "plugin.yaml"), "id: curb65")

	require.Eventually(t, func() bool {
		for _, c := range log.snapshot() {
			if c.Source == filepath.Join(sub, "plugin.yaml") {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDiscoverer_WatchNeedsAnExistingPath(t *testing.T) {
	d := NewDiscoverer([]string{filepath.Join(t.TempDir(), "missing")}, acceptDocuments)
	assert.Error(t, d.Watch(context.Background(), func(Change) {}))
	d.Stop()
}

func TestDiscoverer_StopDropsPending(t *testing.T) {
	dir := t.TempDir()
	d := NewDiscoverer([]string{dir}, acceptDocuments, WithDebounce(time.Hour))

	var log changeLog
	require.NoError(t, d.Watch(context.Background(), log.add))
	writeFile(t, filepath.Join(dir, "late.yaml"), "id: late")
	time.Sleep(50 * time.Millisecond)
	d.Stop()

	assert.Empty(t, log.snapshot())
}

func TestChangeOp_String(t *testing.T) {
	assert.Equal(t, "added", ChangeAdded.String())
	assert.Equal(t, "modified", ChangeModified.String())
	assert.Equal(t, "removed", ChangeRemoved.String())
	assert.Equal(t, "unknown", ChangeOp(9).String())
}
