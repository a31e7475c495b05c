package backup

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dotsetgreg/hybridmode/pkg/hybrid"
	"github.com/dotsetgreg/hybridmode/pkg/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type engineFixture struct {
	modes    *hybrid.Manager
	memories *memory.Manager
	sweeper  *memory.Sweeper
	state    *EngineState
}

func newEngine(t *testing.T) engineFixture {
	t.Helper()
	mem := memory.NewManager(memory.Config{})
	modes, err := hybrid.NewManager(hybrid.WithMemoryStore(mem))
	require.NoError(t, err)
	sw, err := memory.NewSweeper(mem, "")
	require.NoError(t, err)
	return engineFixture{
		modes:    modes,
		memories: mem,
		sweeper:  sw,
		state:    &EngineState{Modes: modes, Memories: mem, Jobs: sw},
	}
}

func seedEngine(t *testing.T, e engineFixture) {
	t.Helper()
	ctx := context.Background()
	for _, id := range []string{"conv-a", "conv-b"} {
		_, err := e.modes.InitializeConversation(ctx, id, "user-1", hybrid.ModeAuto, nil)
		require.NoError(t, err)
	}
	_, err := e.modes.ChangeMode(ctx, hybrid.ModeChangeRequest{ConversationID: "conv-b", NewMode: hybrid.ModeAgent, Reason: "user toggle"})
	require.NoError(t, err)
	_, err = e.modes.RecordMemory(ctx, "conv-a", memory.TypeUserInteraction, map[string]any{"text": "prefers metric units"}, 0.7)
	require.NoError(t, err)
	e.sweeper.RunOnce()
}

func newBackupManager(t *testing.T, compress bool) *Manager {
	t.Helper()
	m, err := NewManager(Config{Dir: t.TempDir(), Compress: compress, RetryBackoff: time.Millisecond})
	require.NoError(t, err)
	return m
}

func TestManager_CompressedRoundTrip(t *testing.T) {
	src := newEngine(t)
	seedEngine(t, src)
	m := newBackupManager(t, true)

	meta, err := m.Create(context.Background(), src.state)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, meta.Status)
	assert.Equal(t, 2, meta.DocumentCount)
	assert.Equal(t, 1, meta.Attempts)
	assert.NotNil(t, meta.CompletedAt)
	assert.Greater(t, meta.SizeBytes, int64(0))
	assert.Greater(t, meta.CompressionRatio, 0.0)

	_, err = os.Stat(filepath.Join(m.cfg.Dir, meta.BackupID+archiveExt))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(m.cfg.Dir, meta.BackupID))
	assert.True(t, errors.Is(err, os.ErrNotExist), "working tree should be removed after compression")

	dst := newEngine(t)
	_, err = dst.modes.InitializeConversation(context.Background(), "stale", "user-9", hybrid.ModeChat, nil)
	require.NoError(t, err)
	require.NoError(t, m.Restore(context.Background(), meta.BackupID, dst.state, dst.state))

	assert.Equal(t, []string{"conv-a", "conv-b"}, dst.modes.ConversationIDs())
	st, err := dst.modes.GetState("conv-b")
	require.NoError(t, err)
	assert.Equal(t, hybrid.ModeAgent, st.CurrentMode)
	require.Len(t, st.ModeHistory, 1)
	assert.Equal(t, "user toggle", st.ModeHistory[0].Reason)

	mems := dst.memories.List("conv-a")
	require.Len(t, mems, 1)
	assert.Equal(t, "prefers metric units", mems[0].Content["text"])
	assert.Len(t, dst.sweeper.Jobs(), 1)
}

func TestManager_UncompressedRoundTripAndMetadataReload(t *testing.T) {
	src := newEngine(t)
	seedEngine(t, src)
	m := newBackupManager(t, false)

	meta, err := m.Create(context.Background(), src.state)
	require.NoError(t, err)
	assert.Equal(t, 1.0, meta.CompressionRatio)
	for _, name := range []string{manifestFile, jobsFile, "documents/conv-a.json", "documents/conv-b.json"} {
		_, err := os.Stat(filepath.Join(m.cfg.Dir, meta.BackupID, filepath.FromSlash(name)))
		require.NoError(t, err, name)
	}

	reloaded, err := NewManager(Config{Dir: m.cfg.Dir})
	require.NoError(t, err)
	got, err := reloaded.Get(meta.BackupID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)

	dst := newEngine(t)
	require.NoError(t, reloaded.Restore(context.Background(), meta.BackupID, dst.state, dst.state))
	assert.Len(t, dst.modes.ConversationIDs(), 2)
}

type flakySource struct {
	inner    Source
	failures int
	calls    int
}

func (f *flakySource) Snapshot(ctx context.Context) (Snapshot, error) {
	f.calls++
	if f.calls <= f.failures {
		return Snapshot{}, errors.New("disk busy")
	}
	return f.inner.Snapshot(ctx)
}

func TestManager_CreateRetries(t *testing.T) {
	src := newEngine(t)
	seedEngine(t, src)
	m := newBackupManager(t, true)

	meta, err := m.Create(context.Background(), &flakySource{inner: src.state, failures: 2})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, meta.Status)
	assert.Equal(t, 3, meta.Attempts)
}

func TestManager_CreateFailsAfterMaxRetries(t *testing.T) {
	m := newBackupManager(t, true)
	meta, err := m.Create(context.Background(), &flakySource{failures: 10})
	require.Error(t, err)
	assert.Equal(t, StatusFailed, meta.Status)
	assert.Equal(t, 3, meta.Attempts)
	assert.Contains(t, meta.ErrorMessage, "disk busy")

	_, statErr := os.Stat(filepath.Join(m.cfg.Dir, meta.BackupID))
	assert.True(t, errors.Is(statErr, os.ErrNotExist))

	err = m.Restore(context.Background(), meta.BackupID, nil, nil)
	assert.ErrorIs(t, err, ErrBackupNotRestorable)
}

func TestManager_CreateRejectsUnsafeDocumentIDs(t *testing.T) {
	m := newBackupManager(t, false)
	_, err := m.Create(context.Background(), staticSource{snap: Snapshot{Documents: []Document{{ID: "../escape", Data: json.RawMessage(`{}`)}}}})
	require.Error(t, err)
	_, statErr := os.Stat(filepath.Join(filepath.Dir(m.cfg.Dir), "escape.json"))
	assert.True(t, errors.Is(statErr, os.ErrNotExist))
}

type staticSource struct{ snap Snapshot }

func (s staticSource) Snapshot(context.Context) (Snapshot, error) { return s.snap, nil }

func writeArchive(t *testing.T, path string, members []tar.Header, body string) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)
	for _, hdr := range members {
		h := hdr
		if h.Typeflag == tar.TypeReg {
			h.Size = int64(len(body))
		}
		require.NoError(t, tw.WriteHeader(&h))
		if h.Typeflag == tar.TypeReg {
			_, err := tw.Write([]byte(body))
			require.NoError(t, err)
		}
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	require.NoError(t, f.Close())
}

func TestManager_RestoreRejectsUnsafeMembers(t *testing.T) {
	tests := []struct {
		name   string
		member tar.Header
	}{
		{"traversal", tar.Header{Name: "../evil.json", Typeflag: tar.TypeReg, Mode: 0o600}},
		{"nested traversal", tar.Header{Name: "documents/../../evil.json", Typeflag: tar.TypeReg, Mode: 0o600}},
		{"absolute", tar.Header{Name: "/tmp/evil.json", Typeflag: tar.TypeReg, Mode: 0o600}},
		{"symlink", tar.Header{Name: "documents/link.json", Typeflag: tar.TypeSymlink, Linkname: "/etc/passwd"}},
		{"hardlink", tar.Header{Name: "documents/hard.json", Typeflag: tar.TypeLink, Linkname: "manifest.json"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := newEngine(t)
			seedEngine(t, src)
			m := newBackupManager(t, true)
			meta, err := m.Create(context.Background(), src.state)
			require.NoError(t, err)

			writeArchive(t, m.archivePath(meta.BackupID), []tar.Header{
				{Name: "manifest.json", Typeflag: tar.TypeReg, Mode: 0o600},
				tt.member,
			}, "{}")

			dst := newEngine(t)
			err = m.Restore(context.Background(), meta.BackupID, dst.state, dst.state)
			assert.ErrorIs(t, err, ErrUnsafeArchive)
			_, statErr := os.Stat(filepath.Join(filepath.Dir(m.cfg.Dir), "evil.json"))
			assert.True(t, errors.Is(statErr, os.ErrNotExist))
			assert.Empty(t, dst.modes.ConversationIDs())
		})
	}
}

func TestManager_RestoreDetectsTampering(t *testing.T) {
	src := newEngine(t)
	seedEngine(t, src)
	m := newBackupManager(t, false)
	meta, err := m.Create(context.Background(), src.state)
	require.NoError(t, err)

	doc := filepath.Join(m.cfg.Dir, meta.BackupID, "documents", "conv-a.json")
	require.NoError(t, os.WriteFile(doc, []byte(`{"id":"conv-a","data":{}}`), 0o600))

	dst := newEngine(t)
	err = m.Restore(context.Background(), meta.BackupID, dst.state, dst.state)
	assert.ErrorIs(t, err, ErrChecksumMismatch)
}

type failingSink struct {
	inner   Sink
	applied int
}

func (f *failingSink) Apply(ctx context.Context, snap Snapshot) error {
	f.applied++
	if f.applied == 1 {
		return errors.New("apply exploded")
	}
	return f.inner.Apply(ctx, snap)
}

func TestManager_RestoreRollsBackOnApplyFailure(t *testing.T) {
	src := newEngine(t)
	seedEngine(t, src)
	m := newBackupManager(t, true)
	meta, err := m.Create(context.Background(), src.state)
	require.NoError(t, err)

	dst := newEngine(t)
	_, err = dst.modes.InitializeConversation(context.Background(), "keep-me", "user-2", hybrid.ModeChat, nil)
	require.NoError(t, err)

	sink := &failingSink{inner: dst.state}
	err = m.Restore(context.Background(), meta.BackupID, dst.state, sink)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "apply exploded")
	assert.Equal(t, 2, sink.applied)
	assert.Equal(t, []string{"keep-me"}, dst.modes.ConversationIDs())
}

func TestManager_CleanupExpiredAndDelete(t *testing.T) {
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	dir := t.TempDir()
	m, err := NewManager(Config{Dir: dir, Compress: true, RetentionDays: 7}, WithClock(clock))
	require.NoError(t, err)

	src := newEngine(t)
	seedEngine(t, src)
	old, err := m.Create(context.Background(), src.state)
	require.NoError(t, err)

	now = now.Add(8 * 24 * time.Hour)
	fresh, err := m.Create(context.Background(), src.state)
	require.NoError(t, err)

	removed, err := m.CleanupExpired()
	require.NoError(t, err)
	assert.Equal(t, []string{old.BackupID}, removed)
	_, err = m.Get(old.BackupID)
	assert.ErrorIs(t, err, ErrBackupNotFound)
	_, statErr := os.Stat(filepath.Join(dir, old.BackupID+archiveExt))
	assert.True(t, errors.Is(statErr, os.ErrNotExist))

	list := m.List()
	require.Len(t, list, 1)
	assert.Equal(t, fresh.BackupID, list[0].BackupID)

	require.NoError(t, m.Delete(fresh.BackupID))
	assert.ErrorIs(t, m.Delete(fresh.BackupID), ErrBackupNotFound)
	assert.Empty(t, m.List())
}

func TestNewManager_RequiresDir(t *testing.T) {
	_, err := NewManager(Config{})
	assert.Error(t, err)
}
