package backup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dotsetgreg/hybridmode/pkg/logger"
	"github.com/dotsetgreg/hybridmode/pkg/memory"
	"github.com/google/uuid"
)

const (
	metadataFile = "backup_metadata.json"
	manifestFile = "manifest.json"
	jobsFile     = "jobs.json"
	documentsDir = "documents"
	archiveExt   = ".tar.gz"
)

var docIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

type Config struct {
	Dir           string
	Compress      bool
	RetentionDays int
	MaxRetries    int
	RetryBackoff  time.Duration
}

// Manager writes, lists and restores backups under Config.Dir.
type Manager struct {
	cfg Config
	now func() time.Time

	mu   sync.Mutex
	meta map[string]*Metadata
}

type Option func(*Manager)

func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

func NewManager(cfg Config, opts ...Option) (*Manager, error) {
	if strings.TrimSpace(cfg.Dir) == "" {
		return nil, fmt.Errorf("backup dir is required")
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 30
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 200 * time.Millisecond
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create backup dir: %w", err)
	}
	m := &Manager{cfg: cfg, now: time.Now, meta: map[string]*Metadata{}}
	for _, opt := range opts {
		opt(m)
	}
	if err := m.loadMetadata(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) loadMetadata() error {
	data, err := os.ReadFile(filepath.Join(m.cfg.Dir, metadataFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read backup metadata: %w", err)
	}
	if err := json.Unmarshal(data, &m.meta); err != nil {
		return fmt.Errorf("parse backup metadata: %w", err)
	}
	if m.meta == nil {
		m.meta = map[string]*Metadata{}
	}
	return nil
}

// saveMetadataLocked writes the metadata file atomically. Caller holds mu.
func (m *Manager) saveMetadataLocked() error {
	data, err := json.MarshalIndent(m.meta, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(m.cfg.Dir, metadataFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write backup metadata: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace backup metadata: %w", err)
	}
	return nil
}

func (m *Manager) update(id string, fn func(*Metadata)) (Metadata, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	meta, ok := m.meta[id]
	if !ok {
		return Metadata{}, fmt.Errorf("%w: %s", ErrBackupNotFound, id)
	}
	fn(meta)
	return *meta, m.saveMetadataLocked()
}

func (m *Manager) newBackupID() string {
	return fmt.Sprintf("backup_%s_%s", m.now().UTC().Format("20060102_150405"), uuid.NewString()[:8])
}

// Create backs up src. Failed attempts are rolled back and retried up to
// MaxRetries times; the final status is recorded either way.
func (m *Manager) Create(ctx context.Context, src Source) (Metadata, error) {
	id := m.newBackupID()
	m.mu.Lock()
	m.meta[id] = &Metadata{
		BackupID:      id,
		BackupType:    TypeFull,
		Status:        StatusPending,
		CreatedAt:     m.now(),
		RetentionDays: m.cfg.RetentionDays,
		Compressed:    m.cfg.Compress,
	}
	err := m.saveMetadataLocked()
	m.mu.Unlock()
	if err != nil {
		return Metadata{}, err
	}

	var lastErr error
	for attempt := 1; attempt <= m.cfg.MaxRetries; attempt++ {
		if _, err := m.update(id, func(md *Metadata) {
			md.Status = StatusInProgress
			md.Attempts = attempt
		}); err != nil {
			return Metadata{}, err
		}

		result, err := m.write(ctx, id, src)
		if err == nil {
			completed := m.now()
			meta, err := m.update(id, func(md *Metadata) {
				md.Status = StatusCompleted
				md.CompletedAt = &completed
				md.SizeBytes = result.size
				md.DocumentCount = result.documents
				md.CompressionRatio = result.ratio
				md.ErrorMessage = ""
			})
			if err != nil {
				return Metadata{}, err
			}
			logger.InfoCF("backup", "Backup completed", map[string]interface{}{
				"backup_id":  id,
				"documents":  result.documents,
				"size_bytes": result.size,
				"attempts":   attempt,
			})
			return meta, nil
		}

		lastErr = err
		m.rollback(id)
		logger.WarnCF("backup", "Backup attempt failed", map[string]interface{}{
			"backup_id": id,
			"attempt":   attempt,
			"error":     err.Error(),
		})
		if ctx.Err() != nil || attempt == m.cfg.MaxRetries {
			break
		}
		timer := time.NewTimer(m.cfg.RetryBackoff * time.Duration(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
		case <-timer.C:
		}
		if ctx.Err() != nil {
			lastErr = errors.Join(lastErr, ctx.Err())
			break
		}
	}

	meta, err := m.update(id, func(md *Metadata) {
		md.Status = StatusFailed
		md.ErrorMessage = lastErr.Error()
	})
	if err != nil {
		return Metadata{}, errors.Join(lastErr, err)
	}
	logger.ErrorCF("backup", "Backup failed", map[string]interface{}{
		"backup_id": id,
		"attempts":  meta.Attempts,
		"error":     lastErr.Error(),
	})
	return meta, fmt.Errorf("backup %s failed: %w", id, lastErr)
}

type writeResult struct {
	size      int64
	documents int
	ratio     float64
}

func (m *Manager) write(ctx context.Context, id string, src Source) (writeResult, error) {
	snap, err := src.Snapshot(ctx)
	if err != nil {
		return writeResult{}, fmt.Errorf("snapshot state: %w", err)
	}
	dir := m.backupDir(id)
	if err := os.MkdirAll(filepath.Join(dir, documentsDir), 0o755); err != nil {
		return writeResult{}, err
	}

	manifest := Manifest{BackupID: id, CreatedAt: m.now(), DocumentCount: len(snap.Documents), Files: map[string]string{}}
	seen := map[string]struct{}{}
	for _, doc := range snap.Documents {
		if err := ctx.Err(); err != nil {
			return writeResult{}, err
		}
		if !docIDPattern.MatchString(doc.ID) {
			return writeResult{}, fmt.Errorf("document id %q is not a safe file name", doc.ID)
		}
		if _, dup := seen[doc.ID]; dup {
			return writeResult{}, fmt.Errorf("duplicate document id %q", doc.ID)
		}
		seen[doc.ID] = struct{}{}
		rel := documentsDir + "/" + doc.ID + ".json"
		if err := writeJSON(filepath.Join(dir, filepath.FromSlash(rel)), doc); err != nil {
			return writeResult{}, err
		}
		sum, err := fileSHA256(filepath.Join(dir, filepath.FromSlash(rel)))
		if err != nil {
			return writeResult{}, err
		}
		manifest.Files[rel] = sum
	}

	jobs := snap.Jobs
	if jobs == nil {
		jobs = []memory.JobRecord{}
	}
	if err := writeJSON(filepath.Join(dir, jobsFile), jobs); err != nil {
		return writeResult{}, err
	}
	sum, err := fileSHA256(filepath.Join(dir, jobsFile))
	if err != nil {
		return writeResult{}, err
	}
	manifest.Files[jobsFile] = sum
	if err := writeJSON(filepath.Join(dir, manifestFile), manifest); err != nil {
		return writeResult{}, err
	}

	res := writeResult{documents: len(snap.Documents), ratio: 1}
	if !m.cfg.Compress {
		res.size, err = dirSize(dir)
		return res, err
	}

	archive := m.archivePath(id)
	raw, err := packDir(dir, archive)
	if err != nil {
		return writeResult{}, fmt.Errorf("compress backup: %w", err)
	}
	info, err := os.Stat(archive)
	if err != nil {
		return writeResult{}, err
	}
	res.size = info.Size()
	if raw > 0 {
		res.ratio = float64(info.Size()) / float64(raw)
	}
	if err := os.RemoveAll(dir); err != nil {
		return writeResult{}, err
	}
	return res, nil
}

// rollback removes partial artifacts of a failed attempt.
func (m *Manager) rollback(id string) {
	_ = os.RemoveAll(m.backupDir(id))
	_ = os.Remove(m.archivePath(id))
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func (m *Manager) backupDir(id string) string   { return filepath.Join(m.cfg.Dir, id) }
func (m *Manager) archivePath(id string) string { return filepath.Join(m.cfg.Dir, id+archiveExt) }

// Restore verifies backup id and applies it to sink. The state reported by
// current is captured first and re-applied if applying the backup fails.
func (m *Manager) Restore(ctx context.Context, id string, current Source, sink Sink) error {
	meta, err := m.Get(id)
	if err != nil {
		return err
	}
	if meta.Status != StatusCompleted {
		return fmt.Errorf("%w: %s is %s", ErrBackupNotRestorable, id, meta.Status)
	}

	root := m.backupDir(id)
	if meta.Compressed {
		tmp, err := os.MkdirTemp(m.cfg.Dir, ".restore-*")
		if err != nil {
			return err
		}
		defer os.RemoveAll(tmp)
		archive := m.archivePath(id)
		if err := inspectArchive(archive); err != nil {
			return err
		}
		if err := unpackArchive(archive, tmp); err != nil {
			return err
		}
		root = tmp
	}

	snap, err := readVerified(root)
	if err != nil {
		return err
	}

	previous, err := current.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("snapshot current state: %w", err)
	}
	if err := sink.Apply(ctx, snap); err != nil {
		logger.ErrorCF("backup", "Restore failed, rolling back", map[string]interface{}{
			"backup_id": id,
			"error":     err.Error(),
		})
		if rbErr := sink.Apply(context.WithoutCancel(ctx), previous); rbErr != nil {
			return errors.Join(fmt.Errorf("apply backup %s: %w", id, err), fmt.Errorf("rollback: %w", rbErr))
		}
		return fmt.Errorf("apply backup %s: %w", id, err)
	}
	logger.InfoCF("backup", "Backup restored", map[string]interface{}{
		"backup_id": id,
		"documents": len(snap.Documents),
	})
	return nil
}

// readVerified loads a backup tree after checking every manifest checksum.
func readVerified(root string) (Snapshot, error) {
	var manifest Manifest
	data, err := os.ReadFile(filepath.Join(root, manifestFile))
	if err != nil {
		return Snapshot{}, fmt.Errorf("read manifest: %w", err)
	}
	if err := json.Unmarshal(data, &manifest); err != nil {
		return Snapshot{}, fmt.Errorf("parse manifest: %w", err)
	}

	names := make([]string, 0, len(manifest.Files))
	for name := range manifest.Files {
		names = append(names, name)
	}
	sort.Strings(names)

	var snap Snapshot
	for _, name := range names {
		p := filepath.Join(root, filepath.FromSlash(name))
		if strings.HasPrefix(name, "/") || filepath.IsAbs(name) || !pathWithin(p, root) {
			return Snapshot{}, fmt.Errorf("%w: manifest entry %q", ErrUnsafeArchive, name)
		}
		sum, err := fileSHA256(p)
		if err != nil {
			return Snapshot{}, fmt.Errorf("checksum %s: %w", name, err)
		}
		if sum != manifest.Files[name] {
			return Snapshot{}, fmt.Errorf("%w: %s", ErrChecksumMismatch, name)
		}
		raw, err := os.ReadFile(p)
		if err != nil {
			return Snapshot{}, err
		}
		switch {
		case name == jobsFile:
			if err := json.Unmarshal(raw, &snap.Jobs); err != nil {
				return Snapshot{}, fmt.Errorf("parse %s: %w", name, err)
			}
		case strings.HasPrefix(name, documentsDir+"/"):
			var doc Document
			if err := json.Unmarshal(raw, &doc); err != nil {
				return Snapshot{}, fmt.Errorf("parse %s: %w", name, err)
			}
			snap.Documents = append(snap.Documents, doc)
		}
	}
	if len(snap.Documents) != manifest.DocumentCount {
		return Snapshot{}, fmt.Errorf("%w: manifest lists %d documents, found %d", ErrChecksumMismatch, manifest.DocumentCount, len(snap.Documents))
	}
	return snap, nil
}

// List returns all backups, newest first.
func (m *Manager) List() []Metadata {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Metadata, 0, len(m.meta))
	for _, meta := range m.meta {
		out = append(out, *meta)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].BackupID > out[j].BackupID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

func (m *Manager) Get(id string) (Metadata, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	meta, ok := m.meta[id]
	if !ok {
		return Metadata{}, fmt.Errorf("%w: %s", ErrBackupNotFound, id)
	}
	return *meta, nil
}

// Delete removes the backup artifacts and its metadata entry.
func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.meta[id]; !ok {
		return fmt.Errorf("%w: %s", ErrBackupNotFound, id)
	}
	if err := os.RemoveAll(m.backupDir(id)); err != nil {
		return err
	}
	if err := os.Remove(m.archivePath(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	delete(m.meta, id)
	return m.saveMetadataLocked()
}

// CleanupExpired deletes backups older than their retention and returns
// the removed ids.
func (m *Manager) CleanupExpired() ([]string, error) {
	now := m.now()
	var expired []string
	for _, meta := range m.List() {
		if meta.Status == StatusInProgress || meta.Status == StatusPending {
			continue
		}
		retention := time.Duration(meta.RetentionDays) * 24 * time.Hour
		if now.Sub(meta.CreatedAt) > retention {
			expired = append(expired, meta.BackupID)
		}
	}
	var errs []error
	removed := make([]string, 0, len(expired))
	for _, id := range expired {
		if err := m.Delete(id); err != nil {
			errs = append(errs, err)
			continue
		}
		removed = append(removed, id)
	}
	if len(removed) > 0 {
		logger.InfoCF("backup", "Expired backups removed", map[string]interface{}{
			"count": len(removed),
		})
	}
	return removed, errors.Join(errs...)
}
