package backup

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/dotsetgreg/hybridmode/pkg/memory"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// TypeFull is the only backup type written today: every conversation and
// the sweep job history.
const TypeFull = "full"

var (
	ErrBackupNotFound      = errors.New("backup not found")
	ErrBackupNotRestorable = errors.New("backup is not restorable")
	ErrUnsafeArchive       = errors.New("unsafe backup archive")
	ErrChecksumMismatch    = errors.New("backup checksum mismatch")
)

// Metadata is one entry of backup_metadata.json.
type Metadata struct {
	BackupID         string     `json:"backup_id"`
	BackupType       string     `json:"backup_type"`
	Status           Status     `json:"status"`
	CreatedAt        time.Time  `json:"created_at"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	SizeBytes        int64      `json:"size_bytes"`
	DocumentCount    int        `json:"document_count"`
	RetentionDays    int        `json:"retention_days"`
	ErrorMessage     string     `json:"error_message,omitempty"`
	CompressionRatio float64    `json:"compression_ratio"`
	Compressed       bool       `json:"compressed"`
	Attempts         int        `json:"attempts"`
}

// Document is one JSON document stored under documents/<id>.json.
type Document struct {
	ID   string          `json:"id"`
	Data json.RawMessage `json:"data"`
}

// Snapshot is the content of one backup.
type Snapshot struct {
	Documents []Document         `json:"documents"`
	Jobs      []memory.JobRecord `json:"jobs"`
}

// Source produces the state to back up.
type Source interface {
	Snapshot(ctx context.Context) (Snapshot, error)
}

// Sink installs restored state.
type Sink interface {
	Apply(ctx context.Context, snap Snapshot) error
}

// Manifest is manifest.json: sha256 of every file in the backup.
type Manifest struct {
	BackupID      string            `json:"backup_id"`
	CreatedAt     time.Time         `json:"created_at"`
	DocumentCount int               `json:"document_count"`
	Files         map[string]string `json:"files"`
}
