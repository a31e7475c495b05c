package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dotsetgreg/hybridmode/pkg/audit"
	"github.com/dotsetgreg/hybridmode/pkg/backup"
	"github.com/dotsetgreg/hybridmode/pkg/bus"
	"github.com/dotsetgreg/hybridmode/pkg/config"
	"github.com/dotsetgreg/hybridmode/pkg/hybrid"
	"github.com/dotsetgreg/hybridmode/pkg/logger"
	"github.com/dotsetgreg/hybridmode/pkg/memory"
	"github.com/dotsetgreg/hybridmode/pkg/metrics"
	"github.com/dotsetgreg/hybridmode/pkg/tools"
)

const (
	stateFileName   = "engine.json"
	recorderDrain   = 2 * time.Second
	eventBufferSize = 256
)

// engine wires the decision engine with its memory, event, journal and
// backup services for one CLI invocation.
type engine struct {
	cfg       *config.Config
	events    *bus.EventBus
	metrics   *metrics.Metrics
	memories  *memory.Manager
	sweeper   *memory.Sweeper
	tools     *tools.ToolRegistry
	modes     *hybrid.Manager
	journal   *audit.Store
	recorder  *audit.Recorder
	backups   *backup.Manager
	state     *backup.EngineState
	statePath string

	cancelRecorder context.CancelFunc
	recorderDone   chan struct{}
}

func openEngine(ctx context.Context, cfg *config.Config) (*engine, error) {
	workspace := cfg.WorkspacePath()
	e := &engine{
		cfg:       cfg,
		events:    bus.NewEventBus(eventBufferSize),
		metrics:   metrics.New(),
		tools:     tools.NewToolRegistry(),
		statePath: filepath.Join(workspace, "state", stateFileName),
	}
	metrics.WatchBus(e.metrics.Registry(), e.events)

	modeDefaults := cfg.ModeConfig()
	e.memories = memory.NewManager(memory.Config{
		Retention:    modeDefaults.MemoryRetention(),
		CacheTTL:     cfg.MemoryCacheTTL(),
		DefaultLimit: cfg.Memory.DefaultLimit,
	}, memory.WithObserver(e.metrics))

	sweeper, err := memory.NewSweeper(e.memories, cfg.Memory.SweepSchedule)
	if err != nil {
		return nil, err
	}
	e.sweeper = sweeper

	registered := e.tools.RegisterStatic(cfg.Tools.Catalog)
	logger.DebugCF("tools", "Tool catalog loaded", map[string]interface{}{
		"registered": registered,
		"declared":   len(cfg.Tools.Catalog),
	})

	e.modes, err = hybrid.NewManager(
		hybrid.WithDefaultConfig(modeDefaults),
		hybrid.WithToolProvider(e.tools),
		hybrid.WithMemoryStore(e.memories),
		hybrid.WithEventPublisher(e.events),
		hybrid.WithObserver(e.metrics),
	)
	if err != nil {
		return nil, err
	}

	e.backups, err = backup.NewManager(backup.Config{
		Dir:           cfg.BackupDir(),
		Compress:      cfg.Backup.Compress,
		RetentionDays: cfg.Backup.RetentionDays,
		MaxRetries:    cfg.Backup.MaxRetries,
		RetryBackoff:  cfg.BackupRetryBackoff(),
	})
	if err != nil {
		return nil, fmt.Errorf("open backups: %w", err)
	}
	e.state = &backup.EngineState{Modes: e.modes, Memories: e.memories, Jobs: e.sweeper}

	if err := e.loadState(ctx); err != nil {
		return nil, err
	}

	if cfg.Audit.Enabled {
		e.journal, err = audit.Open(cfg.AuditPath())
		if err != nil {
			return nil, fmt.Errorf("open audit journal: %w", err)
		}
		e.recorder = audit.NewRecorder(e.journal)
		recCtx, cancel := context.WithCancel(context.Background())
		e.cancelRecorder = cancel
		e.recorderDone = make(chan struct{})
		go func() {
			defer close(e.recorderDone)
			e.recorder.Run(recCtx, e.events)
		}()
	}

	return e, nil
}

// Close persists engine state, drains pending events into the journal and
// releases the journal.
func (e *engine) Close(ctx context.Context) error {
	var errs []error
	if err := e.saveState(ctx); err != nil {
		errs = append(errs, err)
	}
	e.events.Close()
	if e.recorderDone != nil {
		select {
		case <-e.recorderDone:
		case <-time.After(recorderDrain):
			logger.WarnCF("audit", "Journal drain timed out", map[string]interface{}{
				"pending": e.events.Pending(),
			})
			e.cancelRecorder()
			<-e.recorderDone
		}
		e.cancelRecorder()
	}
	if e.journal != nil {
		if err := e.journal.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (e *engine) loadState(ctx context.Context) error {
	data, err := os.ReadFile(e.statePath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read engine state: %w", err)
	}
	var snap backup.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("decode engine state %s: %w", e.statePath, err)
	}
	if err := e.state.Apply(ctx, snap); err != nil {
		return fmt.Errorf("apply engine state: %w", err)
	}
	// Memories may have expired since the last run.
	removed := e.memories.Sweep()
	logger.DebugCF("engine", "Engine state loaded", map[string]interface{}{
		"conversations":   len(snap.Documents),
		"expired_removed": removed,
	})
	return nil
}

func (e *engine) saveState(ctx context.Context) error {
	snap, err := e.state.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("snapshot engine state: %w", err)
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(e.statePath), 0755); err != nil {
		return err
	}
	tmp := e.statePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, e.statePath)
}

// ensureConversation initializes conversationID with the configured default
// mode if it does not exist yet.
func (e *engine) ensureConversation(ctx context.Context, conversationID, userID string) (*hybrid.ConversationModeState, error) {
	return e.modes.InitializeConversation(ctx, conversationID, userID, e.cfg.DefaultMode(), nil)
}

// sweepJournal drops journal rows older than the audit retention.
func (e *engine) sweepJournal(ctx context.Context) (int64, error) {
	if e.journal == nil || e.cfg.Audit.RetentionDays <= 0 {
		return 0, nil
	}
	before := time.Now().AddDate(0, 0, -e.cfg.Audit.RetentionDays)
	return e.journal.SweepRetention(ctx, before)
}
