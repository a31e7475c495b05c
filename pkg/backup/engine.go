package backup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/dotsetgreg/hybridmode/pkg/hybrid"
	"github.com/dotsetgreg/hybridmode/pkg/memory"
)

// MemoryStore is the part of the memory manager backups read and replace.
type MemoryStore interface {
	List(conversationID string) []memory.Memory
	Replace(conversationID string, memories []memory.Memory)
	Forget(conversationID string)
}

// JobHistory is the sweep history kept in jobs.json.
type JobHistory interface {
	Jobs() []memory.JobRecord
	RestoreJobs(jobs []memory.JobRecord)
}

// EngineState adapts the hybrid engine to Source and Sink. One document is
// written per conversation holding its mode state and live memories.
type EngineState struct {
	Modes    *hybrid.Manager
	Memories MemoryStore
	Jobs     JobHistory
}

type conversationDocument struct {
	State    hybrid.ConversationModeState `json:"state"`
	Memories []memory.Memory              `json:"memories"`
}

func (e *EngineState) Snapshot(ctx context.Context) (Snapshot, error) {
	states := e.Modes.Export()
	snap := Snapshot{Documents: make([]Document, 0, len(states))}
	for _, st := range states {
		if err := ctx.Err(); err != nil {
			return Snapshot{}, err
		}
		doc := conversationDocument{State: st, Memories: []memory.Memory{}}
		if e.Memories != nil {
			doc.Memories = append(doc.Memories, e.Memories.List(st.ConversationID)...)
		}
		raw, err := json.Marshal(doc)
		if err != nil {
			return Snapshot{}, fmt.Errorf("encode conversation %s: %w", st.ConversationID, err)
		}
		snap.Documents = append(snap.Documents, Document{ID: documentID(st.ConversationID), Data: raw})
	}
	if e.Jobs != nil {
		snap.Jobs = e.Jobs.Jobs()
	}
	return snap, nil
}

// Apply replaces engine state with snap. Documents are decoded and
// validated before anything is changed.
func (e *EngineState) Apply(ctx context.Context, snap Snapshot) error {
	docs := make([]conversationDocument, 0, len(snap.Documents))
	states := make([]hybrid.ConversationModeState, 0, len(snap.Documents))
	for _, d := range snap.Documents {
		var doc conversationDocument
		if err := json.Unmarshal(d.Data, &doc); err != nil {
			return fmt.Errorf("decode document %s: %w", d.ID, err)
		}
		docs = append(docs, doc)
		states = append(states, doc.State)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	before := e.Modes.ConversationIDs()
	if err := e.Modes.Import(states); err != nil {
		return err
	}
	if e.Memories != nil {
		for _, id := range before {
			e.Memories.Forget(id)
		}
		for _, doc := range docs {
			e.Memories.Replace(doc.State.ConversationID, doc.Memories)
		}
	}
	if e.Jobs != nil {
		e.Jobs.RestoreJobs(snap.Jobs)
	}
	return nil
}

// documentID keeps safe conversation ids as file names and hashes the rest.
func documentID(conversationID string) string {
	if docIDPattern.MatchString(conversationID) && len(conversationID) <= 128 {
		return conversationID
	}
	sum := sha256.Sum256([]byte(conversationID))
	return "conv-" + hex.EncodeToString(sum[:8])
}

var (
	_ Source = (*EngineState)(nil)
	_ Sink   = (*EngineState)(nil)
)
