package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dotsetgreg/hybridmode/pkg/audit"
	"github.com/dotsetgreg/hybridmode/pkg/backup"
	"github.com/dotsetgreg/hybridmode/pkg/hybrid"
	"github.com/dotsetgreg/hybridmode/pkg/memory"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printDecision(w io.Writer, d *hybrid.ModeDecision) {
	fmt.Fprintf(w, "Conversation: %s\n", d.ConversationID)
	fmt.Fprintf(w, "Mode: %s -> %s (%s, confidence %.2f)\n", d.CurrentMode, d.RecommendedMode, d.Reason, d.Confidence)
	fmt.Fprintf(w, "Complexity: %.2f  Context relevance: %.2f\n", d.ComplexityScore, d.ContextRelevance)
	if len(d.AvailableTools) > 0 {
		fmt.Fprintf(w, "Tools: %s\n", strings.Join(d.AvailableTools, ", "))
	}
	if len(d.ReasoningSteps) > 0 {
		fmt.Fprintln(w, "Reasoning:")
		for _, step := range d.ReasoningSteps {
			fmt.Fprintf(w, "  %d. [%s] %s (%.2f)\n", step.Step, step.Kind, step.Conclusion, step.Confidence)
		}
	}
	if len(d.MemoryContext) > 0 {
		fmt.Fprintf(w, "Recalled memories: %d\n", len(d.MemoryContext))
	}
}

func printTransitions(w io.Writer, history []hybrid.ModeTransition) {
	if len(history) == 0 {
		fmt.Fprintln(w, "No mode changes.")
		return
	}
	for _, t := range history {
		fmt.Fprintf(w, "%s  %s -> %s  (%s)\n", t.Timestamp.Format(time.RFC3339), t.FromMode, t.ToMode, t.Reason)
	}
}

func printMemories(w io.Writer, memories []memory.Memory) {
	if len(memories) == 0 {
		fmt.Fprintln(w, "No memories.")
		return
	}
	for _, m := range memories {
		fmt.Fprintf(w, "%s  %-16s %.2f  %s\n", m.CreatedAt.Format(time.RFC3339), m.MemoryType, m.Importance, memory.MarshalContent(m.Content))
	}
}

func printJournal(w io.Writer, changes []audit.ModeChange) {
	if len(changes) == 0 {
		fmt.Fprintln(w, "No journaled mode changes.")
		return
	}
	for _, c := range changes {
		by := c.RequestedBy
		if by == "" {
			by = "-"
		}
		fmt.Fprintf(w, "%s  %s  %s -> %s  %s  by %s\n", c.At.Format(time.RFC3339), c.ConversationID, c.FromMode, c.ToMode, c.Reason, by)
	}
}

func printBackups(w io.Writer, backups []backup.Metadata) {
	if len(backups) == 0 {
		fmt.Fprintln(w, "No backups.")
		return
	}
	for _, b := range backups {
		fmt.Fprintf(w, "%s  %-11s %4d docs  %8d bytes  %s\n", b.BackupID, b.Status, b.DocumentCount, b.SizeBytes, b.CreatedAt.Format(time.RFC3339))
		if b.ErrorMessage != "" {
			fmt.Fprintf(w, "    error: %s\n", b.ErrorMessage)
		}
	}
}
