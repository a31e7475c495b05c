package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"github.com/dotsetgreg/hybridmode/pkg/hybrid"
	"github.com/dotsetgreg/hybridmode/pkg/memory"
)

const replHistoryLimit = 50

// replSession routes every typed line through DecideMode and keeps the
// conversation messages that feed the next decision.
type replSession struct {
	eng            *engine
	out            io.Writer
	conversationID string
	userID         string
	messages       []hybrid.Message
}

func newReplSession(eng *engine, out io.Writer, conversationID, userID string) *replSession {
	return &replSession{eng: eng, out: out, conversationID: conversationID, userID: userID}
}

func (s *replSession) prompt() string {
	mode := hybrid.ModeAuto
	if st, err := s.eng.modes.GetState(s.conversationID); err == nil {
		mode = st.CurrentMode
	}
	return fmt.Sprintf("%s [%s] You: ", appName, mode)
}

// handle processes one input line. quit is true when the session should end.
func (s *replSession) handle(ctx context.Context, line string) (quit bool, err error) {
	input := strings.TrimSpace(line)
	switch {
	case input == "":
		return false, nil
	case input == "exit" || input == "quit" || input == "/exit":
		return true, nil
	case strings.HasPrefix(input, "/"):
		return false, s.command(ctx, input)
	}

	decision, err := s.eng.modes.DecideMode(ctx, hybrid.DecideRequest{
		ConversationID: s.conversationID,
		UserMessage:    input,
		Context:        &hybrid.ConversationContext{Messages: s.messages},
	})
	if err != nil {
		return false, err
	}
	if err := applyDecision(ctx, s.eng, decision); err != nil {
		return false, err
	}
	if _, err := s.eng.modes.RecordMemory(ctx, s.conversationID, memory.TypeUserInteraction, map[string]any{"message": input}, memory.DefaultImportance); err != nil {
		return false, err
	}

	s.messages = append(s.messages, hybrid.Message{Role: hybrid.RoleUser, Content: input, Timestamp: decision.Timestamp})
	if len(s.messages) > replHistoryLimit {
		s.messages = append([]hybrid.Message(nil), s.messages[len(s.messages)-replHistoryLimit:]...)
	}

	fmt.Fprintf(s.out, "\n%s -> %s (%s, confidence %.2f, complexity %.2f)\n\n",
		appName, decision.RecommendedMode, decision.Reason, decision.Confidence, decision.ComplexityScore)
	return false, nil
}

func (s *replSession) command(ctx context.Context, input string) error {
	fields := strings.Fields(input)
	switch fields[0] {
	case "/help":
		fmt.Fprintln(s.out, "Commands: /mode [chat|agent|auto], /stats, /memories, /history, /reset, /exit")
	case "/mode":
		if len(fields) == 1 {
			st, err := s.eng.modes.GetState(s.conversationID)
			if err != nil {
				return err
			}
			fmt.Fprintf(s.out, "Current mode: %s\n", st.CurrentMode)
			return nil
		}
		mode, err := hybrid.ParseMode(fields[1])
		if err != nil {
			return err
		}
		resp, err := s.eng.modes.ChangeMode(ctx, hybrid.ModeChangeRequest{
			ConversationID: s.conversationID,
			NewMode:        mode,
			RequestedBy:    s.userID,
		})
		if err != nil {
			return err
		}
		fmt.Fprintln(s.out, resp.Message)
	case "/stats":
		return printJSON(s.out, engineStats(s.eng))
	case "/memories":
		printMemories(s.out, s.eng.memories.List(s.conversationID))
	case "/history":
		st, err := s.eng.modes.GetState(s.conversationID)
		if err != nil {
			return err
		}
		printTransitions(s.out, st.ModeHistory)
	case "/reset":
		st, err := s.eng.modes.ResetConversation(ctx, s.conversationID, s.userID, s.eng.cfg.DefaultMode(), nil)
		if err != nil {
			return err
		}
		s.messages = nil
		fmt.Fprintf(s.out, "Conversation reset to %s mode\n", st.CurrentMode)
	default:
		fmt.Fprintf(s.out, "Unknown command: %s (try /help)\n", fields[0])
	}
	return nil
}

func interactiveMode(ctx context.Context, s *replSession) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          s.prompt(),
		HistoryFile:     filepath.Join(os.TempDir(), ".hybridmode_history"),
		HistoryLimit:    100,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		fmt.Fprintf(s.out, "Error initializing readline: %v\n", err)
		fmt.Fprintln(s.out, "Falling back to simple input mode...")
		return simpleInteractiveMode(ctx, s, os.Stdin)
	}
	defer rl.Close()

	for {
		rl.SetPrompt(s.prompt())
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt || err == io.EOF {
				fmt.Fprintln(s.out, "\nGoodbye!")
				return nil
			}
			fmt.Fprintf(s.out, "Error reading input: %v\n", err)
			continue
		}
		if done := s.step(ctx, line); done {
			return nil
		}
	}
}

func simpleInteractiveMode(ctx context.Context, s *replSession, in io.Reader) error {
	reader := bufio.NewReader(in)
	for {
		fmt.Fprint(s.out, s.prompt())
		line, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				if strings.TrimSpace(line) != "" {
					s.step(ctx, line)
				}
				fmt.Fprintln(s.out, "\nGoodbye!")
				return nil
			}
			fmt.Fprintf(s.out, "Error reading input: %v\n", err)
			continue
		}
		if done := s.step(ctx, line); done {
			return nil
		}
	}
}

func (s *replSession) step(ctx context.Context, line string) bool {
	if ctx.Err() != nil {
		return true
	}
	quit, err := s.handle(ctx, line)
	if err != nil {
		fmt.Fprintf(s.out, "Error: %v\n", err)
		return false
	}
	if quit {
		fmt.Fprintln(s.out, "Goodbye!")
		return true
	}
	return false
}
