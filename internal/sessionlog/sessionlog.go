// Package sessionlog persists per-call artifacts: the raw recognition
// transcript, the human-readable turn log, and the end-of-call summary.
// A janitor prunes session directories past the retention window.
package sessionlog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Store owns the session directory tree.
type Store struct {
	root string
	log  *slog.Logger
	now  func() time.Time
}

// NewStore creates the store rooted at root
// (/var/lib/libertycall/sessions in production).
func NewStore(root string, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{root: root, log: log, now: time.Now}
}

// transcriptLine is one recognition event in transcript.jsonl.
type transcriptLine struct {
	Timestamp string `json:"timestamp"`
	CallID    string `json:"call_id"`
	Text      string `json:"text"`
	IsFinal   bool   `json:"is_final"`
}

// Summary is the summary.json payload written at teardown. SessionID is a
// fresh identifier for the artifact set itself; UUID is the switch channel,
// which recycles across redials.
type Summary struct {
	SessionID       string    `json:"session_id"`
	ClientID        string    `json:"client_id"`
	UUID            string    `json:"uuid"`
	StartTime       time.Time `json:"start_time"`
	EndTime         time.Time `json:"end_time"`
	TotalPhrases    int       `json:"total_phrases"`
	Intents         []string  `json:"intents"`
	HandoffOccurred bool      `json:"handoff_occurred"`
	FinalPhase      string    `json:"final_phase"`
}

// Session writes the artifacts of one call. Methods are safe for use from
// the ASR results path and the dialogue engine concurrently.
type Session struct {
	id       string
	dir      string
	clientID string
	callID   string
	start    time.Time
	now      func() time.Time
	log      *slog.Logger

	mu         sync.Mutex
	transcript *os.File
	callLog    *os.File
	phrases    int
	intents    []string
	closed     bool
}

// Open allocates the session directory and its append-only files.
func (s *Store) Open(clientID, callID string) (*Session, error) {
	start := s.now()
	short := callID
	if len(short) > 8 {
		short = short[:8]
	}
	dir := filepath.Join(s.root, start.Format("2006-01-02"), clientID,
		fmt.Sprintf("session_%s_%s", start.Format("20060102150405"), short))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("sessionlog: create %q: %w", dir, err)
	}

	tf, err := os.OpenFile(filepath.Join(dir, "transcript.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("sessionlog: open transcript: %w", err)
	}
	cf, err := os.OpenFile(filepath.Join(dir, "call_log.txt"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		tf.Close()
		return nil, fmt.Errorf("sessionlog: open call log: %w", err)
	}

	return &Session{
		id:         uuid.NewString(),
		dir:        dir,
		clientID:   clientID,
		callID:     callID,
		start:      start,
		now:        s.now,
		log:        s.log,
		transcript: tf,
		callLog:    cf,
	}, nil
}

// Dir returns the session directory.
func (s *Session) Dir() string { return s.dir }

// Transcript appends one recognition event.
func (s *Session) Transcript(text string, final bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if final {
		s.phrases++
	}
	line, err := json.Marshal(transcriptLine{
		Timestamp: s.now().Format(time.RFC3339Nano),
		CallID:    s.callID,
		Text:      text,
		IsFinal:   final,
	})
	if err != nil {
		return
	}
	line = append(line, '\n')
	if _, err := s.transcript.Write(line); err != nil {
		s.log.Warn("sessionlog: transcript write failed", "call_id", s.callID, "err", err)
	}
}

// Turn appends one dialogue turn to the plaintext call log. templateID may
// be empty for caller turns.
func (s *Session) Turn(role, text, templateID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	line := fmt.Sprintf("[%s] %s: %s", s.now().Format("15:04:05"), role, text)
	if templateID != "" {
		line += fmt.Sprintf(" (template: %s)", templateID)
	}
	if _, err := fmt.Fprintln(s.callLog, line); err != nil {
		s.log.Warn("sessionlog: call log write failed", "call_id", s.callID, "err", err)
	}
}

// NoteIntent records one classified intent for the summary.
func (s *Session) NoteIntent(label string) {
	s.mu.Lock()
	s.intents = append(s.intents, label)
	s.mu.Unlock()
}

// Close writes summary.json and releases the files. Idempotent; the first
// call wins. The returned summary is what was persisted.
func (s *Session) Close(handoffOccurred bool, finalPhase string) (Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Summary{}, nil
	}
	s.closed = true
	s.transcript.Close()
	s.callLog.Close()

	sum := Summary{
		SessionID:       s.id,
		ClientID:        s.clientID,
		UUID:            s.callID,
		StartTime:       s.start,
		EndTime:         s.now(),
		TotalPhrases:    s.phrases,
		Intents:         append([]string(nil), s.intents...),
		HandoffOccurred: handoffOccurred,
		FinalPhase:      finalPhase,
	}
	raw, err := json.MarshalIndent(sum, "", "  ")
	if err != nil {
		return sum, fmt.Errorf("sessionlog: marshal summary: %w", err)
	}
	if err := os.WriteFile(filepath.Join(s.dir, "summary.json"), raw, 0o644); err != nil {
		return sum, fmt.Errorf("sessionlog: write summary: %w", err)
	}
	return sum, nil
}

// Janitor deletes day directories older than retention. It runs until ctx
// is cancelled, sweeping once per day plus once at startup.
func (s *Store) Janitor(ctx context.Context, retention time.Duration) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	s.sweep(retention)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(retention)
		}
	}
}

func (s *Store) sweep(retention time.Duration) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if !os.IsNotExist(err) {
			s.log.Warn("sessionlog: janitor read failed", "err", err)
		}
		return
	}
	cutoff := s.now().Add(-retention)
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		day, err := time.Parse("2006-01-02", e.Name())
		if err != nil {
			continue
		}
		if day.Before(cutoff) {
			path := filepath.Join(s.root, e.Name())
			if err := os.RemoveAll(path); err != nil {
				s.log.Warn("sessionlog: janitor delete failed", "path", path, "err", err)
			} else {
				s.log.Info("sessionlog: pruned old sessions", "path", path)
			}
		}
	}
}
