// Package template holds the voice-line registry: the static table mapping
// template ids ("004", "0604", "110" and so on) to caption text and playback
// metadata, and the audio-path resolution rules for the prompt library.
//
// Templates are immutable after load. The runtime never synthesises speech;
// every line the gateway speaks is a prerendered WAV selected by id.
package template

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Template describes one voice line.
type Template struct {
	// ID is the short template identifier, e.g. "004" or "023_AI_IDENTITY".
	ID string `json:"-"`

	// Text is the human-readable caption, used only for logs and for
	// offline regeneration of the audio files.
	Text string `json:"text"`

	// Voice and Rate are TTS metadata for offline regeneration.
	Voice string  `json:"voice,omitempty"`
	Rate  float64 `json:"rate,omitempty"`

	// WaitTimeAfter asks the playback coordinator to pause this many
	// seconds before accepting caller input again.
	WaitTimeAfter float64 `json:"wait_time_after,omitempty"`

	// AutoHangup schedules a hangup once playback of this line completes.
	AutoHangup bool `json:"auto_hangup,omitempty"`
}

// Registry is the merged template table for one client: system defaults
// overlaid with the client's own overrides. Registries are immutable after
// construction and safe for concurrent use.
type Registry struct {
	templates map[string]Template
}

// ErrNotFound is returned by [Registry.Lookup] for unknown template ids.
var ErrNotFound = errors.New("template: not found")

// Load reads the system default table at systemPath and, when clientPath is
// non-empty and exists, overlays the client's table so client entries win.
// A missing system file is an error; a missing client file is not.
func Load(systemPath, clientPath string) (*Registry, error) {
	base, err := loadFile(systemPath)
	if err != nil {
		return nil, fmt.Errorf("template: system table: %w", err)
	}

	if clientPath != "" {
		overrides, err := loadFile(clientPath)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			// Client keeps the defaults.
		case err != nil:
			return nil, fmt.Errorf("template: client table: %w", err)
		default:
			for id, t := range overrides {
				base[id] = t
			}
		}
	}

	return &Registry{templates: base}, nil
}

// NewFromMap builds a Registry directly from a template map. Intended for
// tests and for the minimal default profile.
func NewFromMap(templates map[string]Template) *Registry {
	cp := make(map[string]Template, len(templates))
	for id, t := range templates {
		t.ID = id
		cp[id] = t
	}
	return &Registry{templates: cp}
}

func loadFile(path string) (map[string]Template, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var table map[string]Template
	if err := json.Unmarshal(raw, &table); err != nil {
		return nil, fmt.Errorf("parse %q: %w", path, err)
	}
	for id, t := range table {
		t.ID = id
		table[id] = t
	}
	return table, nil
}

// Lookup returns the template for id, or [ErrNotFound].
func (r *Registry) Lookup(id string) (Template, error) {
	t, ok := r.templates[id]
	if !ok {
		return Template{}, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	return t, nil
}

// Has reports whether id is present in the table.
func (r *Registry) Has(id string) bool {
	_, ok := r.templates[id]
	return ok
}

// Len returns the number of templates in the merged table.
func (r *Registry) Len() int { return len(r.templates) }

// RenderText concatenates the captions of ids with single spaces, skipping
// unknown ids. Used only for transcripts and the call log.
func (r *Registry) RenderText(ids []string) string {
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		if t, ok := r.templates[id]; ok && t.Text != "" {
			parts = append(parts, t.Text)
		}
	}
	return strings.Join(parts, " ")
}

// audioSuffixes is the probe order for prompt WAVs inside a client's audio
// directory. The _8k variants are pre-downsampled for the softswitch.
var audioSuffixes = []string{".wav", "_8k.wav", "_8k_norm.wav"}

// ResolveAudioPath returns the first existing WAV for id under audioDir,
// probing <id>.wav, <id>_8k.wav, then <id>_8k_norm.wav. Returns "" when no
// candidate exists; the caller decides on fallback substitution.
func ResolveAudioPath(audioDir, id string) string {
	for _, suffix := range audioSuffixes {
		p := filepath.Join(audioDir, id+suffix)
		if st, err := os.Stat(p); err == nil && !st.IsDir() {
			return p
		}
	}
	return ""
}
