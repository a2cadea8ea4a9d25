// Package clients loads per-client profiles: where a client's prompt audio
// lives, its template overrides, and how its calls reach a human operator.
package clients

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/libertycall/gateway/internal/template"
)

// Profile is the per-client runtime configuration.
type Profile struct {
	ID string `json:"-"`

	// AudioDir holds the client's prerendered prompt WAVs. Relative to the
	// client directory when set in profile.json; defaults to <dir>/audio.
	AudioDir string `json:"audio_dir"`

	// TransferNumber is the operator destination; empty means no handoff
	// route exists for this client.
	TransferNumber string `json:"transfer_number"`

	// CallerIDOverride is set on the channel before a transfer so the
	// operator's phone shows the campaign number.
	CallerIDOverride string `json:"caller_id_override"`

	// Templates is the merged system+client template table.
	Templates *template.Registry `json:"-"`
}

// HasOperatorRoute reports whether handoff confirmation makes sense for
// this client.
func (p *Profile) HasOperatorRoute() bool { return p.TransferNumber != "" }

// Loader resolves profiles from the clients and config roots.
type Loader struct {
	clientsRoot string
	configRoot  string
	log         *slog.Logger
}

// NewLoader creates a profile loader. clientsRoot is the per-client tree
// (/opt/libertycall/clients), configRoot holds the system-wide defaults.
func NewLoader(clientsRoot, configRoot string, log *slog.Logger) *Loader {
	if log == nil {
		log = slog.Default()
	}
	return &Loader{clientsRoot: clientsRoot, configRoot: configRoot, log: log}
}

// systemTemplatesPath is the process-wide default table.
func (l *Loader) systemTemplatesPath() string {
	return filepath.Join(l.configRoot, "templates.json")
}

// Load reads the profile for id. A missing client directory or profile file
// degrades to a minimal default rather than failing the call.
func (l *Loader) Load(id string) (*Profile, error) {
	dir := filepath.Join(l.clientsRoot, id)

	reg, err := template.Load(l.systemTemplatesPath(), filepath.Join(dir, "templates.json"))
	if err != nil {
		return nil, fmt.Errorf("clients: templates for %q: %w", id, err)
	}

	p := &Profile{
		ID:        id,
		AudioDir:  filepath.Join(dir, "audio"),
		Templates: reg,
	}

	raw, err := os.ReadFile(filepath.Join(dir, "profile.json"))
	switch {
	case errors.Is(err, fs.ErrNotExist):
		l.log.Warn("clients: profile missing, using minimal default", "client_id", id)
		return p, nil
	case err != nil:
		return nil, fmt.Errorf("clients: read profile for %q: %w", id, err)
	}

	if err := json.Unmarshal(raw, p); err != nil {
		return nil, fmt.Errorf("clients: parse profile for %q: %w", id, err)
	}
	p.ID = id
	if p.AudioDir == "" {
		p.AudioDir = filepath.Join(dir, "audio")
	}
	return p, nil
}

// Resolve picks the client id for an incoming call with the fixed priority:
// explicit override, SIP header tag, destination-number table, caller-number
// table, then the configured default.
func Resolve(explicit, sipTag string, destination, caller string,
	byDestination, byCaller map[string]string, defaultID string) string {
	switch {
	case explicit != "":
		return explicit
	case sipTag != "":
		return sipTag
	}
	if id, ok := byDestination[destination]; ok {
		return id
	}
	if id, ok := byCaller[caller]; ok {
		return id
	}
	return defaultID
}
