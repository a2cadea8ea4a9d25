package call

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/libertycall/gateway/internal/asr"
	"github.com/libertycall/gateway/internal/clients"
	"github.com/libertycall/gateway/internal/config"
	"github.com/libertycall/gateway/internal/esl"
	"github.com/libertycall/gateway/internal/ingress"
	"github.com/libertycall/gateway/internal/intent"
	"github.com/libertycall/gateway/internal/observe"
	"github.com/libertycall/gateway/internal/playback"
	"github.com/libertycall/gateway/internal/sessionlog"
	"github.com/libertycall/gateway/internal/template"
	"github.com/libertycall/gateway/pkg/audio"
)

// SwitchClient adds the recording commands to the per-call command surface.
// Satisfied by [esl.Client].
type SwitchClient interface {
	Switch
	RecordStart(ctx context.Context, uuid, path string) error
	RecordStop(ctx context.Context, uuid, path string) error
}

var _ SwitchClient = (*esl.Client)(nil)

// portUnmapper releases an audio ingress route when a call ends.
type portUnmapper interface {
	UnmapCall(uuid string)
}

const (
	// introPad is the silence before the greeting sequence starts.
	introPad = 500 * time.Millisecond

	// introEstimate stands in for a greeting clip whose duration cannot be
	// read from disk.
	introEstimate = 3 * time.Second

	// introClientID gets the long three-part opening instead of the default
	// two-part greeting.
	introClientID = "001"

	// minClipDuration clamps on-disk clip durations when estimating the
	// greeting window.
	minClipDuration = 500 * time.Millisecond
)

var (
	introLong    = []string{"000", "001", "002"}
	introDefault = []string{"004", "005"}
)

// ManagerConfig carries the process-wide collaborators of the lifecycle
// manager.
type ManagerConfig struct {
	Cfg         *config.Config
	Switch      SwitchClient
	Coordinator *playback.Coordinator
	Loader      *clients.Loader
	Store       *sessionlog.Store
	PG          *sessionlog.PGSink
	Provider    asr.Provider
	Metrics     *observe.Metrics
	Assist      *intent.Assist
	Ports       portUnmapper
	Logger      *slog.Logger
}

// Manager drives call lifecycles: it turns init frames into sessions, routes
// softswitch events and audio frames to them, and cleans up after hangup.
type Manager struct {
	cfg      *config.Config
	sw       SwitchClient
	coord    *playback.Coordinator
	loader   *clients.Loader
	store    *sessionlog.Store
	pg       *sessionlog.PGSink
	provider asr.Provider
	metrics  *observe.Metrics
	assist   *intent.Assist
	ports    portUnmapper
	registry *Registry
	log      *slog.Logger
}

// NewManager wires a lifecycle manager.
func NewManager(mc ManagerConfig) *Manager {
	logger := mc.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:      mc.Cfg,
		sw:       mc.Switch,
		coord:    mc.Coordinator,
		loader:   mc.Loader,
		store:    mc.Store,
		pg:       mc.PG,
		provider: mc.Provider,
		metrics:  mc.Metrics,
		assist:   mc.Assist,
		ports:    mc.Ports,
		registry: NewRegistry(),
		log:      logger,
	}
}

// Registry exposes the live-call set for readiness checks.
func (m *Manager) Registry() *Registry { return m.registry }

// OnInit handles a call-setup frame: resolve the client, allocate the
// session, start recording and dispatch the greeting.
func (m *Manager) OnInit(ctx context.Context, req ingress.InitRequest) error {
	clientID := clients.Resolve(
		req.ClientID, req.SIPHeaders[m.cfg.Routing.SIPHeader],
		req.DestinationNumber, req.CallerNumber,
		m.cfg.Routing.ByDestination, m.cfg.Routing.ByCaller,
		m.cfg.Routing.DefaultClient)

	profile, err := m.loader.Load(clientID)
	if err != nil {
		return fmt.Errorf("call: load client %q: %w", clientID, err)
	}
	sessLog, err := m.store.Open(profile.ID, req.CallID)
	if err != nil {
		return fmt.Errorf("call: open session log: %w", err)
	}

	uuid := req.CallID
	savePath := ""
	if m.cfg.Debug.SaveWAV {
		savePath = filepath.Join(sessLog.Dir(), "ingress.wav")
	}
	s := NewSession(SessionConfig{
		CallID:           req.CallID,
		UUID:             uuid,
		CallerNumber:     req.CallerNumber,
		Profile:          profile,
		Switch:           m.sw,
		Log:              sessLog,
		PG:               m.pg,
		Metrics:          m.metrics,
		Logger:           m.log,
		Assist:           m.assist,
		BargeInThreshold: m.cfg.Dialog.BargeInThreshold,
		SilenceTimeout:   time.Duration(m.cfg.Dialog.SilenceTimeoutMs) * time.Millisecond,
		NoiseSuppression: m.cfg.Dialog.NoiseSuppression,
		SaveWAVPath:      savePath,
		OnTeardown:       m.cleanup,
	})
	player := m.coord.Register(uuid, profile.AudioDir, profile.Templates,
		m.cfg.Dialog.FallbackTemplate, s)
	s.AttachPlayer(player)

	if !m.registry.Add(s) {
		m.coord.Unregister(uuid)
		return fmt.Errorf("call: %s already active", req.CallID)
	}

	if m.provider != nil && m.cfg.ASR.StreamingEnabled {
		s.AttachWorker(asr.NewWorker(m.provider, s.OnTranscript, s.OnASRError, m.log))
	}

	s.recordPath = filepath.Join(sessLog.Dir(), "call.wav")
	if err := m.sw.RecordStart(ctx, uuid, s.recordPath); err != nil {
		m.log.Warn("call recording unavailable", "call_id", req.CallID, "error", err)
		s.recordPath = ""
	}

	m.metrics.CallsStarted.Add(ctx, 1, s.clientAttr())
	m.metrics.ActiveCalls.Add(ctx, 1, s.clientAttr())
	m.log.Info("call started",
		"call_id", req.CallID, "client_id", profile.ID, "caller", req.CallerNumber)

	m.startIntro(s, profile)
	if m.cfg.Debug.ForceImmediateHangup {
		s.ScheduleHangup(introPad + 2*time.Second)
	}
	return nil
}

// startIntro schedules the greeting after a short silence pad and opens the
// conversation once the estimated greeting duration has elapsed. Caller
// speech cannot break the sequence inside that window.
func (m *Manager) startIntro(s *Session, profile *clients.Profile) {
	ids := introDefault
	if profile.ID == introClientID {
		ids = introLong
	}
	protect := introPad
	for _, id := range ids {
		d := introEstimate
		if path := template.ResolveAudioPath(profile.AudioDir, id); path != "" {
			if fd, err := audio.FileDuration(path, minClipDuration); err == nil {
				d = fd
			}
		}
		protect += d
	}
	s.player.ProtectGreeting(protect)

	time.AfterFunc(introPad, func() {
		if m.registry.MarkIntroPlayed(s.CallID) {
			s.Play(ids, false)
		}
	})
	time.AfterFunc(protect, func() {
		if m.registry.MarkStarted(s.CallID) {
			s.BeginEntry()
		}
	})
}

// OnAudioFrame routes one ingress frame to its session. Frames for unknown
// channels are dropped.
func (m *Manager) OnAudioFrame(uuid string, payload []byte) {
	if s := m.registry.ByUUID(uuid); s != nil {
		s.OnAudioFrame(payload)
	}
}

// HandleEvent consumes the softswitch event stream: playback completions
// feed the coordinator, hangups tear the session down.
func (m *Manager) HandleEvent(ev esl.Event) {
	uuid := ev.Headers["Unique-ID"]
	switch ev.Name() {
	case "CHANNEL_EXECUTE_COMPLETE":
		if ev.Headers["Application"] == "playback" {
			m.coord.PlaybackComplete(uuid)
		}
	case "CHANNEL_HANGUP", "CHANNEL_HANGUP_COMPLETE":
		if s := m.registry.ByUUID(uuid); s != nil {
			m.log.Info("channel hung up", "call_id", s.CallID,
				"cause", ev.Headers["Hangup-Cause"])
			s.Teardown()
		}
	}
}

// OnHangup ends a call on a control-plane request: the channel is killed on
// the switch, then the session is torn down. Channel-gone hangups arrive as
// events instead and skip the kill.
func (m *Manager) OnHangup(callID string) error {
	s := m.registry.ByCallID(callID)
	if s == nil {
		return fmt.Errorf("call: %s not active", callID)
	}
	s.Hangup("control")
	return nil
}

// OnTransfer bridges a live call to its operator route on a control-plane
// request, bypassing the dialogue engine.
func (m *Manager) OnTransfer(callID string) error {
	s := m.registry.ByCallID(callID)
	if s == nil {
		return fmt.Errorf("call: %s not active", callID)
	}
	if !s.HasOperatorRoute() {
		return fmt.Errorf("call: %s has no operator route", callID)
	}
	s.Transfer()
	return nil
}

// Shutdown tears down every live call, used on process exit.
func (m *Manager) Shutdown() {
	m.registry.mu.Lock()
	live := make([]*Session, 0, len(m.registry.byCallID))
	for _, s := range m.registry.byCallID {
		live = append(live, s)
	}
	m.registry.mu.Unlock()
	for _, s := range live {
		s.Teardown()
	}
}

// cleanup runs once per session at the end of teardown.
func (m *Manager) cleanup(s *Session) {
	if s.recordPath != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := m.sw.RecordStop(ctx, s.UUID, s.recordPath); err != nil {
			m.log.Debug("record stop failed", "call_id", s.CallID, "error", err)
		}
		cancel()
	}
	m.coord.Unregister(s.UUID)
	if m.ports != nil {
		m.ports.UnmapCall(s.UUID)
	}
	m.registry.Remove(s.CallID)
}
