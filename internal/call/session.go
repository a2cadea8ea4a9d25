package call

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/libertycall/gateway/internal/clients"
	"github.com/libertycall/gateway/internal/dialog"
	"github.com/libertycall/gateway/internal/intent"
	"github.com/libertycall/gateway/internal/observe"
	"github.com/libertycall/gateway/internal/playback"
	"github.com/libertycall/gateway/internal/sessionlog"
	"github.com/libertycall/gateway/internal/template"
	"github.com/libertycall/gateway/pkg/audio"
)

// Switch is the slice of the softswitch client a single call issues commands
// through.
type Switch interface {
	Broadcast(ctx context.Context, uuid, path string) error
	Break(ctx context.Context, uuid string) error
	SetVar(ctx context.Context, uuid, name, value string) error
	Transfer(ctx context.Context, uuid, number string) error
	Kill(ctx context.Context, uuid string) error
}

// playerControl is the per-call playback surface the session drives.
type playerControl interface {
	Enqueue(ids []string, transferAfter bool)
	Playing() bool
	InGreetingWindow() bool
	Interrupt(ctx context.Context)
	ProtectGreeting(d time.Duration)
}

// audioFeeder receives upsampled caller audio. Nil when recognition is off.
type audioFeeder interface {
	Feed(pcm []byte)
	Close()
}

const (
	// backchannelTemplate is the prerendered short acknowledgement clip.
	backchannelTemplate = "BC"

	// ingressRate and asrRate are the sample rates on either side of the
	// upsampler. Caller audio arrives as 8 kHz mu-law, the recogniser wants
	// 16 kHz linear.
	ingressRate = 8000
	asrRate     = 16000

	transferTimeout    = 10 * time.Second
	transferFailHangup = 10 * time.Second
	callerIDChannelVar = "effective_caller_id_number"
	transferFailTplID  = "0605"
)

// SessionConfig carries everything a session needs at construction.
type SessionConfig struct {
	CallID       string
	UUID         string
	CallerNumber string

	Profile *clients.Profile
	Switch  Switch
	Player  playerControl
	Log     *sessionlog.Session
	PG      *sessionlog.PGSink
	Metrics *observe.Metrics
	Logger  *slog.Logger
	Assist  *intent.Assist

	BargeInThreshold float64
	SilenceTimeout   time.Duration
	NoiseSuppression bool

	// SaveWAVPath, when non-empty, dumps the raw 8 kHz ingress audio there.
	SaveWAVPath string

	// OnTeardown runs exactly once at the end of teardown, after the session
	// artifacts are closed. The manager uses it to unmap ingress routes and
	// drop the registry entry.
	OnTeardown func(*Session)
}

// Session owns one live call: the ingress audio pipeline, the dialogue
// engine, the recogniser feed and the per-call timers. It implements
// [dialog.Effects] and the playback hooks.
type Session struct {
	CallID       string
	UUID         string
	ClientID     string
	CallerNumber string

	profile *clients.Profile
	sw      Switch
	player  playerControl
	worker  audioFeeder
	timers  *Timers
	machine *dialog.Machine
	sess    *sessionlog.Session
	pg      *sessionlog.PGSink
	metrics *observe.Metrics
	log     *slog.Logger

	suppressor *audio.Suppressor
	wav        *audio.Writer
	threshold  float64

	// mu serialises every entry into the dialogue engine. Transcripts,
	// silence timers and hangup decisions all funnel through it.
	mu        sync.Mutex
	lastVoice time.Time

	transferMu   sync.Mutex
	transferBusy bool
	transferDone bool

	teardownOnce sync.Once
	onTeardown   func(*Session)

	// recordPath is the stereo call recording started by the lifecycle
	// manager, stopped again at teardown. Empty when recording failed.
	recordPath string
}

// NewSession wires a session from its parts. The caller arms the ASR feed
// afterwards with [Session.AttachWorker] so the worker's callbacks can point
// back at the session.
func NewSession(cfg SessionConfig) *Session {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Session{
		CallID:       cfg.CallID,
		UUID:         cfg.UUID,
		ClientID:     cfg.Profile.ID,
		CallerNumber: cfg.CallerNumber,
		profile:      cfg.Profile,
		sw:           cfg.Switch,
		player:       cfg.Player,
		sess:         cfg.Log,
		pg:           cfg.PG,
		metrics:      cfg.Metrics,
		log:          logger.With("call_id", cfg.CallID, "client_id", cfg.Profile.ID),
		threshold:    cfg.BargeInThreshold,
		onTeardown:   cfg.OnTeardown,
	}
	if cfg.NoiseSuppression {
		s.suppressor = audio.NewSuppressor()
	}
	if cfg.SaveWAVPath != "" {
		w, err := audio.NewWriter(cfg.SaveWAVPath, ingressRate, 1)
		if err != nil {
			s.log.Warn("debug wav writer unavailable", "error", err)
		} else {
			s.wav = w
		}
	}
	opts := []dialog.Option{dialog.WithLogger(s.log)}
	if cfg.Assist != nil {
		opts = append(opts, dialog.WithAssist(cfg.Assist))
	}
	s.machine = dialog.NewMachine(s, opts...)
	s.timers = NewTimers(cfg.SilenceTimeout, s.onSilenceTimer, s.onHangupTimer)
	return s
}

// AttachWorker connects the recogniser feed. May stay unset on rigs without
// streaming credentials; the call then runs on timers alone.
func (s *Session) AttachWorker(w audioFeeder) { s.worker = w }

// AttachPlayer connects the playback queue. Called once right after the
// player is registered with the coordinator, before any audio arrives.
func (s *Session) AttachPlayer(p playerControl) { s.player = p }

// BeginEntry opens the conversation once the greeting has been dispatched.
func (s *Session) BeginEntry() {
	s.mu.Lock()
	s.machine.BeginEntry()
	s.mu.Unlock()
	s.timers.TouchSilence()
}

// Phase reports the dialogue phase for logging and teardown summaries.
func (s *Session) Phase() dialog.Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.machine.State().Phase
}

// OnAudioFrame runs the ingress pipeline on one 8 kHz mu-law frame:
// decode, voice gating and barge-in, optional suppression and debug dump,
// then upsample and feed the recogniser.
func (s *Session) OnAudioFrame(payload []byte) {
	if len(payload) == 0 {
		return
	}
	pcm := audio.MulawToPCMBytes(payload)
	if audio.RMS(pcm) > s.threshold {
		s.mu.Lock()
		s.lastVoice = time.Now()
		s.mu.Unlock()
		s.timers.TouchSilence()
		if s.player.Playing() && !s.player.InGreetingWindow() {
			s.player.Interrupt(context.Background())
			s.metrics.BargeIns.Add(context.Background(), 1, s.clientAttr())
		}
	}
	if s.suppressor != nil {
		pcm = s.suppressor.Process(pcm)
	}
	if s.wav != nil {
		if err := s.wav.Write(pcm); err != nil {
			s.log.Warn("debug wav write failed", "error", err)
			s.wav = nil
		}
	}
	if s.worker != nil {
		s.worker.Feed(audio.ResampleMono16(pcm, ingressRate, asrRate))
	}
}

// OnTranscript is the recogniser result callback. Finals drive the dialogue
// engine; partials only feed the backchannel heuristic inside it.
func (s *Session) OnTranscript(text string, final bool) {
	s.sess.Transcript(text, final)
	if final {
		s.sess.Turn("caller", text, "")
	}
	s.mu.Lock()
	if final && !s.lastVoice.IsZero() {
		s.metrics.TranscriptLatency.Record(context.Background(),
			time.Since(s.lastVoice).Seconds(), s.clientAttr())
	}
	s.machine.OnTranscript(context.Background(), text, final)
	if final {
		s.sess.NoteIntent(string(s.machine.State().LastIntent))
	}
	s.mu.Unlock()
	if final {
		s.timers.TouchSilence()
	}
}

// OnASRError is the recogniser failure callback. It fires only for errors
// the worker will not recover from; the call keeps running on timers.
func (s *Session) OnASRError(err error) {
	s.log.Error("recognition unavailable, continuing on timers", "error", err)
	s.metrics.ASRRestarts.Add(context.Background(), 1, s.clientAttr())
}

var (
	_ dialog.Effects = (*Session)(nil)
	_ playback.Hooks = (*Session)(nil)
)

// Play renders the batch into the call log and hands it to the player.
func (s *Session) Play(ids []string, transferAfter bool) {
	if len(ids) == 0 {
		return
	}
	s.sess.Turn("ai", s.profile.Templates.RenderText(ids), strings.Join(ids, ","))
	s.metrics.Playbacks.Add(context.Background(), int64(len(ids)), s.clientAttr())
	s.player.Enqueue(ids, transferAfter)
	s.timers.TouchSilence()
}

// ScheduleHangup arms the auto-hangup timer, replacing any earlier one.
func (s *Session) ScheduleHangup(after time.Duration) {
	s.timers.ScheduleHangup(after)
}

// Backchannel fires a short acknowledgement clip without touching the
// playback queue, so it never supersedes a pending answer.
func (s *Session) Backchannel() {
	path := template.ResolveAudioPath(s.profile.AudioDir, backchannelTemplate)
	if path == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.sw.Broadcast(ctx, s.UUID, path); err != nil {
		s.log.Debug("backchannel broadcast failed", "error", err)
	}
}

// HasOperatorRoute reports whether the client profile carries a transfer
// destination.
func (s *Session) HasOperatorRoute() bool { return s.profile.HasOperatorRoute() }

// Transfer bridges the caller to the client's operator number. It runs once
// per call unless the previous attempt is known to have failed.
func (s *Session) Transfer() {
	s.transferMu.Lock()
	if s.transferDone || s.transferBusy {
		s.transferMu.Unlock()
		return
	}
	s.transferBusy = true
	s.transferMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), transferTimeout)
	defer cancel()

	if s.profile.CallerIDOverride != "" {
		if err := s.sw.SetVar(ctx, s.UUID, callerIDChannelVar, s.profile.CallerIDOverride); err != nil {
			s.log.Warn("caller id override failed", "error", err)
		}
	}
	start := time.Now()
	err := s.sw.Transfer(ctx, s.UUID, s.profile.TransferNumber)
	s.timeCommand("uuid_transfer", start)

	s.transferMu.Lock()
	s.transferBusy = false
	s.transferDone = err == nil
	s.transferMu.Unlock()

	if err != nil {
		s.log.Error("transfer failed", "number", s.profile.TransferNumber, "error", err)
		s.player.Enqueue([]string{transferFailTplID}, false)
		s.timers.ScheduleHangup(transferFailHangup)
		return
	}
	s.log.Info("transferred to operator", "number", s.profile.TransferNumber)
	s.metrics.Transfers.Add(context.Background(), 1, s.clientAttr())
	s.mu.Lock()
	s.machine.State().TransferExecuted = true
	s.mu.Unlock()
	s.sess.Turn("system", "transfer "+s.profile.TransferNumber, "")
}

// TransferExecuted reports whether the operator bridge went through.
func (s *Session) TransferExecuted() bool {
	s.transferMu.Lock()
	defer s.transferMu.Unlock()
	return s.transferDone
}

// Hangup kills the channel and tears the session down. Safe to call after
// the channel is already gone; the switch error is only logged.
func (s *Session) Hangup(reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	start := time.Now()
	if err := s.sw.Kill(ctx, s.UUID); err != nil {
		s.log.Debug("kill failed", "error", err)
	}
	s.timeCommand("uuid_kill", start)
	s.metrics.Hangups.Add(context.Background(), 1,
		metric.WithAttributes(
			attribute.String("client_id", s.ClientID),
			attribute.String("reason", reason),
		))
	s.Teardown()
}

// Teardown releases every per-call resource and writes the session summary.
// Idempotent; every exit path funnels through it.
func (s *Session) Teardown() {
	s.teardownOnce.Do(func() {
		s.timers.CancelAll()
		if s.worker != nil {
			s.worker.Close()
		}
		if s.wav != nil {
			if err := s.wav.Close(); err != nil {
				s.log.Warn("debug wav close failed", "error", err)
			}
		}

		s.mu.Lock()
		st := s.machine.State()
		handoff := st.TransferRequested || st.HandoffState == dialog.HandoffDone
		phase := st.Phase
		s.mu.Unlock()

		sum, err := s.sess.Close(handoff, string(phase))
		if err != nil {
			s.log.Warn("session close failed", "error", err)
		} else if s.pg != nil {
			s.pg.Write(context.Background(), sum)
		}
		s.metrics.ActiveCalls.Add(context.Background(), -1, s.clientAttr())
		if s.onTeardown != nil {
			s.onTeardown(s)
		}
		s.log.Info("call torn down", "phase", string(phase), "handoff", handoff)
	})
}

// onSilenceTimer runs the no-input ladder, unless the gateway itself is
// speaking, in which case the window simply restarts.
func (s *Session) onSilenceTimer() {
	if s.player.Playing() {
		s.timers.TouchSilence()
		return
	}
	s.mu.Lock()
	s.machine.OnSilenceTimeout()
	done := s.machine.State().Phase == dialog.PhaseEnd
	s.mu.Unlock()
	if !done {
		s.timers.TouchSilence()
	}
}

func (s *Session) onHangupTimer() {
	s.Hangup("timer")
}

func (s *Session) clientAttr() metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("client_id", s.ClientID))
}

func (s *Session) timeCommand(name string, start time.Time) {
	s.metrics.CommandDuration.Record(context.Background(),
		time.Since(start).Seconds(),
		metric.WithAttributes(attribute.String("command", name)))
}
