// Package playback serialises template audio onto softswitch channels. One
// [Player] per call plays batches in order, suppresses rapid duplicates,
// watches for completion events and hands control back to the transfer and
// hangup paths when a batch asks for it.
package playback

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/libertycall/gateway/internal/template"
	"github.com/libertycall/gateway/pkg/audio"
)

// Switch is the slice of the softswitch client the coordinator needs.
type Switch interface {
	Broadcast(ctx context.Context, uuid, path string) error
	Break(ctx context.Context, uuid string) error
}

// Hooks are the per-call callbacks fired when a batch finishes.
type Hooks interface {
	// ScheduleHangup arms the call's auto-hangup timer.
	ScheduleHangup(after time.Duration)
	// Transfer runs the operator transfer path.
	Transfer()
}

const (
	watchdog       = 10 * time.Second
	dupWindow      = 10 * time.Second
	minPlayTime    = 500 * time.Millisecond
	autoHangupWait = 2 * time.Second
)

// Coordinator owns all active players and routes playback-complete events
// to them by channel UUID.
type Coordinator struct {
	sw  Switch
	log *slog.Logger

	mu      sync.Mutex
	players map[string]*Player
}

// NewCoordinator creates the process-wide coordinator.
func NewCoordinator(sw Switch, log *slog.Logger) *Coordinator {
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{sw: sw, log: log, players: make(map[string]*Player)}
}

// Register creates and starts the player for one call. fallback names the
// template substituted when a requested audio file is missing.
func (c *Coordinator) Register(uuid, audioDir string, reg *template.Registry, fallback string, hooks Hooks) *Player {
	p := &Player{
		uuid:       uuid,
		audioDir:   audioDir,
		reg:        reg,
		fallback:   fallback,
		sw:         c.sw,
		log:        c.log.With("uuid", uuid),
		hooks:      hooks,
		now:        time.Now,
		complete:   make(chan struct{}, 1),
		lastPlayed: make(map[string]time.Time),
		wake:       make(chan struct{}, 1),
		closed:     make(chan struct{}),
	}
	c.mu.Lock()
	c.players[uuid] = p
	c.mu.Unlock()

	p.wg.Add(1)
	go p.run()
	return p
}

// Unregister stops and removes the call's player. Idempotent.
func (c *Coordinator) Unregister(uuid string) {
	c.mu.Lock()
	p := c.players[uuid]
	delete(c.players, uuid)
	c.mu.Unlock()
	if p != nil {
		p.close()
	}
}

// PlaybackComplete is fed from the softswitch event stream when the channel
// finishes a playback application.
func (c *Coordinator) PlaybackComplete(uuid string) {
	c.mu.Lock()
	p := c.players[uuid]
	c.mu.Unlock()
	if p != nil {
		p.onComplete()
	}
}

// batch is one playback request from the dialogue engine.
type batch struct {
	ids           []string
	transferAfter bool
}

// Player serialises playback for a single call.
type Player struct {
	uuid     string
	audioDir string
	reg      *template.Registry
	fallback string
	sw       Switch
	log      *slog.Logger
	hooks    Hooks
	now      func() time.Time

	mu            sync.Mutex
	queue         []batch
	playing       bool
	greetingUntil time.Time
	lastPlayed    map[string]time.Time

	complete chan struct{}
	wake     chan struct{}
	closed   chan struct{}
	wg       sync.WaitGroup
	once     sync.Once
}

// ProtectGreeting marks the next d as the initial greeting window, during
// which neither barge-in nor newer requests may break playback.
func (p *Player) ProtectGreeting(d time.Duration) {
	p.mu.Lock()
	p.greetingUntil = p.now().Add(d)
	p.mu.Unlock()
}

// Playing reports whether a broadcast is currently running.
func (p *Player) Playing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playing
}

// InGreetingWindow reports whether the protected greeting is still running.
func (p *Player) InGreetingWindow() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.now().Before(p.greetingUntil)
}

// Enqueue queues a batch. An active playback outside the greeting window is
// broken first and the pending queue is superseded.
func (p *Player) Enqueue(ids []string, transferAfter bool) {
	p.mu.Lock()
	interrupt := p.playing && !p.now().Before(p.greetingUntil)
	p.queue = append(p.queue[:0], batch{ids: ids, transferAfter: transferAfter})
	p.mu.Unlock()

	if interrupt {
		if err := p.sw.Break(context.Background(), p.uuid); err != nil {
			p.log.Warn("playback: break before enqueue failed", "err", err)
		}
		p.onComplete()
	}
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Interrupt is the barge-in path: stop the current playback and drop
// everything queued. No-op during the greeting window.
func (p *Player) Interrupt(ctx context.Context) {
	p.mu.Lock()
	if p.now().Before(p.greetingUntil) || !p.playing {
		p.mu.Unlock()
		return
	}
	p.queue = p.queue[:0]
	p.mu.Unlock()

	if err := p.sw.Break(ctx, p.uuid); err != nil {
		p.log.Warn("playback: barge-in break failed", "err", err)
	}
	p.onComplete()
}

func (p *Player) onComplete() {
	p.mu.Lock()
	p.playing = false
	p.mu.Unlock()
	select {
	case p.complete <- struct{}{}:
	default:
	}
}

func (p *Player) close() {
	p.once.Do(func() { close(p.closed) })
	p.wg.Wait()
}

func (p *Player) run() {
	defer p.wg.Done()
	for {
		select {
		case <-p.closed:
			return
		case <-p.wake:
		}
		for {
			p.mu.Lock()
			if len(p.queue) == 0 {
				p.mu.Unlock()
				break
			}
			b := p.queue[0]
			p.queue = p.queue[1:]
			p.mu.Unlock()
			p.playBatch(b)

			select {
			case <-p.closed:
				return
			default:
			}
		}
	}
}

func (p *Player) playBatch(b batch) {
	autoHangup := false
	for _, id := range b.ids {
		select {
		case <-p.closed:
			return
		default:
		}
		if p.recentlyPlayed(id) {
			p.log.Debug("playback: duplicate suppressed", "template", id)
			continue
		}
		path := p.resolve(id)
		if path == "" {
			continue
		}
		var quiet time.Duration
		if tpl, err := p.reg.Lookup(id); err == nil {
			if tpl.AutoHangup {
				autoHangup = true
			}
			if tpl.WaitTimeAfter > 0 {
				quiet = time.Duration(tpl.WaitTimeAfter * float64(time.Second))
			}
		}

		// Drain a completion left over from a break.
		select {
		case <-p.complete:
		default:
		}

		if err := p.sw.Broadcast(context.Background(), p.uuid, path); err != nil {
			p.log.Warn("playback: broadcast failed", "template", id, "err", err)
			continue
		}
		p.mu.Lock()
		p.playing = true
		p.lastPlayed[id] = p.now()
		p.mu.Unlock()
		p.log.Info("playback: started", "template", id, "path", path)

		dur, err := audio.FileDuration(path, minPlayTime)
		if err != nil {
			dur = minPlayTime
		}
		p.waitDone(dur)
		if quiet > 0 {
			p.holdQuiet(quiet)
		}
	}

	if autoHangup && p.hooks != nil {
		p.hooks.ScheduleHangup(autoHangupWait)
	}
	if b.transferAfter && p.hooks != nil {
		p.hooks.Transfer()
	}
}

// waitDone blocks until the switch reports completion, the expected
// duration elapses, or the watchdog fires.
func (p *Player) waitDone(dur time.Duration) {
	if dur > watchdog {
		dur = watchdog
	}
	timer := time.NewTimer(dur)
	defer timer.Stop()
	select {
	case <-p.complete:
	case <-timer.C:
	case <-p.closed:
	}
	p.mu.Lock()
	p.playing = false
	p.mu.Unlock()
}

// holdQuiet keeps the playing flag up through a template's configured
// trailing pause, so the silence ladder does not fire inside an intentional
// gap. Barge-in and superseding batches cut it short via the completion
// channel.
func (p *Player) holdQuiet(d time.Duration) {
	p.mu.Lock()
	p.playing = true
	p.mu.Unlock()
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-p.complete:
	case <-timer.C:
	case <-p.closed:
	}
	p.mu.Lock()
	p.playing = false
	p.mu.Unlock()
}

func (p *Player) recentlyPlayed(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	last, ok := p.lastPlayed[id]
	return ok && p.now().Sub(last) < dupWindow
}

// resolve maps a template id to its audio file, substituting the fallback
// when the file is missing. Returns "" when the turn must be skipped.
func (p *Player) resolve(id string) string {
	if path := template.ResolveAudioPath(p.audioDir, id); path != "" {
		return path
	}
	p.log.Warn("playback: audio missing", "template", id, "fallback", p.fallback)
	if p.fallback == "" || p.fallback == id {
		return ""
	}
	if path := template.ResolveAudioPath(p.audioDir, p.fallback); path != "" {
		return path
	}
	p.log.Warn("playback: fallback audio missing, skipping turn", "template", id)
	return ""
}
