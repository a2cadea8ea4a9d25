package asr

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"
)

const (
	// queueDepth bounds buffered audio at 500 × 20 ms = 10 s.
	queueDepth = 500
	// warmupBytes is 200 ms of silence at 16 kHz 16-bit mono, sent ahead
	// of real audio so the server's endpointer settles.
	warmupBytes = 6400
	// keepaliveAfter is how long the queue may sit empty before an empty
	// audio frame is sent to keep the server from closing the stream.
	keepaliveAfter = time.Second
	// closeJoin bounds how long Close waits for the worker to drain.
	closeJoin = 2 * time.Second
)

// ResultFunc receives recognition results in arrival order.
type ResultFunc func(text string, final bool)

// ErrorFunc receives the permanent-failure notification.
type ErrorFunc func(err error)

// Worker is the per-call recognition pump. Audio is fed from the ingress
// path and must never block it: the queue is bounded and drops the oldest
// chunk on overflow. The stream starts lazily on first audio and restarts
// after transient errors on the next feed.
type Worker struct {
	provider Provider
	onResult ResultFunc
	onError  ErrorFunc
	log      *slog.Logger

	mu        sync.Mutex
	queue     chan []byte
	running   bool
	permanent bool
	closed    bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewWorker creates the pump for one call. onError fires at most once, when
// the provider fails in a way a restart cannot fix.
func NewWorker(provider Provider, onResult ResultFunc, onError ErrorFunc, log *slog.Logger) *Worker {
	if log == nil {
		log = slog.Default()
	}
	return &Worker{
		provider: provider,
		onResult: onResult,
		onError:  onError,
		log:      log,
		queue:    make(chan []byte, queueDepth),
	}
}

// Feed hands one 20 ms chunk of 16 kHz PCM to the worker. It never blocks:
// on overflow the oldest chunk is dropped.
func (w *Worker) Feed(pcm []byte) {
	w.mu.Lock()
	if w.closed || w.permanent {
		w.mu.Unlock()
		return
	}
	if !w.running {
		w.running = true
		ctx, cancel := context.WithCancel(context.Background())
		w.cancel = cancel
		w.wg.Add(1)
		go w.run(ctx)
	}
	w.mu.Unlock()

	select {
	case w.queue <- pcm:
	default:
		select {
		case <-w.queue:
			w.log.Warn("asr: audio queue overflow, dropped oldest chunk")
		default:
		}
		select {
		case w.queue <- pcm:
		default:
		}
	}
}

// Close sends the end-of-audio sentinel and waits for the worker to drain,
// at most closeJoin. Safe to call more than once.
func (w *Worker) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	running := w.running
	cancel := w.cancel
	w.mu.Unlock()

	if !running {
		return
	}
	select {
	case w.queue <- nil:
	default:
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(closeJoin):
		w.log.Warn("asr: worker did not drain in time, cancelling")
		if cancel != nil {
			cancel()
		}
	}
}

// run owns one stream session: dial, warmup, pump, results.
func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	err := w.session(ctx)
	w.mu.Lock()
	w.running = false
	if err != nil && IsPermanent(err) {
		w.permanent = true
	}
	permanent := w.permanent
	closed := w.closed
	w.mu.Unlock()

	switch {
	case err == nil || closed:
	case permanent:
		w.log.Error("asr: permanent stream failure", "err", err)
		if w.onError != nil {
			w.onError(err)
		}
	default:
		w.log.Warn("asr: stream ended, will restart on next audio", "err", err)
	}
}

func (w *Worker) session(ctx context.Context) error {
	stream, err := w.provider.NewStream(ctx)
	if err != nil {
		return err
	}

	if err := stream.Send(make([]byte, warmupBytes)); err != nil {
		return err
	}

	recvErr := make(chan error, 1)
	go func() {
		for {
			res, err := stream.Recv()
			if err != nil {
				if errors.Is(err, io.EOF) {
					recvErr <- nil
				} else {
					recvErr <- err
				}
				return
			}
			if res.Text != "" || res.Final {
				w.onResult(res.Text, res.Final)
			}
		}
	}()

	keepalive := time.NewTimer(keepaliveAfter)
	defer keepalive.Stop()
	for {
		select {
		case <-ctx.Done():
			stream.CloseSend()
			return ctx.Err()
		case err := <-recvErr:
			return err
		case chunk := <-w.queue:
			if chunk == nil {
				// End-of-audio sentinel: close and drain results.
				if err := stream.CloseSend(); err != nil {
					return err
				}
				select {
				case err := <-recvErr:
					return err
				case <-time.After(closeJoin):
					return errors.New("asr: results did not drain after close")
				}
			}
			if err := stream.Send(chunk); err != nil {
				return err
			}
			resetTimer(keepalive, keepaliveAfter)
		case <-keepalive.C:
			if err := stream.Send(nil); err != nil {
				return err
			}
			keepalive.Reset(keepaliveAfter)
		}
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
