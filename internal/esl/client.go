// Package esl implements the softswitch event-socket client: a single
// long-lived TCP connection shared by all calls, carrying api commands and
// the channel events the engine subscribes to.
package esl

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Event is one parsed softswitch event frame.
type Event struct {
	Headers map[string]string
	Body    string
}

// Name returns the Event-Name header.
func (e Event) Name() string { return e.Headers["Event-Name"] }

// EventHandler receives subscribed events. Handlers run on the read loop
// and must return quickly.
type EventHandler func(Event)

// ErrClosed is returned by commands issued after [Client.Close].
var ErrClosed = errors.New("esl: client closed")

const (
	defaultTimeout   = 5 * time.Second
	reconnectTries   = 3
	reconnectPause   = 500 * time.Millisecond
	listenerCooldown = 3 * time.Second
)

// Client is the shared softswitch command client. Commands are serialized
// on one connection; a broken connection is redialed with backoff, up to
// three attempts per command.
type Client struct {
	addr     string
	password string
	timeout  time.Duration
	log      *slog.Logger
	onEvent  EventHandler
	events   []string

	mu      sync.Mutex // guards conn, reader and serializes command turns
	conn    net.Conn
	reader  *bufio.Reader
	replyCh chan frame

	closeOnce sync.Once
	closed    chan struct{}
}

// Option configures a [Client].
type Option func(*Client)

// WithCommandTimeout sets the per-command reply timeout.
func WithCommandTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

// WithEventHandler subscribes to the named events and delivers them to h.
func WithEventHandler(h EventHandler, names ...string) Option {
	return func(c *Client) {
		c.onEvent = h
		c.events = names
	}
}

// Dial connects and authenticates against the softswitch event socket.
func Dial(ctx context.Context, addr, password string, opts ...Option) (*Client, error) {
	c := &Client{
		addr:     addr,
		password: password,
		timeout:  defaultTimeout,
		log:      slog.Default(),
		replyCh:  make(chan frame, 1),
		closed:   make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	if err := c.connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// connect dials, authenticates, re-subscribes and starts the read loop.
// Callers must not hold c.mu.
func (c *Client) connect(ctx context.Context) error {
	d := net.Dialer{Timeout: c.timeout}
	conn, err := d.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return fmt.Errorf("esl: dial %s: %w", c.addr, err)
	}
	r := bufio.NewReader(conn)

	conn.SetDeadline(time.Now().Add(c.timeout))
	hello, err := readFrame(r)
	if err != nil {
		conn.Close()
		return fmt.Errorf("esl: read auth request: %w", err)
	}
	if ct := hello.headers["Content-Type"]; ct != "auth/request" {
		conn.Close()
		return fmt.Errorf("esl: unexpected greeting content type %q", ct)
	}
	if _, err := fmt.Fprintf(conn, "auth %s\n\n", c.password); err != nil {
		conn.Close()
		return fmt.Errorf("esl: send auth: %w", err)
	}
	reply, err := readFrame(r)
	if err != nil {
		conn.Close()
		return fmt.Errorf("esl: read auth reply: %w", err)
	}
	if !strings.HasPrefix(reply.headers["Reply-Text"], "+OK") {
		conn.Close()
		return fmt.Errorf("esl: authentication rejected: %s", reply.headers["Reply-Text"])
	}

	if len(c.events) > 0 {
		if _, err := fmt.Fprintf(conn, "event plain %s\n\n", strings.Join(c.events, " ")); err != nil {
			conn.Close()
			return fmt.Errorf("esl: subscribe events: %w", err)
		}
		if sub, err := readFrame(r); err != nil || !strings.HasPrefix(sub.headers["Reply-Text"], "+OK") {
			conn.Close()
			return fmt.Errorf("esl: event subscription failed")
		}
	}
	conn.SetDeadline(time.Time{})

	c.mu.Lock()
	if c.conn != nil && c.conn != conn {
		c.conn.Close()
	}
	c.conn = conn
	c.reader = r
	c.mu.Unlock()

	go c.readLoop(conn, r)
	c.log.Info("esl: connected", "addr", c.addr)
	return nil
}

// readLoop dispatches incoming frames: api responses feed the pending
// command, event frames go to the handler. When the connection drops, a
// background redial restores the event stream after a cooldown; commands
// keep their own lazy redial.
func (c *Client) readLoop(conn net.Conn, r *bufio.Reader) {
	for {
		f, err := readFrame(r)
		if err != nil {
			select {
			case <-c.closed:
			default:
				if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
					c.log.Warn("esl: connection lost", "err", err)
				}
			}
			conn.Close()
			c.mu.Lock()
			if c.conn == conn {
				c.conn = nil
			}
			c.mu.Unlock()
			select {
			case <-c.closed:
			default:
				go c.resubscribe()
			}
			return
		}
		switch f.headers["Content-Type"] {
		case "api/response", "command/reply":
			select {
			case c.replyCh <- f:
			default:
				c.log.Warn("esl: unsolicited reply dropped")
			}
		case "text/event-plain":
			if c.onEvent != nil {
				c.onEvent(parseEvent(f.body))
			}
		case "text/disconnect-notice":
			c.log.Warn("esl: disconnect notice received")
		default:
			c.log.Debug("esl: ignoring frame", "content_type", f.headers["Content-Type"])
		}
	}
}

// resubscribe restores the event stream after a dropped connection.
// Commands redial lazily on their own, but an idle gateway would otherwise
// stay deaf to channel events until the next command went out.
func (c *Client) resubscribe() {
	for {
		select {
		case <-c.closed:
			return
		case <-time.After(listenerCooldown):
		}
		c.mu.Lock()
		alive := c.conn != nil
		c.mu.Unlock()
		if alive {
			// A command redial already brought the stream back.
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		err := c.connect(ctx)
		cancel()
		if err == nil {
			return
		}
		c.log.Warn("esl: event listener redial failed", "err", err)
	}
}

// API issues one api command and returns the response body. The body is
// checked for the +OK marker by the typed wrappers, not here, because
// uuid_getvar replies with a bare value.
func (c *Client) API(ctx context.Context, command string) (string, error) {
	select {
	case <-c.closed:
		return "", ErrClosed
	default:
	}

	var lastErr error
	for attempt := 0; attempt < reconnectTries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(time.Duration(attempt) * reconnectPause):
			case <-ctx.Done():
				return "", ctx.Err()
			}
			if err := c.connect(ctx); err != nil {
				lastErr = err
				continue
			}
		}
		body, err := c.sendAPI(ctx, command)
		if err == nil {
			return body, nil
		}
		lastErr = err
		c.log.Warn("esl: command failed, reconnecting", "command", commandVerb(command), "attempt", attempt+1, "err", err)
	}
	return "", fmt.Errorf("esl: %s: %w", commandVerb(command), lastErr)
}

func (c *Client) sendAPI(ctx context.Context, command string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return "", errors.New("esl: not connected")
	}

	// Drain a stale reply left by a timed-out predecessor.
	select {
	case <-c.replyCh:
	default:
	}

	if _, err := fmt.Fprintf(c.conn, "api %s\n\n", command); err != nil {
		c.conn.Close()
		c.conn = nil
		return "", fmt.Errorf("esl: write: %w", err)
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()
	select {
	case f := <-c.replyCh:
		return f.body, nil
	case <-timer.C:
		return "", errors.New("esl: reply timeout")
	case <-ctx.Done():
		return "", ctx.Err()
	case <-c.closed:
		return "", ErrClosed
	}
}

// Close shuts the connection down. Safe to call more than once.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.mu.Lock()
		if c.conn != nil {
			c.conn.Close()
			c.conn = nil
		}
		c.mu.Unlock()
	})
	return nil
}

// frame is one MIME-style frame off the wire.
type frame struct {
	headers map[string]string
	body    string
}

func readFrame(r *bufio.Reader) (frame, error) {
	f := frame{headers: make(map[string]string)}
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return f, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		if k, v, ok := strings.Cut(line, ":"); ok {
			f.headers[k] = strings.TrimSpace(v)
		}
	}
	if cl := f.headers["Content-Length"]; cl != "" {
		n, err := strconv.Atoi(cl)
		if err != nil {
			return f, fmt.Errorf("esl: bad content length %q", cl)
		}
		body := make([]byte, n)
		if _, err := io.ReadFull(r, body); err != nil {
			return f, err
		}
		f.body = string(body)
	}
	return f, nil
}

// parseEvent decodes the header-formatted body of a text/event-plain frame.
func parseEvent(body string) Event {
	ev := Event{Headers: make(map[string]string)}
	rest := body
	for {
		line, tail, ok := strings.Cut(rest, "\n")
		line = strings.TrimRight(line, "\r")
		if line == "" {
			ev.Body = tail
			break
		}
		if k, v, found := strings.Cut(line, ":"); found {
			ev.Headers[k] = strings.TrimSpace(v)
		}
		if !ok {
			break
		}
		rest = tail
	}
	return ev
}

func commandVerb(command string) string {
	verb, _, _ := strings.Cut(command, " ")
	return verb
}
