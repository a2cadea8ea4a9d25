package esl

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"
)

// fakeSwitch is an in-process event socket good enough for the client's
// auth, api and event flows.
type fakeSwitch struct {
	t        *testing.T
	ln       net.Listener
	password string

	// respond maps a command verb to the api response body.
	respond map[string]string

	conns chan net.Conn
}

func newFakeSwitch(t *testing.T) *fakeSwitch {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	fs := &fakeSwitch{
		t:        t,
		ln:       ln,
		password: "ClueCon",
		respond:  map[string]string{},
		conns:    make(chan net.Conn, 1),
	}
	t.Cleanup(func() { ln.Close() })
	go fs.serve()
	return fs
}

func (fs *fakeSwitch) addr() string { return fs.ln.Addr().String() }

func (fs *fakeSwitch) serve() {
	for {
		conn, err := fs.ln.Accept()
		if err != nil {
			return
		}
		select {
		case fs.conns <- conn:
		default:
		}
		go fs.handle(conn)
	}
}

func (fs *fakeSwitch) handle(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)

	fmt.Fprint(conn, "Content-Type: auth/request\n\n")
	cmd, err := readCommand(r)
	if err != nil || cmd != "auth "+fs.password {
		fmt.Fprint(conn, "Content-Type: command/reply\nReply-Text: -ERR invalid\n\n")
		return
	}
	fmt.Fprint(conn, "Content-Type: command/reply\nReply-Text: +OK accepted\n\n")

	for {
		cmd, err := readCommand(r)
		if err != nil {
			return
		}
		switch {
		case strings.HasPrefix(cmd, "event plain"):
			fmt.Fprint(conn, "Content-Type: command/reply\nReply-Text: +OK event listener enabled\n\n")
		case strings.HasPrefix(cmd, "api "):
			verb := strings.Fields(cmd)[1]
			body, ok := fs.respond[verb]
			if !ok {
				body = "+OK"
			}
			fmt.Fprintf(conn, "Content-Type: api/response\nContent-Length: %d\n\n%s", len(body), body)
		}
	}
}

// sendEvent pushes one plain event down the most recent connection.
func (fs *fakeSwitch) sendEvent(headers map[string]string) {
	fs.t.Helper()
	var conn net.Conn
	select {
	case conn = <-fs.conns:
	case <-time.After(time.Second):
		fs.t.Fatal("no connection to send event on")
	}
	var b strings.Builder
	for k, v := range headers {
		fmt.Fprintf(&b, "%s: %s\n", k, v)
	}
	b.WriteString("\n")
	body := b.String()
	fmt.Fprintf(conn, "Content-Type: text/event-plain\nContent-Length: %d\n\n%s", len(body), body)
}

func readCommand(r *bufio.Reader) (string, error) {
	var cmd string
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return "", err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			return cmd, nil
		}
		if cmd == "" {
			cmd = line
		}
	}
}

func dialTest(t *testing.T, fs *fakeSwitch, opts ...Option) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := Dial(ctx, fs.addr(), fs.password, opts...)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestDialAndBroadcast(t *testing.T) {
	t.Parallel()
	fs := newFakeSwitch(t)
	c := dialTest(t, fs)

	if err := c.Broadcast(context.Background(), "abc-123", "/audio/004.wav"); err != nil {
		t.Fatalf("broadcast: %v", err)
	}
}

func TestBadPasswordRejected(t *testing.T) {
	t.Parallel()
	fs := newFakeSwitch(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := Dial(ctx, fs.addr(), "wrong")
	if err == nil {
		t.Fatal("expected auth rejection")
	}
}

func TestErrorBodySurfaces(t *testing.T) {
	t.Parallel()
	fs := newFakeSwitch(t)
	fs.respond["uuid_kill"] = "-ERR No such channel!"
	c := dialTest(t, fs)

	err := c.Kill(context.Background(), "missing-uuid")
	if err == nil || !strings.Contains(err.Error(), "-ERR") {
		t.Fatalf("kill err = %v, want -ERR surfaced", err)
	}
}

func TestGetVar(t *testing.T) {
	t.Parallel()
	fs := newFakeSwitch(t)
	fs.respond["uuid_getvar"] = "true\n"
	c := dialTest(t, fs)

	v, err := c.GetVar(context.Background(), "abc", "transfer_done")
	if err != nil {
		t.Fatalf("getvar: %v", err)
	}
	if v != "true" {
		t.Fatalf("value = %q", v)
	}

	fs.respond["uuid_getvar"] = "_undef_"
	v, err = c.GetVar(context.Background(), "abc", "nope")
	if err != nil || v != "" {
		t.Fatalf("undef var = %q, %v", v, err)
	}
}

func TestEventDispatch(t *testing.T) {
	t.Parallel()
	fs := newFakeSwitch(t)

	got := make(chan Event, 1)
	dialTest(t, fs, WithEventHandler(func(ev Event) {
		got <- ev
	}, "CHANNEL_EXECUTE_COMPLETE"))

	fs.sendEvent(map[string]string{
		"Event-Name":  "CHANNEL_EXECUTE_COMPLETE",
		"Application": "playback",
		"Unique-ID":   "abc-123",
	})

	select {
	case ev := <-got:
		if ev.Name() != "CHANNEL_EXECUTE_COMPLETE" {
			t.Fatalf("event name = %q", ev.Name())
		}
		if ev.Headers["Application"] != "playback" {
			t.Fatalf("application = %q", ev.Headers["Application"])
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}
}

func TestEventListenerRestartsAfterDrop(t *testing.T) {
	t.Parallel()
	fs := newFakeSwitch(t)

	got := make(chan Event, 1)
	c := dialTest(t, fs, WithEventHandler(func(ev Event) {
		got <- ev
	}, "CHANNEL_HANGUP"))

	var first net.Conn
	select {
	case first = <-fs.conns:
	case <-time.After(time.Second):
		t.Fatal("no initial connection")
	}
	first.Close()

	// With no command issued, the client must come back for events on its
	// own after the cooldown.
	deadline := time.Now().Add(3 * listenerCooldown)
	for {
		c.mu.Lock()
		alive := c.conn != nil
		c.mu.Unlock()
		if alive {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("event listener never redialed")
		}
		time.Sleep(50 * time.Millisecond)
	}

	fs.sendEvent(map[string]string{
		"Event-Name": "CHANNEL_HANGUP",
		"Unique-ID":  "u-9",
	})
	select {
	case ev := <-got:
		if ev.Name() != "CHANNEL_HANGUP" || ev.Headers["Unique-ID"] != "u-9" {
			t.Fatalf("event = %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered after reconnect")
	}
}

func TestParseEvent(t *testing.T) {
	t.Parallel()
	ev := parseEvent("Event-Name: CHANNEL_EXECUTE_COMPLETE\nApplication: playback\nUnique-ID: u-1\n\n")
	if ev.Name() != "CHANNEL_EXECUTE_COMPLETE" || ev.Headers["Unique-ID"] != "u-1" {
		t.Fatalf("parsed = %+v", ev)
	}
}

func TestCommandAfterClose(t *testing.T) {
	t.Parallel()
	fs := newFakeSwitch(t)
	c := dialTest(t, fs)
	c.Close()

	if err := c.Break(context.Background(), "abc"); err != ErrClosed {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
}
