package app

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/libertycall/gateway/internal/config"
)

// fakeSwitch speaks just enough of the event-socket protocol for the app to
// dial, subscribe and issue commands.
type fakeSwitch struct {
	ln net.Listener
}

func newFakeSwitch(t *testing.T) *fakeSwitch {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	fs := &fakeSwitch{ln: ln}
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
		go fs.handle(conn)
	}
}

func (fs *fakeSwitch) handle(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)

	fmt.Fprint(conn, "Content-Type: auth/request\n\n")
	if cmd, err := readCommand(r); err != nil || !strings.HasPrefix(cmd, "auth ") {
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
			body := "+OK"
			fmt.Fprintf(conn, "Content-Type: api/response\nContent-Length: %d\n\n%s", len(body), body)
		}
	}
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

func testConfig(t *testing.T, switchAddr string) *config.Config {
	t.Helper()
	configRoot := t.TempDir()
	if err := os.WriteFile(filepath.Join(configRoot, "templates.json"),
		[]byte(`{"004":{"text":"greet a"},"005":{"text":"greet b"}}`), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := &config.Config{}
	cfg.Server.RTPPort = 0 // ephemeral
	cfg.Server.WSAddr = "127.0.0.1:0"
	cfg.Server.InitAddr = "127.0.0.1:0"
	cfg.Server.LogLevel = config.LogInfo
	cfg.Switch.Addr = switchAddr
	cfg.Switch.Password = "ClueCon"
	cfg.Switch.CommandTimeoutMs = 1000
	cfg.ASR.StreamingEnabled = false
	cfg.Dialog.BargeInThreshold = 0.005
	cfg.Dialog.SilenceTimeoutMs = 3_600_000
	cfg.Dialog.FallbackTemplate = "001"
	cfg.Routing.DefaultClient = "000"
	cfg.Routing.SIPHeader = "X-LC-Client"
	cfg.Paths.ClientsRoot = t.TempDir()
	cfg.Paths.ConfigRoot = configRoot
	cfg.Paths.SessionsRoot = t.TempDir()
	cfg.Paths.RTPInfoGlob = filepath.Join(t.TempDir(), "rtp_info_*.txt")
	cfg.Sessions.RetentionDays = 1
	return cfg
}

func TestNewFailsWhenSwitchUnreachable(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t, "127.0.0.1:1")

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, err := New(ctx, cfg, WithMetricsRegisterer(prometheus.NewRegistry()))
	if err == nil {
		t.Fatal("expected dial failure")
	}
}

func TestRunInitCallAndShutdown(t *testing.T) {
	t.Parallel()
	fs := newFakeSwitch(t)
	cfg := testConfig(t, fs.addr())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := New(ctx, cfg, WithMetricsRegisterer(prometheus.NewRegistry()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	runErr := make(chan error, 1)
	go func() { runErr <- a.Run(ctx) }()

	// Drive one call through the setup channel.
	conn, err := net.DialTimeout("tcp", a.InitAddr(), 2*time.Second)
	if err != nil {
		t.Fatalf("dial init: %v", err)
	}
	defer conn.Close()
	enc := json.NewEncoder(conn)
	dec := json.NewDecoder(conn)
	var reply struct {
		OK    bool   `json:"ok"`
		Error string `json:"error,omitempty"`
	}

	req := map[string]string{"op": "init", "call_id": "app-test-1", "caller_number": "0311110000"}
	if err := enc.Encode(req); err != nil {
		t.Fatalf("send init: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := dec.Decode(&reply); err != nil {
		t.Fatalf("read init reply: %v", err)
	}
	if !reply.OK {
		t.Fatalf("init rejected: %s", reply.Error)
	}

	deadline := time.Now().Add(2 * time.Second)
	for a.manager.Registry().Len() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("call never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// The same socket carries control-plane hangups.
	if err := enc.Encode(map[string]string{"op": "hangup", "call_id": "app-test-1"}); err != nil {
		t.Fatalf("send hangup: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := dec.Decode(&reply); err != nil {
		t.Fatalf("read hangup reply: %v", err)
	}
	if !reply.OK {
		t.Fatalf("hangup rejected: %s", reply.Error)
	}
	deadline = time.Now().Add(2 * time.Second)
	for a.manager.Registry().Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("call survived control hangup")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-runErr:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Fatalf("run error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop")
	}

	shCtx, shCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shCancel()
	if err := a.Shutdown(shCtx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if a.manager.Registry().Len() != 0 {
		t.Fatal("calls survived shutdown")
	}
}
