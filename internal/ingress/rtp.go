// Package ingress owns the three inbound surfaces of the gateway: the RTP
// audio socket, the WebSocket audio server, and the call-setup init socket.
package ingress

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pion/rtp"
)

// FrameHandler receives one 20 ms μ-law frame for a call. Implementations
// must not block; the audio path hands off through bounded queues.
type FrameHandler func(callUUID string, payload []byte)

// RTPListener receives caller audio as RTP over UDP and maps the sender's
// source port to a call UUID using the softswitch's rtp_info files.
type RTPListener struct {
	conn    *net.UDPConn
	handler FrameHandler
	log     *slog.Logger

	// infoGlob locates the softswitch port-map files, e.g.
	// /tmp/rtp_info_*.txt.
	infoGlob string

	mu          sync.Mutex
	byPort      map[int]string
	lastRefresh time.Time
}

const rtpRefreshInterval = time.Second

// NewRTPListener binds the UDP socket on port.
func NewRTPListener(port int, infoGlob string, handler FrameHandler, log *slog.Logger) (*RTPListener, error) {
	if log == nil {
		log = slog.Default()
	}
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: port})
	if err != nil {
		return nil, fmt.Errorf("ingress: bind rtp port %d: %w", port, err)
	}
	return &RTPListener{
		conn:     conn,
		handler:  handler,
		log:      log,
		infoGlob: infoGlob,
		byPort:   make(map[int]string),
	}, nil
}

// LocalPort returns the bound UDP port.
func (l *RTPListener) LocalPort() int {
	return l.conn.LocalAddr().(*net.UDPAddr).Port
}

// Run reads packets until ctx is cancelled or the socket is closed.
func (l *RTPListener) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		l.conn.Close()
	}()

	buf := make([]byte, 2048)
	var pkt rtp.Packet
	for {
		n, addr, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("ingress: rtp read: %w", err)
		}
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			l.log.Debug("ingress: malformed rtp packet dropped", "from", addr.String(), "err", err)
			continue
		}
		uuid := l.lookup(addr.Port)
		if uuid == "" {
			continue
		}
		payload := make([]byte, len(pkt.Payload))
		copy(payload, pkt.Payload)
		l.handler(uuid, payload)
	}
}

// MapPort associates a sender port with a call directly, bypassing the info
// files. Used by the lifecycle manager when the switch reports the port.
func (l *RTPListener) MapPort(port int, uuid string) {
	l.mu.Lock()
	l.byPort[port] = uuid
	l.mu.Unlock()
}

// UnmapCall drops every port mapping for uuid.
func (l *RTPListener) UnmapCall(uuid string) {
	l.mu.Lock()
	for p, u := range l.byPort {
		if u == uuid {
			delete(l.byPort, p)
		}
	}
	l.mu.Unlock()
}

func (l *RTPListener) lookup(port int) string {
	l.mu.Lock()
	uuid, ok := l.byPort[port]
	stale := time.Since(l.lastRefresh) > rtpRefreshInterval
	l.mu.Unlock()
	if ok {
		return uuid
	}
	if !stale {
		return ""
	}
	l.refresh()
	l.mu.Lock()
	uuid = l.byPort[port]
	l.mu.Unlock()
	return uuid
}

// refresh re-reads the softswitch info files and merges their remote-port
// mappings.
func (l *RTPListener) refresh() {
	paths, err := filepath.Glob(l.infoGlob)
	if err != nil {
		l.log.Warn("ingress: rtp info glob failed", "glob", l.infoGlob, "err", err)
		return
	}
	found := make(map[int]string)
	for _, p := range paths {
		uuid, port, err := parseRTPInfo(p)
		if err != nil {
			l.log.Debug("ingress: skipping rtp info file", "path", p, "err", err)
			continue
		}
		found[port] = uuid
	}
	l.mu.Lock()
	for port, uuid := range found {
		l.byPort[port] = uuid
	}
	l.lastRefresh = time.Now()
	l.mu.Unlock()
}

// parseRTPInfo reads one key/value info file and returns the call UUID and
// the remote RTP port.
func parseRTPInfo(path string) (uuid string, port int, err error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", 0, err
	}
	var remote string
	for _, line := range strings.Split(string(raw), "\n") {
		k, v, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok {
			continue
		}
		switch k {
		case "uuid":
			uuid = v
		case "remote":
			remote = v
		}
	}
	if uuid == "" || remote == "" {
		return "", 0, fmt.Errorf("ingress: incomplete rtp info in %q", path)
	}
	_, portStr, ok := strings.Cut(remote, ":")
	if !ok {
		return "", 0, fmt.Errorf("ingress: bad remote address %q", remote)
	}
	port, err = strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("ingress: bad remote port %q", portStr)
	}
	return uuid, port, nil
}
