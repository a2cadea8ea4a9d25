package ingress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
)

// InitRequest is one control frame from the softswitch dialplan: "init" on
// call setup, "hangup" and "transfer" for control-plane call management.
type InitRequest struct {
	Op                string            `json:"op"`
	CallID            string            `json:"call_id"`
	CallerNumber      string            `json:"caller_number"`
	DestinationNumber string            `json:"destination_number"`
	ClientID          string            `json:"client_id,omitempty"`
	SIPHeaders        map[string]string `json:"sip_headers,omitempty"`
}

// InitHandler processes a validated control frame, dispatching on Op.
type InitHandler func(ctx context.Context, req InitRequest) error

type initReply struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// InitServer is the local socket the switch hits on call setup.
type InitServer struct {
	ln      net.Listener
	handler InitHandler
	log     *slog.Logger
	wg      sync.WaitGroup
}

// NewInitServer listens on addr. A "unix:" prefix selects a UNIX socket,
// anything else is treated as a TCP "host:port".
func NewInitServer(addr string, handler InitHandler, log *slog.Logger) (*InitServer, error) {
	if log == nil {
		log = slog.Default()
	}
	network := "tcp"
	if path, ok := strings.CutPrefix(addr, "unix:"); ok {
		network = "unix"
		addr = path
		os.Remove(path) // stale socket from a previous run
	}
	ln, err := net.Listen(network, addr)
	if err != nil {
		return nil, fmt.Errorf("ingress: bind init socket %s: %w", addr, err)
	}
	return &InitServer{ln: ln, handler: handler, log: log}, nil
}

// Addr returns the bound address.
func (s *InitServer) Addr() string { return s.ln.Addr().String() }

// Run accepts connections until ctx is cancelled.
func (s *InitServer) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.ln.Close()
	}()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.wg.Wait()
				return nil
			}
			return fmt.Errorf("ingress: init accept: %w", err)
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer conn.Close()
			s.serveConn(ctx, conn)
		}()
	}
}

// serveConn handles a stream of JSON frames on one connection.
func (s *InitServer) serveConn(ctx context.Context, conn net.Conn) {
	dec := json.NewDecoder(conn)
	enc := json.NewEncoder(conn)
	for {
		var req InitRequest
		if err := dec.Decode(&req); err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				s.log.Debug("ingress: init frame decode failed", "err", err)
			}
			return
		}
		reply := initReply{OK: true}
		switch {
		case req.Op != "init" && req.Op != "hangup" && req.Op != "transfer":
			reply = initReply{OK: false, Error: fmt.Sprintf("unsupported op %q", req.Op)}
		case req.CallID == "":
			reply = initReply{OK: false, Error: "missing call_id"}
		default:
			if err := s.handler(ctx, req); err != nil {
				s.log.Error("ingress: control frame failed", "op", req.Op, "call_id", req.CallID, "err", err)
				reply = initReply{OK: false, Error: err.Error()}
			}
		}
		if err := enc.Encode(reply); err != nil {
			return
		}
	}
}
