package ingress

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/coder/websocket"
)

const probeReply = `{"ok":true}`

// WSServer accepts caller audio over WebSocket. The call UUID is the
// trailing path segment of /u/<uuid>; text frames are liveness probes and
// binary frames are 20 ms μ-law audio.
type WSServer struct {
	handler FrameHandler
	log     *slog.Logger
}

// NewWSServer creates the audio WebSocket handler.
func NewWSServer(handler FrameHandler, log *slog.Logger) *WSServer {
	if log == nil {
		log = slog.Default()
	}
	return &WSServer{handler: handler, log: log}
}

// ServeHTTP upgrades and pumps one audio connection.
func (s *WSServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	uuid := callUUIDFromPath(r.URL.Path)
	if uuid == "" {
		http.Error(w, "missing call uuid", http.StatusNotFound)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// The softswitch connects from localhost without an Origin header.
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.log.Warn("ingress: websocket accept failed", "uuid", uuid, "err", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	s.log.Info("ingress: websocket audio connected", "uuid", uuid)
	ctx := r.Context()
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway ||
				errors.Is(err, context.Canceled) {
				return
			}
			s.log.Debug("ingress: websocket closed", "uuid", uuid, "err", err)
			return
		}
		switch typ {
		case websocket.MessageText:
			if strings.TrimSpace(string(data)) == "{}" {
				if err := conn.Write(ctx, websocket.MessageText, []byte(probeReply)); err != nil {
					return
				}
			}
		case websocket.MessageBinary:
			s.handler(uuid, data)
		}
	}
}

// callUUIDFromPath extracts the UUID from /u/<uuid> or any path whose last
// segment carries it.
func callUUIDFromPath(path string) string {
	path = strings.TrimRight(path, "/")
	idx := strings.LastIndexByte(path, '/')
	if idx < 0 || idx == len(path)-1 {
		return ""
	}
	return path[idx+1:]
}
