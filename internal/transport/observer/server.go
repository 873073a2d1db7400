package observer

import (
	"context"
	"encoding/json"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"puppetmaster/internal/sim/world"
)

const (
	minInterval     = 50 * time.Millisecond
	defaultInterval = 250 * time.Millisecond
	maxInterval     = 10 * time.Second
)

// Server streams read-only world state to local dashboards. It never
// touches pawns; every frame is a RequestState round trip.
type Server struct {
	world *world.World
	log   *log.Logger

	upgrader websocket.Upgrader
}

func NewServer(w *world.World, logger *log.Logger) *Server {
	return &Server{
		world: w,
		log:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
}

func (s *Server) BootstrapHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}

		cfg := s.world.Config()
		resp := BootstrapResponse{
			ProtocolVersion: Version,
			WorldID:         cfg.ID,
			Tick:            s.world.CurrentTick(),
			TickRateHz:      cfg.TickRateHz,
			GridCols:        cfg.GridCols,
			GridRows:        cfg.GridRows,
			CellSize:        cfg.CellSize,
			Blocked:         make([][2]int, 0, len(cfg.Blocked)),
			Abilities:       s.world.Store().IDs(),
		}
		for _, c := range cfg.Blocked {
			resp.Blocked = append(resp.Blocked, [2]int{c.Col, c.Row})
		}

		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(resp)
	}
}

func (s *Server) WSHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}

		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// Handshake: must send SUBSCRIBE first.
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		sub, ok := parseSubscribe(msg)
		if !ok {
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected SUBSCRIBE"), time.Now().Add(time.Second))
			return
		}

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		subs := make(chan SubscribeMsg, 1)
		writeDone := make(chan struct{})
		go func() {
			defer close(writeDone)
			s.pushLoop(ctx, conn, sub, subs)
		}()

		// Reader loop: allow SUBSCRIBE updates.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			sub, ok := parseSubscribe(msg)
			if !ok {
				continue
			}
			select {
			case subs <- sub:
			default:
				// Drop updates under load; the client may resend.
			}
		}

		cancel()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))

		select {
		case <-writeDone:
		case <-time.After(500 * time.Millisecond):
		}
	}
}

func (s *Server) pushLoop(ctx context.Context, conn *websocket.Conn, sub SubscribeMsg, subs <-chan SubscribeMsg) {
	ticker := time.NewTicker(interval(sub))
	defer ticker.Stop()

	for {
		if err := s.push(ctx, conn, sub); err != nil {
			if s.log != nil && ctx.Err() == nil {
				s.log.Printf("observer push: %v", err)
			}
			return
		}
		select {
		case <-ctx.Done():
			return
		case next := <-subs:
			sub = next
			ticker.Reset(interval(sub))
		case <-ticker.C:
		}
	}
}

func (s *Server) push(ctx context.Context, conn *websocket.Conn, sub SubscribeMsg) error {
	reqCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	state, err := s.world.RequestState(reqCtx, sub.AgentID)
	if err != nil {
		return err
	}
	b, err := json.Marshal(StateMsg{
		Type:            "STATE",
		ProtocolVersion: Version,
		State:           state,
		Metrics:         s.world.Metrics(),
	})
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, b)
}

func parseSubscribe(msg []byte) (SubscribeMsg, bool) {
	var sub SubscribeMsg
	if err := json.Unmarshal(msg, &sub); err != nil {
		return SubscribeMsg{}, false
	}
	if sub.Type != "SUBSCRIBE" || sub.ProtocolVersion != Version {
		return SubscribeMsg{}, false
	}
	sub.AgentID = strings.TrimSpace(sub.AgentID)
	return sub, true
}

func interval(sub SubscribeMsg) time.Duration {
	d := time.Duration(sub.IntervalMS) * time.Millisecond
	switch {
	case d <= 0:
		return defaultInterval
	case d < minInterval:
		return minInterval
	case d > maxInterval:
		return maxInterval
	}
	return d
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
