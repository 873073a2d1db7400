package ws

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"puppetmaster/internal/protocol"
	"puppetmaster/internal/sim/world"
)

const (
	maxMessageBytes = 64 * 1024
	writeTimeout    = 5 * time.Second
	readTimeout     = 60 * time.Second
	handshakeWait   = 5 * time.Second
	obsQueue        = 8
)

// Server speaks the agent protocol: HELLO, then WELCOME, then a stream of
// OBS frames out and ACT frames in. One connection drives one pawn.
type Server struct {
	world *world.World
	log   *log.Logger

	upgrader websocket.Upgrader
	sessions atomic.Int64
}

func NewServer(w *world.World, logger *log.Logger) *Server {
	return &Server{
		world: w,
		log:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
}

// Sessions is the number of connected agents.
func (s *Server) Sessions() int64 { return s.sessions.Load() }

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.SetReadLimit(maxMessageBytes)

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		welcome, out, ok := s.handshake(ctx, conn)
		if !ok {
			return
		}
		agentID := welcome.AgentID
		s.sessions.Add(1)
		defer s.sessions.Add(-1)
		s.logf("session %s agent=%s connected", welcome.SessionID, agentID)

		go s.writeLoop(ctx, cancel, conn, out)

		for {
			_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			act, ok := decodeAct(msg)
			if !ok {
				continue
			}
			select {
			case s.world.Inbox() <- world.ActionEnvelope{AgentID: agentID, Act: act}:
			case <-ctx.Done():
			}
			if ctx.Err() != nil {
				break
			}
		}
		cancel()

		// The pawn outlives the socket for the detach grace so the agent can
		// reconnect with its resume token.
		s.detach(agentID, out)
		s.logf("session %s agent=%s disconnected", welcome.SessionID, agentID)
	}
}

func (s *Server) writeLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, out <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case b, ok := <-out:
			if !ok {
				// Another connection attached with this pawn's resume token.
				closeWith(conn, websocket.CloseNormalClosure, "session replaced")
				cancel()
				_ = conn.Close()
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
				cancel()
				return
			}
		}
	}
}

// decodeAct accepts only ACT frames of the current protocol version.
func decodeAct(msg []byte) (protocol.ActMsg, bool) {
	base, err := protocol.DecodeBase(msg)
	if err != nil || base.Type != protocol.TypeAct {
		return protocol.ActMsg{}, false
	}
	var act protocol.ActMsg
	if err := json.Unmarshal(msg, &act); err != nil {
		return protocol.ActMsg{}, false
	}
	if act.ProtocolVersion != protocol.Version {
		return protocol.ActMsg{}, false
	}
	return act, true
}

func (s *Server) handshake(ctx context.Context, conn *websocket.Conn) (protocol.WelcomeMsg, chan []byte, bool) {
	_ = conn.SetReadDeadline(time.Now().Add(handshakeWait))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return protocol.WelcomeMsg{}, nil, false
	}

	base, err := protocol.DecodeBase(msg)
	if err != nil || base.Type != protocol.TypeHello {
		closeWith(conn, websocket.ClosePolicyViolation, "expected HELLO")
		return protocol.WelcomeMsg{}, nil, false
	}
	var hello protocol.HelloMsg
	if err := json.Unmarshal(msg, &hello); err != nil {
		closeWith(conn, websocket.ClosePolicyViolation, "bad HELLO")
		return protocol.WelcomeMsg{}, nil, false
	}
	if hello.ProtocolVersion != protocol.Version {
		closeWith(conn, websocket.ClosePolicyViolation, "bad protocol_version")
		return protocol.WelcomeMsg{}, nil, false
	}

	out := make(chan []byte, obsQueue)
	respCh := make(chan world.JoinResponse, 1)

	var resp world.JoinResponse
	if token := strings.TrimSpace(hello.ResumeToken); token != "" {
		if !send(ctx, s.world.Attach(), world.AttachRequest{ResumeToken: token, Out: out, Resp: respCh}) {
			return protocol.WelcomeMsg{}, nil, false
		}
		if resp, err = await(ctx, respCh); err != nil {
			return protocol.WelcomeMsg{}, nil, false
		}
	}
	if resp.Welcome.AgentID == "" {
		if !send(ctx, s.world.Join(), world.JoinRequest{Name: hello.AgentName, Out: out, Resp: respCh}) {
			return protocol.WelcomeMsg{}, nil, false
		}
		if resp, err = await(ctx, respCh); err != nil {
			return protocol.WelcomeMsg{}, nil, false
		}
	}

	welcome := resp.Welcome
	welcome.SessionID = "S_" + uuid.NewString()
	if err := writeJSON(conn, welcome); err != nil {
		s.detach(welcome.AgentID, out)
		return protocol.WelcomeMsg{}, nil, false
	}
	return welcome, out, true
}

func (s *Server) detach(agentID string, out chan []byte) {
	select {
	case s.world.Detach() <- world.DetachRequest{AgentID: agentID, Out: out}:
	case <-time.After(time.Second):
		s.logf("agent=%s detach dropped", agentID)
	}
}

func send[T any](ctx context.Context, ch chan<- T, v T) bool {
	select {
	case ch <- v:
		return true
	case <-ctx.Done():
		return false
	}
}

func await(ctx context.Context, ch <-chan world.JoinResponse) (world.JoinResponse, error) {
	select {
	case r := <-ch:
		return r, nil
	case <-ctx.Done():
		return world.JoinResponse{}, ctx.Err()
	}
}

func closeWith(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
}

func writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, b)
}

func (s *Server) logf(format string, args ...any) {
	if s.log != nil {
		s.log.Printf(format, args...)
	}
}
