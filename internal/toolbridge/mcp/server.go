package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"puppetmaster/internal/toolbridge/bridge"
)

const maxBody = 4 << 20

type Bridge interface {
	GetStatus(ctx context.Context, sessionKey string) (bridge.Status, error)
	GetObs(ctx context.Context, sessionKey string, opts bridge.GetObsOpts) (bridge.ObsResult, error)
	GetEvents(ctx context.Context, sessionKey string, sinceCursor uint64, limit int) (bridge.GetEventsResult, error)
	Act(ctx context.Context, sessionKey string, args bridge.ActArgs) (bridge.ActResult, error)
	Disconnect(ctx context.Context, sessionKey string) error
}

type Config struct {
	Bridge     Bridge
	HMACSecret string
}

// Server exposes the bridge as MCP tools over JSON-RPC. Without an HMAC
// secret only loopback callers are served.
type Server struct {
	bridge     Bridge
	hmacSecret []byte
	replay     *replayGuard
	now        func() time.Time
}

func NewServer(cfg Config) (*Server, error) {
	if cfg.Bridge == nil {
		return nil, fmt.Errorf("nil bridge")
	}
	s := &Server{
		bridge: cfg.Bridge,
		now:    time.Now,
	}
	if strings.TrimSpace(cfg.HMACSecret) != "" {
		s.hmacSecret = []byte(cfg.HMACSecret)
		s.replay = newReplayGuard(2 * signatureWindow)
	}
	return s, nil
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(http.StatusOK)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/mcp", s.handleMCP)
	return mux
}

func (s *Server) handleMCP(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		rw.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if len(s.hmacSecret) == 0 && !isLoopbackRemote(r.RemoteAddr) {
		http.Error(rw, "forbidden: non-loopback client", http.StatusForbidden)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		http.Error(rw, "bad body", http.StatusBadRequest)
		return
	}
	_ = r.Body.Close()

	sessionKey := strings.TrimSpace(r.Header.Get(headerAgentID))
	if len(s.hmacSecret) > 0 {
		now := s.now()
		vr := verifyHMAC(r, body, s.hmacSecret, now)
		if vr.HTTPStatus != 0 {
			http.Error(rw, vr.Message, vr.HTTPStatus)
			return
		}
		if !s.replay.allow(vr.SessionKey, vr.Signature, now) {
			http.Error(rw, "replayed request", http.StatusUnauthorized)
			return
		}
		sessionKey = vr.SessionKey
	}
	if sessionKey == "" {
		sessionKey = "default"
	}

	req, err := parseRPCRequest(body)
	if err != nil {
		http.Error(rw, "bad jsonrpc request", http.StatusBadRequest)
		return
	}

	resp := s.dispatch(r.Context(), sessionKey, req)
	rw.Header().Set("content-type", "application/json")
	_ = json.NewEncoder(rw).Encode(resp)
}

func (s *Server) dispatch(ctx context.Context, sessionKey string, req rpcRequest) rpcResponse {
	switch req.Method {
	case "initialize":
		return rpcOK(req.ID, map[string]any{
			"protocolVersion": "2024-11-05",
			"serverInfo":      map[string]any{"name": "puppetmaster-mcp"},
			"capabilities": map[string]any{
				"tools": map[string]any{"listChanged": false},
			},
		})

	case "list_tools":
		return rpcOK(req.ID, map[string]any{"tools": toolsList()})

	case "call_tool":
		var p struct {
			Name      string          `json:"name"`
			Arguments json.RawMessage `json:"arguments"`
		}
		if len(req.Params) == 0 {
			return rpcErr(req.ID, codeInvalidParams, "missing params", nil)
		}
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return rpcErr(req.ID, codeInvalidParams, "bad params", err.Error())
		}
		if p.Name == "" {
			return rpcErr(req.ID, codeInvalidParams, "missing tool name", nil)
		}
		if !isKnownTool(p.Name) {
			return rpcErr(req.ID, codeMethodNotFound, "tool not found", map[string]any{"name": p.Name})
		}
		out, err := s.callTool(ctx, sessionKey, p.Name, p.Arguments)
		if err != nil {
			return rpcErr(req.ID, codeToolFailed, err.Error(), nil)
		}
		return rpcOK(req.ID, out)

	default:
		return rpcErr(req.ID, codeMethodNotFound, "method not found", nil)
	}
}

const (
	toolGetStatus  = "puppetmaster.get_status"
	toolGetObs     = "puppetmaster.get_obs"
	toolGetEvents  = "puppetmaster.get_events"
	toolAct        = "puppetmaster.act"
	toolDisconnect = "puppetmaster.disconnect"
)

func emptySchema() map[string]any {
	return map[string]any{"type": "object", "properties": map[string]any{}, "additionalProperties": false}
}

func toolsList() []map[string]any {
	point := map[string]any{"type": "array", "items": map[string]any{"type": "number"}, "minItems": 2, "maxItems": 2}
	return []map[string]any{
		{
			"name":        toolGetStatus,
			"description": "Connection status of the pawn backing this session, including ability catalog digest.",
			"inputSchema": emptySchema(),
		},
		{
			"name":        toolGetObs,
			"description": "Latest OBS for the pawn. summary drops per-task detail; wait_new_tick blocks for the next frame.",
			"inputSchema": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"mode":          map[string]any{"type": "string", "enum": []string{string(bridge.ObsModeFull), string(bridge.ObsModeSummary)}},
					"wait_new_tick": map[string]any{"type": "boolean"},
					"timeout_ms":    map[string]any{"type": "integer"},
				},
			},
		},
		{
			"name":        toolGetEvents,
			"description": "Events seen since a cursor (ACTION_RESULT, ABILITY_*, EFFECT and so on).",
			"inputSchema": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"since_cursor": map[string]any{"type": "integer"},
					"limit":        map[string]any{"type": "integer"},
				},
			},
		},
		{
			"name":        toolAct,
			"description": "Send an ACT. Tick, agent id and missing activation ids are filled in by the bridge. cancel_refs cancels instances by their activation id.",
			"inputSchema": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"activate": map[string]any{"type": "array", "items": map[string]any{
						"type": "object",
						"properties": map[string]any{
							"id":      map[string]any{"type": "string"},
							"ability": map[string]any{"type": "string"},
							"target":  point,
						},
						"required": []string{"ability"},
					}},
					"input":       map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
					"target":      point,
					"cancel":      map[string]any{"type": "array", "items": map[string]any{"type": "integer"}},
					"cancel_refs": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
				},
			},
		},
		{
			"name":        toolDisconnect,
			"description": "Close the pawn's connection and pause reconnects until the next call. The pawn leaves the world unless a call resumes within the detach grace.",
			"inputSchema": emptySchema(),
		},
	}
}

func decodeArgs(args json.RawMessage, v any) error {
	if len(args) == 0 || string(args) == "null" {
		return nil
	}
	if err := json.Unmarshal(args, v); err != nil {
		return fmt.Errorf("bad arguments: %w", err)
	}
	return nil
}

func (s *Server) callTool(ctx context.Context, sessionKey, name string, args json.RawMessage) (any, error) {
	switch name {
	case toolGetStatus:
		return s.bridge.GetStatus(ctx, sessionKey)

	case toolGetObs:
		var o bridge.GetObsOpts
		if err := decodeArgs(args, &o); err != nil {
			return nil, err
		}
		return s.bridge.GetObs(ctx, sessionKey, o)

	case toolGetEvents:
		var p struct {
			SinceCursor uint64 `json:"since_cursor"`
			Limit       int    `json:"limit"`
		}
		if err := decodeArgs(args, &p); err != nil {
			return nil, err
		}
		return s.bridge.GetEvents(ctx, sessionKey, p.SinceCursor, p.Limit)

	case toolAct:
		var a bridge.ActArgs
		if err := decodeArgs(args, &a); err != nil {
			return nil, err
		}
		return s.bridge.Act(ctx, sessionKey, a)

	case toolDisconnect:
		if err := s.bridge.Disconnect(ctx, sessionKey); err != nil {
			return nil, err
		}
		return map[string]any{"ok": true}, nil

	default:
		return nil, fmt.Errorf("unknown tool: %s", name)
	}
}

func isKnownTool(name string) bool {
	switch name {
	case toolGetStatus, toolGetObs, toolGetEvents, toolAct, toolDisconnect:
		return true
	default:
		return false
	}
}
