// Package mcp exposes the environment protocol as MCP-style JSON-RPC tools so
// that tool-calling agents can drive a client slot over HTTP.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const headerSessionKey = "x-agent-id"

const (
	toolHandshake = "icce.handshake"
	toolSample    = "icce.sample"
	toolAct       = "icce.act"
	toolStatus    = "icce.status"
	toolRelease   = "icce.release"
)

// Bridge is what the tools call; *Manager implements it.
type Bridge interface {
	Handshake(ctx context.Context, key string, args HandshakeArgs) (HandshakeResult, error)
	Sample(ctx context.Context, key string) (SampleResult, error)
	Act(ctx context.Context, key string, action []float32) (ActResult, error)
	Status(ctx context.Context, key string) (Status, error)
	Release(ctx context.Context, key string) error
}

var _ Bridge = (*Manager)(nil)

type Server struct {
	bridge Bridge
}

func NewServer(b Bridge) (*Server, error) {
	if b == nil {
		return nil, fmt.Errorf("nil bridge")
	}
	return &Server{bridge: b}, nil
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
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

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		rw.WriteHeader(http.StatusBadRequest)
		_, _ = rw.Write([]byte("bad body"))
		return
	}
	_ = r.Body.Close()

	sessionKey := strings.TrimSpace(r.Header.Get(headerSessionKey))
	if sessionKey == "" {
		sessionKey = "default"
	}

	req, err := parseRPCRequest(body)
	if err != nil {
		rw.Header().Set("content-type", "application/json")
		rw.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(rw).Encode(rpcErr(nil, codeInvalidRequest, "bad jsonrpc request", err.Error()))
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
			"capabilities": map[string]any{
				"tools": map[string]any{"listChanged": false},
			},
		})

	case "list_tools", "tools/list":
		return rpcOK(req.ID, map[string]any{"tools": toolsList()})

	case "call_tool", "tools/call":
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

func emptyObject() map[string]any {
	return map[string]any{"type": "object", "properties": map[string]any{}, "additionalProperties": false}
}

func toolsList() []map[string]any {
	return []map[string]any{
		{
			"name":        toolHandshake,
			"description": "Register this session as an environment client. Fails with a negative status when the sizes do not match or no slot is free.",
			"inputSchema": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"observation_size": map[string]any{"type": "integer", "minimum": 0},
					"action_size":      map[string]any{"type": "integer", "minimum": 0},
					"agent_hint":       map[string]any{"type": "integer"},
				},
				"required": []string{"observation_size", "action_size"},
			},
		},
		{
			"name":        toolSample,
			"description": "Read the latest observation, reward and termination flags of this session's slot plus the shared status (SUCCESS, DONE, WAIT, SHUTDOWN).",
			"inputSchema": emptyObject(),
		},
		{
			"name":        toolAct,
			"description": "Store an action for this session's slot. It is applied on the next environment tick.",
			"inputSchema": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"action": map[string]any{"type": "array", "items": map[string]any{"type": "number"}},
				},
				"required": []string{"action"},
			},
		},
		{
			"name":        toolStatus,
			"description": "Report whether this session holds a client id and the last sampled status.",
			"inputSchema": emptyObject(),
		},
		{
			"name":        toolRelease,
			"description": "Give this session's client id back to the environment.",
			"inputSchema": emptyObject(),
		},
	}
}

func (s *Server) callTool(ctx context.Context, sessionKey, name string, args json.RawMessage) (any, error) {
	switch name {
	case toolHandshake:
		var a HandshakeArgs
		if err := json.Unmarshal(orEmpty(args), &a); err != nil {
			return nil, fmt.Errorf("bad arguments: %w", err)
		}
		return s.bridge.Handshake(ctx, sessionKey, a)

	case toolSample:
		return s.bridge.Sample(ctx, sessionKey)

	case toolAct:
		var a struct {
			Action []float32 `json:"action"`
		}
		if err := json.Unmarshal(orEmpty(args), &a); err != nil {
			return nil, fmt.Errorf("bad arguments: %w", err)
		}
		if a.Action == nil {
			return nil, fmt.Errorf("missing action")
		}
		return s.bridge.Act(ctx, sessionKey, a.Action)

	case toolStatus:
		return s.bridge.Status(ctx, sessionKey)

	case toolRelease:
		if err := s.bridge.Release(ctx, sessionKey); err != nil {
			return nil, err
		}
		return map[string]any{"ok": true}, nil

	default:
		return nil, fmt.Errorf("unknown tool: %s", name)
	}
}

func orEmpty(args json.RawMessage) json.RawMessage {
	if len(args) == 0 {
		return json.RawMessage(`{}`)
	}
	return args
}

func isKnownTool(name string) bool {
	switch name {
	case toolHandshake, toolSample, toolAct, toolStatus, toolRelease:
		return true
	default:
		return false
	}
}
