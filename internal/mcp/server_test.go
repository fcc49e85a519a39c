package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"icce.ai/internal/agent"
	"icce.ai/internal/protocol"
	"icce.ai/internal/sim/env"
	"icce.ai/internal/sim/env/state"
)

type echoSim struct {
	mu   sync.Mutex
	last []float32
}

func (s *echoSim) Reset() error { return nil }

func (s *echoSim) Sample(slot protocol.AgentSlot) (state.SlotTick, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obs := []float32{0, 0}
	copy(obs, s.last)
	return state.SlotTick{Observation: obs, Reward: 0.5}, nil
}

func (s *echoSim) Act(slot protocol.AgentSlot, action []float32) error {
	s.mu.Lock()
	s.last = append([]float32(nil), action...)
	s.mu.Unlock()
	return nil
}

func startServer(t *testing.T) *httptest.Server {
	t.Helper()
	e, err := env.New(env.Config{
		FrequencyHz:     200,
		ObservationSize: 2,
		ActionSize:      2,
		Roster:          []protocol.AgentSlot{0},
	}, &echoSim{}, nil)
	if err != nil {
		t.Fatalf("env.New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = e.Run(ctx) }()

	local := agent.NewLocal(e, e.RunID(), 200)
	m, err := NewManager(Config{Dial: func(context.Context) (agent.Endpoint, error) { return local, nil }})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })
	srv, err := NewServer(m)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func rpcPost(t *testing.T, base, session string, payload any) rpcResponse {
	t.Helper()
	b, _ := json.Marshal(payload)
	req, _ := http.NewRequest(http.MethodPost, base+"/mcp", bytes.NewReader(b))
	req.Header.Set("content-type", "application/json")
	if session != "" {
		req.Header.Set(headerSessionKey, session)
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer res.Body.Close()
	var out rpcResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return out
}

func callTool(t *testing.T, base, session, name string, args any, out any) *rpcError {
	t.Helper()
	resp := rpcPost(t, base, session, map[string]any{
		"jsonrpc": "2.0", "id": 1, "method": "tools/call",
		"params": map[string]any{"name": name, "arguments": args},
	})
	if resp.Error != nil {
		return resp.Error
	}
	if out != nil {
		b, _ := json.Marshal(resp.Result)
		if err := json.Unmarshal(b, out); err != nil {
			t.Fatalf("result: %v", err)
		}
	}
	return nil
}

func TestServer_ToolsDriveTheEnvironment(t *testing.T) {
	ts := startServer(t)

	list := rpcPost(t, ts.URL, "", map[string]any{"jsonrpc": "2.0", "id": 1, "method": "list_tools"})
	if list.Error != nil {
		t.Fatalf("list_tools: %+v", list.Error)
	}

	var hs HandshakeResult
	if e := callTool(t, ts.URL, "alice", toolHandshake, map[string]any{"observation_size": 2, "action_size": 2}, &hs); e != nil {
		t.Fatalf("handshake: %+v", e)
	}
	if hs.StatusCode != protocol.StatusSuccess {
		t.Fatalf("handshake=%+v", hs)
	}

	var rejected HandshakeResult
	if e := callTool(t, ts.URL, "bob", toolHandshake, map[string]any{"observation_size": 2, "action_size": 2}, &rejected); e != nil {
		t.Fatalf("bob handshake: %+v", e)
	}
	if rejected.StatusCode != protocol.StatusIDAllocationError {
		t.Fatalf("bob status=%s want ID_ALLOCATION_ERROR", rejected.Status)
	}

	if e := callTool(t, ts.URL, "alice", toolAct, map[string]any{"action": []float32{0.25, -1}}, nil); e != nil {
		t.Fatalf("act: %+v", e)
	}
	deadline := time.Now().Add(3 * time.Second)
	for {
		var smp SampleResult
		if e := callTool(t, ts.URL, "alice", toolSample, nil, &smp); e != nil {
			t.Fatalf("sample: %+v", e)
		}
		if len(smp.Observation) == 2 && smp.Observation[0] == 0.25 && smp.Observation[1] == -1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("action never reached the simulation: %+v", smp)
		}
		time.Sleep(10 * time.Millisecond)
	}

	if e := callTool(t, ts.URL, "alice", toolAct, map[string]any{"action": []float32{1}}, nil); e == nil {
		t.Fatalf("expected action size error")
	}

	if e := callTool(t, ts.URL, "alice", toolRelease, nil, nil); e != nil {
		t.Fatalf("release: %+v", e)
	}
	if e := callTool(t, ts.URL, "bob", toolHandshake, map[string]any{"observation_size": 2, "action_size": 2}, &hs); e != nil || hs.StatusCode != protocol.StatusSuccess {
		t.Fatalf("bob after release=%+v err=%+v", hs, e)
	}
}

func TestServer_RejectsBadRequests(t *testing.T) {
	ts := startServer(t)

	if e := callTool(t, ts.URL, "", "icce.teleport", nil, nil); e == nil || e.Code != codeMethodNotFound {
		t.Fatalf("unknown tool err=%+v", e)
	}
	if e := callTool(t, ts.URL, "", toolAct, map[string]any{}, nil); e == nil {
		t.Fatalf("expected missing action error")
	}
	if e := callTool(t, ts.URL, "", toolSample, nil, nil); e == nil || e.Code != codeToolFailed {
		t.Fatalf("sample without handshake err=%+v", e)
	}
	if r := rpcPost(t, ts.URL, "", map[string]any{"jsonrpc": "2.0", "id": 2, "method": "nope"}); r.Error == nil || r.Error.Code != codeMethodNotFound {
		t.Fatalf("unknown method resp=%+v", r)
	}

	res, err := http.Get(ts.URL + "/mcp")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("GET status=%d", res.StatusCode)
	}
}
