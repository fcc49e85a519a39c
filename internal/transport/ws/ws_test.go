package ws

import (
	"context"
	"errors"
	"math"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"icce.ai/internal/agent"
	"icce.ai/internal/protocol"
	"icce.ai/internal/sim/env"
	"icce.ai/internal/sim/env/state"
)

// countdownSim ends every episode after a fixed number of steps on the first slot.
type countdownSim struct {
	mu    sync.Mutex
	steps int
	limit int
	first protocol.AgentSlot
}

func (s *countdownSim) Reset() error {
	s.mu.Lock()
	s.steps = 0
	s.mu.Unlock()
	return nil
}

func (s *countdownSim) Sample(slot protocol.AgentSlot) (state.SlotTick, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if slot == s.first {
		s.steps++
	}
	return state.SlotTick{
		Observation: []float32{float32(s.steps), float32(slot)},
		Reward:      0.5,
		Terminated:  slot == s.first && s.steps >= s.limit,
	}, nil
}

func (s *countdownSim) Act(protocol.AgentSlot, []float32) error { return nil }

func newEnv(t *testing.T, cfg env.Config) *env.Environment {
	t.Helper()
	if cfg.FrequencyHz == 0 {
		cfg.FrequencyHz = 200
	}
	e, err := env.New(cfg, &countdownSim{limit: 4, first: cfg.Roster[0]}, nil)
	if err != nil {
		t.Fatalf("env.New: %v", err)
	}
	return e
}

func serve(t *testing.T, e *env.Environment, opts Options) string {
	t.Helper()
	srv := httptest.NewServer(NewServer(e, opts, nil).Handler())
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *Client {
	t.Helper()
	c, err := Dial(context.Background(), url)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

type zeroPolicy struct {
	mu       sync.Mutex
	episodes int
}

func (p *zeroPolicy) Act(agent.Sample) []float32 { return []float32{0} }
func (p *zeroPolicy) PostSample(agent.Sample)    {}
func (p *zeroPolicy) PostEpisode(agent.Sample) {
	p.mu.Lock()
	p.episodes++
	p.mu.Unlock()
}

func TestEndToEnd_TwoAgentsRunToShutdown(t *testing.T) {
	cfg := env.Config{
		FrequencyHz:         200,
		MaxEpisodes:         2,
		TimeBetweenEpisodes: 50 * time.Millisecond,
		ShutdownGrace:       300 * time.Millisecond,
		ObservationSize:     2,
		ActionSize:          1,
		Roster:              []protocol.AgentSlot{0, 1},
	}
	e := newEnv(t, cfg)
	url := serve(t, e, Options{Workers: 4, ReleaseOnDisconnect: true, RunID: e.RunID(), TickRateHz: cfg.FrequencyHz})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	type result struct {
		stats agent.Stats
		err   error
		eps   int
	}
	results := make(chan result, 2)
	for i := 0; i < 2; i++ {
		c := dial(t, url)
		go func() {
			p := &zeroPolicy{}
			d := agent.New(agent.Config{FrequencyHz: 400, ObservationSize: 2, ActionSize: 1}, c, p, nil)
			err := d.Run(ctx)
			results <- result{stats: d.Stats(), err: err, eps: p.episodes}
		}()
	}
	// Let both clients bind before the first tick.
	time.Sleep(50 * time.Millisecond)
	go func() { _ = e.Run(ctx) }()

	slots := map[protocol.ClientID]bool{}
	for i := 0; i < 2; i++ {
		r := <-results
		if r.err != nil {
			t.Fatalf("driver: %v", r.err)
		}
		if slots[r.stats.ClientID] {
			t.Fatalf("client id %d handed out twice", r.stats.ClientID)
		}
		slots[r.stats.ClientID] = true
		if r.eps < 1 || r.eps > 2 {
			t.Fatalf("client %d saw %d episode ends want 1..2", r.stats.ClientID, r.eps)
		}
		if r.stats.Acts == 0 {
			t.Fatalf("client %d never acted", r.stats.ClientID)
		}
	}
	<-e.Done()
	if st, ep := e.Status(); st != protocol.StatusShutdown || ep != 2 {
		t.Fatalf("final=(%s,%d)", st, ep)
	}
}

func TestHandshake_RejectionCarriesStatus(t *testing.T) {
	e := newEnv(t, env.Config{ObservationSize: 30, ActionSize: 4, Roster: []protocol.AgentSlot{0}})
	c := dial(t, serve(t, e, Options{}))

	reply, err := c.Handshake(context.Background(), agent.HandshakeRequest{ObservationSize: 30, ActionSize: 3})
	if err != nil {
		t.Fatalf("Handshake: %v", err)
	}
	if reply.Status != protocol.StatusActionSizeError || reply.ClientID != protocol.InvalidID {
		t.Fatalf("reply=%+v", reply)
	}
}

func TestCalls_RejectedWithErrorCodes(t *testing.T) {
	e := newEnv(t, env.Config{ObservationSize: 2, ActionSize: 1, Roster: []protocol.AgentSlot{7}})
	c := dial(t, serve(t, e, Options{}))
	ctx := context.Background()

	_, err := c.Sample(ctx, 3)
	var ce *protocol.CallError
	if !errors.As(err, &ce) || ce.Code != protocol.ErrUnknownClient {
		t.Fatalf("unknown client err=%v", err)
	}

	reply, err := c.Handshake(ctx, agent.HandshakeRequest{ObservationSize: 2, ActionSize: 1})
	if err != nil || reply.Status != protocol.StatusSuccess {
		t.Fatalf("handshake=%+v err=%v", reply, err)
	}
	if reply.SessionID == "" {
		t.Fatalf("reply=%+v", reply)
	}

	_, err = c.Act(ctx, reply.ClientID, []float32{1, 2})
	if !errors.As(err, &ce) || ce.Code != protocol.ErrActionSize {
		t.Fatalf("wrong action size err=%v", err)
	}
	st, err := c.Act(ctx, reply.ClientID, []float32{1})
	if err != nil || st != protocol.StatusSuccess {
		t.Fatalf("Act=(%s,%v)", st, err)
	}
	s, err := c.Sample(ctx, reply.ClientID)
	if err != nil {
		t.Fatalf("Sample: %v", err)
	}
	if s.Status != protocol.StatusWait {
		t.Fatalf("status before Run=%s want WAIT", s.Status)
	}
}

func TestServer_RejectsOtherProtocolVersion(t *testing.T) {
	e := newEnv(t, env.Config{ObservationSize: 2, ActionSize: 1, Roster: []protocol.AgentSlot{0}})
	conn, _, err := websocket.DefaultDialer.Dial(serve(t, e, Options{}), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(protocol.SampleMsg{Type: protocol.TypeSample, ProtocolVersion: "0.9", ReqID: "R1"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	var em protocol.ErrorMsg
	if err := conn.ReadJSON(&em); err != nil {
		t.Fatalf("read: %v", err)
	}
	if em.Type != protocol.TypeError || em.Code != protocol.ErrProtoVersion || em.ReqID != "R1" {
		t.Fatalf("got %+v", em)
	}
}

func TestServer_ReleasesClientsOnDisconnect(t *testing.T) {
	e := newEnv(t, env.Config{ObservationSize: 2, ActionSize: 1, Roster: []protocol.AgentSlot{0}})
	url := serve(t, e, Options{ReleaseOnDisconnect: true})
	ctx := context.Background()

	first, err := Dial(ctx, url)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if r, err := first.Handshake(ctx, agent.HandshakeRequest{ObservationSize: 2, ActionSize: 1}); err != nil || r.Status != protocol.StatusSuccess {
		t.Fatalf("first handshake=%+v err=%v", r, err)
	}
	_ = first.Close()

	second := dial(t, url)
	deadline := time.Now().Add(5 * time.Second)
	for {
		r, err := second.Handshake(ctx, agent.HandshakeRequest{ObservationSize: 2, ActionSize: 1})
		if err != nil {
			t.Fatalf("handshake: %v", err)
		}
		if r.Status == protocol.StatusSuccess {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("slot never released: last status %s", r.Status)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// nanEnv answers every call but hands back a reward JSON cannot carry.
type nanEnv struct{}

func (nanEnv) Handshake(env.HandshakeRequest) env.HandshakeResult {
	return env.HandshakeResult{ClientID: 0, Status: protocol.StatusSuccess}
}

func (nanEnv) Sample(protocol.ClientID) (state.Snapshot, error) {
	return state.Snapshot{
		SlotTick: state.SlotTick{Observation: []float32{1}, Reward: math.NaN()},
		Status:   protocol.StatusSuccess,
	}, nil
}

func (nanEnv) Act(protocol.ClientID, []float32) (protocol.Status, error) {
	return protocol.StatusSuccess, nil
}

func (nanEnv) Release(protocol.ClientID, string) error { return nil }

func TestServer_UnencodableReplyBecomesInternalError(t *testing.T) {
	srv := NewServer(nanEnv{}, Options{}, nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	c := dial(t, "ws"+strings.TrimPrefix(ts.URL, "http"))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	start := time.Now()
	_, err := c.Sample(ctx, 0)
	var ce *protocol.CallError
	if !errors.As(err, &ce) || ce.Code != protocol.ErrInternal {
		t.Fatalf("Sample err=%v want %s", err, protocol.ErrInternal)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("error reply took %s", time.Since(start))
	}

	// The connection keeps serving after the failed encode.
	if st, err := c.Act(ctx, 0, []float32{1}); err != nil || st != protocol.StatusSuccess {
		t.Fatalf("Act after failed encode=(%s,%v)", st, err)
	}
	if got := srv.Stats().Rejected; got != 1 {
		t.Fatalf("rejected=%d want 1", got)
	}
}
