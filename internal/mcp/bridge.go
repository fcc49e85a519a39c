package mcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"icce.ai/internal/agent"
	"icce.ai/internal/protocol"
)

var (
	ErrNoHandshake     = errors.New("session has no client id; call icce.handshake first")
	ErrTooManySessions = errors.New("too many sessions")
	ErrClosed          = errors.New("bridge closed")
)

// Dialer opens the endpoint a new session talks through.
type Dialer func(ctx context.Context) (agent.Endpoint, error)

// Releaser is implemented by endpoints that can give a client id back
// without closing a connection.
type Releaser interface {
	Release(ctx context.Context, id protocol.ClientID) error
}

type Config struct {
	Dial        Dialer
	MaxSessions int
}

// Manager maps MCP session keys to environment clients. Each session owns
// one endpoint and at most one client id.
type Manager struct {
	cfg Config

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool
}

type session struct {
	mu sync.Mutex

	ep        agent.Endpoint
	clientID  protocol.ClientID
	sessionID string
	runID     string
	last      agent.Sample
	sampled   bool
}

type Status struct {
	SessionKey string            `json:"session_key"`
	Bound      bool              `json:"bound"`
	ClientID   protocol.ClientID `json:"client_id"`
	SessionID  string            `json:"session_id,omitempty"`
	RunID      string            `json:"run_id,omitempty"`
	Status     string            `json:"status,omitempty"`
	Episode    uint64            `json:"episode"`
	Tick       uint64            `json:"tick"`
}

type HandshakeArgs struct {
	ObservationSize int  `json:"observation_size"`
	ActionSize      int  `json:"action_size"`
	AgentHint       *int `json:"agent_hint,omitempty"`
}

type HandshakeResult struct {
	ClientID    protocol.ClientID `json:"client_id"`
	Status      string            `json:"status"`
	StatusCode  protocol.Status   `json:"status_code"`
	Description string            `json:"description"`
	SessionID   string            `json:"session_id,omitempty"`
	RunID       string            `json:"run_id,omitempty"`
	TickRateHz  float64           `json:"tick_rate_hz,omitempty"`
}

type SampleResult struct {
	Observation []float32       `json:"observation"`
	Reward      float64         `json:"reward"`
	Terminated  bool            `json:"terminated"`
	Truncated   bool            `json:"truncated"`
	Info        map[string]any  `json:"info,omitempty"`
	Status      string          `json:"status"`
	StatusCode  protocol.Status `json:"status_code"`
	Episode     uint64          `json:"episode"`
	Tick        uint64          `json:"tick"`
}

type ActResult struct {
	Status     string          `json:"status"`
	StatusCode protocol.Status `json:"status_code"`
}

func NewManager(cfg Config) (*Manager, error) {
	if cfg.Dial == nil {
		return nil, fmt.Errorf("nil dialer")
	}
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = 256
	}
	return &Manager{cfg: cfg, sessions: map[string]*session{}}, nil
}

func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	sessions := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = map[string]*session{}
	m.mu.Unlock()

	for _, s := range sessions {
		_ = s.close(context.Background())
	}
	return nil
}

// Sessions lists the keys of the open sessions.
func (m *Manager) Sessions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.sessions))
	for k := range m.sessions {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (m *Manager) get(ctx context.Context, key string, create bool) (*session, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	if s, ok := m.sessions[key]; ok {
		m.mu.Unlock()
		return s, nil
	}
	if !create {
		m.mu.Unlock()
		return nil, nil
	}
	if len(m.sessions) >= m.cfg.MaxSessions {
		m.mu.Unlock()
		return nil, ErrTooManySessions
	}
	m.mu.Unlock()

	ep, err := m.cfg.Dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	s := &session{ep: ep, clientID: protocol.InvalidID}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		_ = s.close(ctx)
		return nil, ErrClosed
	}
	if prev, ok := m.sessions[key]; ok {
		// Lost a race with another call for the same key.
		_ = s.close(ctx)
		return prev, nil
	}
	m.sessions[key] = s
	return s, nil
}

func (m *Manager) Handshake(ctx context.Context, key string, args HandshakeArgs) (HandshakeResult, error) {
	s, err := m.get(ctx, key, true)
	if err != nil {
		return HandshakeResult{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.clientID != protocol.InvalidID {
		return HandshakeResult{}, fmt.Errorf("session already bound to client %d", s.clientID)
	}
	req := agent.HandshakeRequest{ObservationSize: args.ObservationSize, ActionSize: args.ActionSize}
	if args.AgentHint != nil {
		slot := protocol.AgentSlot(*args.AgentHint)
		req.Hint = &slot
	}
	reply, err := s.ep.Handshake(ctx, req)
	if err != nil {
		return HandshakeResult{}, err
	}
	if reply.Status == protocol.StatusSuccess {
		s.clientID = reply.ClientID
		s.sessionID = reply.SessionID
		s.runID = reply.RunID
	}
	return HandshakeResult{
		ClientID:    reply.ClientID,
		Status:      reply.Status.String(),
		StatusCode:  reply.Status,
		Description: reply.Status.Describe(),
		SessionID:   reply.SessionID,
		RunID:       reply.RunID,
		TickRateHz:  reply.TickRateHz,
	}, nil
}

func (m *Manager) Sample(ctx context.Context, key string) (SampleResult, error) {
	s, err := m.bound(ctx, key)
	if err != nil {
		return SampleResult{}, err
	}
	defer s.mu.Unlock()
	smp, err := s.ep.Sample(ctx, s.clientID)
	if err != nil {
		return SampleResult{}, err
	}
	s.last, s.sampled = smp, true
	return SampleResult{
		Observation: smp.Observation,
		Reward:      smp.Reward,
		Terminated:  smp.Terminated,
		Truncated:   smp.Truncated,
		Info:        smp.Info,
		Status:      smp.Status.String(),
		StatusCode:  smp.Status,
		Episode:     smp.Episode,
		Tick:        smp.Tick,
	}, nil
}

func (m *Manager) Act(ctx context.Context, key string, action []float32) (ActResult, error) {
	s, err := m.bound(ctx, key)
	if err != nil {
		return ActResult{}, err
	}
	defer s.mu.Unlock()
	st, err := s.ep.Act(ctx, s.clientID, action)
	if err != nil {
		return ActResult{}, err
	}
	return ActResult{Status: st.String(), StatusCode: st}, nil
}

func (m *Manager) Status(ctx context.Context, key string) (Status, error) {
	s, err := m.get(ctx, key, false)
	if err != nil {
		return Status{}, err
	}
	out := Status{SessionKey: key, ClientID: protocol.InvalidID}
	if s == nil {
		return out, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out.Bound = s.clientID != protocol.InvalidID
	out.ClientID = s.clientID
	out.SessionID = s.sessionID
	out.RunID = s.runID
	if s.sampled {
		out.Status = s.last.Status.String()
		out.Episode = s.last.Episode
		out.Tick = s.last.Tick
	}
	return out, nil
}

// Release drops the session, giving its client id back to the environment.
func (m *Manager) Release(ctx context.Context, key string) error {
	m.mu.Lock()
	s, ok := m.sessions[key]
	delete(m.sessions, key)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return s.close(ctx)
}

// bound returns the session locked; the caller unlocks it.
func (m *Manager) bound(ctx context.Context, key string) (*session, error) {
	s, err := m.get(ctx, key, false)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, ErrNoHandshake
	}
	s.mu.Lock()
	if s.clientID == protocol.InvalidID {
		s.mu.Unlock()
		return nil, ErrNoHandshake
	}
	return s, nil
}

func (s *session) close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err error
	if r, ok := s.ep.(Releaser); ok && s.clientID != protocol.InvalidID {
		err = r.Release(ctx, s.clientID)
	}
	if c, ok := s.ep.(io.Closer); ok {
		if cerr := c.Close(); err == nil {
			err = cerr
		}
	}
	s.clientID = protocol.InvalidID
	return err
}
