// Package observer streams the shared environment state to read-only
// spectators over websocket.
package observer

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"icce.ai/internal/observerproto"
	"icce.ai/internal/pacing"
	"icce.ai/internal/protocol"
	"icce.ai/internal/sim/env"
)

// Source is the environment surface observers read.
type Source interface {
	View() env.View
	Config() env.Config
	RunID() string
}

type Server struct {
	src Source
	log *log.Logger

	upgrader websocket.Upgrader
	watchers atomic.Int64
}

func NewServer(src Source, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Server{
		src: src,
		log: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
}

// Watchers is the number of connected observers.
func (s *Server) Watchers() int64 { return s.watchers.Load() }

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

		cfg := s.src.Config()
		resp := observerproto.BootstrapResponse{
			ProtocolVersion: observerproto.Version,
			RunID:           s.src.RunID(),
			Tick:            s.src.View().Tick,
			EnvParams: observerproto.EnvParams{
				TickRateHz:      cfg.FrequencyHz,
				ObservationSize: cfg.ObservationSize,
				ActionSize:      cfg.ActionSize,
				Roster:          cfg.Roster,
				MaxEpisodes:     cfg.MaxEpisodes,
			},
		}
		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(resp)
	}
}

// subscription holds the settings a client may change mid-stream.
type subscription struct {
	mu           sync.Mutex
	hz           float64
	observations bool
}

func (sub *subscription) set(msg observerproto.SubscribeMsg, envHz float64) {
	hz := msg.MaxHz
	if hz <= 0 || hz > envHz {
		hz = envHz
	}
	sub.mu.Lock()
	sub.hz = hz
	sub.observations = msg.Observations
	sub.mu.Unlock()
}

func (sub *subscription) get() (float64, bool) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	return sub.hz, sub.observations
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
		first, ok := readSubscribe(conn)
		if !ok {
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected SUBSCRIBE"), time.Now().Add(time.Second))
			return
		}
		envHz := s.src.Config().FrequencyHz
		sub := &subscription{}
		sub.set(first, envHz)

		s.watchers.Add(1)
		defer s.watchers.Add(-1)

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		writerDone := make(chan struct{})
		go func() {
			defer close(writerDone)
			defer cancel()
			s.stream(ctx, conn, sub)
		}()

		// Reader loop: allow SUBSCRIBE updates.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, raw, err := conn.ReadMessage()
			if err != nil || ctx.Err() != nil {
				break
			}
			if msg, ok := parseSubscribe(raw); ok {
				sub.set(msg, envHz)
			}
		}

		cancel()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))

		// Best-effort wait for the writer to stop so it doesn't outlive conn.
		select {
		case <-writerDone:
		case <-time.After(500 * time.Millisecond):
		}
	}
}

// stream sends a TICK whenever the shared tick or status changes, no faster
// than the subscription's rate.
func (s *Server) stream(ctx context.Context, conn *websocket.Conn, sub *subscription) {
	var (
		sent       bool
		lastTick   uint64
		lastStatus protocol.Status
	)
	for {
		hz, withObs := sub.get()
		p := pacing.New(hz)
		p.Begin()

		v := s.src.View()
		if !sent || v.Tick != lastTick || v.Status != lastStatus {
			sent, lastTick, lastStatus = true, v.Tick, v.Status
			b, err := json.Marshal(tickMsg(v, withObs))
			if err != nil {
				// Skip this tick; the stream resumes with the next one.
				s.log.Printf("observer: encode tick %d: %v", v.Tick, err)
			} else {
				_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
					return
				}
			}
		}
		if err := p.Wait(ctx); err != nil {
			return
		}
	}
}

func tickMsg(v env.View, withObs bool) observerproto.TickMsg {
	out := observerproto.TickMsg{
		Type:            observerproto.TypeTick,
		ProtocolVersion: observerproto.Version,
		RunID:           v.RunID,
		Tick:            v.Tick,
		Episode:         v.Episode,
		Status:          v.Status.String(),
		StatusCode:      v.Status,
		Slots:           make([]observerproto.SlotState, len(v.Slots)),
	}
	for i, sv := range v.Slots {
		st := observerproto.SlotState{
			Slot:       sv.Slot,
			ClientID:   sv.ClientID,
			Reward:     sv.Reward,
			Terminated: sv.Terminated,
			Truncated:  sv.Truncated,
		}
		if withObs {
			st.Observation = sv.Observation
		}
		out.Slots[i] = st
	}
	return out
}

func readSubscribe(conn *websocket.Conn) (observerproto.SubscribeMsg, bool) {
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return observerproto.SubscribeMsg{}, false
	}
	return parseSubscribe(raw)
}

func parseSubscribe(raw []byte) (observerproto.SubscribeMsg, bool) {
	var sub observerproto.SubscribeMsg
	if err := json.Unmarshal(raw, &sub); err != nil {
		return sub, false
	}
	if sub.Type != observerproto.TypeSubscribe || sub.ProtocolVersion != observerproto.Version {
		return sub, false
	}
	return sub, true
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
