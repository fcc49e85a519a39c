package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"icce.ai/internal/protocol"
	"icce.ai/internal/sim/env"
	"icce.ai/internal/sim/env/registry"
	"icce.ai/internal/sim/env/state"
)

// Environment is the server-side protocol handler the transport delegates to.
type Environment interface {
	Handshake(req env.HandshakeRequest) env.HandshakeResult
	Sample(id protocol.ClientID) (state.Snapshot, error)
	Act(id protocol.ClientID, action []float32) (protocol.Status, error)
	Release(id protocol.ClientID, reason string) error
}

type Options struct {
	// Workers bounds concurrent handler calls across all connections.
	Workers             int
	ReleaseOnDisconnect bool
	RunID               string
	TickRateHz          float64
}

type Stats struct {
	Connections int64  `json:"connections"`
	Calls       uint64 `json:"calls"`
	Rejected    uint64 `json:"rejected"`
}

type Server struct {
	env  Environment
	log  *log.Logger
	opts Options

	sem      chan struct{}
	upgrader websocket.Upgrader

	conns    atomic.Int64
	calls    atomic.Uint64
	rejected atomic.Uint64
}

func NewServer(e Environment, opts Options, logger *log.Logger) *Server {
	if opts.Workers <= 0 {
		opts.Workers = 10
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Server{
		env:  e,
		log:  logger,
		opts: opts,
		sem:  make(chan struct{}, opts.Workers),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 16 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
}

func (s *Server) Stats() Stats {
	return Stats{Connections: s.conns.Load(), Calls: s.calls.Load(), Rejected: s.rejected.Load()}
}

// connState tracks the client ids a connection handshook so they can be
// released when it goes away.
type connState struct {
	mu  sync.Mutex
	ids []protocol.ClientID
}

func (c *connState) add(id protocol.ClientID) {
	c.mu.Lock()
	c.ids = append(c.ids, id)
	c.mu.Unlock()
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		s.conns.Add(1)
		defer s.conns.Add(-1)

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		out := make(chan []byte, 16)
		writerDone := make(chan struct{})

		// Writer goroutine.
		go func() {
			defer close(writerDone)
			for b := range out {
				_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
					cancel()
					// Keep draining so handlers never block on a dead connection.
					for range out {
					}
					return
				}
			}
		}()

		cs := &connState{}
		var inflight sync.WaitGroup

		// Reader loop.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			if !s.acquire(ctx) {
				break
			}
			inflight.Add(1)
			go func(msg []byte) {
				defer inflight.Done()
				defer func() { <-s.sem }()
				out <- s.encode(s.handle(msg, cs))
			}(msg)
		}

		// Cleanup.
		cancel()
		inflight.Wait()
		close(out)
		<-writerDone
		if s.opts.ReleaseOnDisconnect {
			s.release(cs)
		}
	}
}

// acquire takes a worker slot, or reports false if ctx ends first.
func (s *Server) acquire(ctx context.Context) bool {
	select {
	case s.sem <- struct{}{}:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Server) release(cs *connState) {
	cs.mu.Lock()
	ids := cs.ids
	cs.ids = nil
	cs.mu.Unlock()
	for _, id := range ids {
		if err := s.env.Release(id, "disconnect"); err != nil && !errors.Is(err, registry.ErrUnknownClient) {
			s.log.Printf("release client %d: %v", id, err)
		}
	}
}

// handle turns one request frame into its response message.
func (s *Server) handle(msg []byte, cs *connState) any {
	s.calls.Add(1)
	base, err := protocol.DecodeBase(msg)
	if err != nil {
		return s.reject("", protocol.ErrProtoBadRequest, "malformed message")
	}
	if base.ProtocolVersion != protocol.Version {
		return s.reject(base.ReqID, protocol.ErrProtoVersion, fmt.Sprintf("protocol_version %q, server speaks %q", base.ProtocolVersion, protocol.Version))
	}

	switch base.Type {
	case protocol.TypeHandshake:
		var req protocol.HandshakeMsg
		if err := json.Unmarshal(msg, &req); err != nil {
			return s.reject(base.ReqID, protocol.ErrProtoBadRequest, "bad HANDSHAKE")
		}
		hr := env.HandshakeRequest{ObservationSize: req.ObservationSize, ActionSize: req.ActionSize}
		if slot, ok := req.Hint(); ok {
			hr.Hint = &slot
		}
		res := s.env.Handshake(hr)
		if res.Status == protocol.StatusSuccess {
			cs.add(res.ClientID)
		}
		return protocol.HandshakeResultMsg{
			Type:            protocol.TypeHandshakeResult,
			ProtocolVersion: protocol.Version,
			ReqID:           base.ReqID,
			ClientID:        res.ClientID,
			Status:          res.Status,
			SessionID:       res.SessionID,
			RunID:           s.opts.RunID,
			TickRateHz:      s.opts.TickRateHz,
		}

	case protocol.TypeSample:
		var req protocol.SampleMsg
		if err := json.Unmarshal(msg, &req); err != nil {
			return s.reject(base.ReqID, protocol.ErrProtoBadRequest, "bad SAMPLE")
		}
		snap, err := s.env.Sample(req.ClientID)
		if err != nil {
			return s.rejectErr(base.ReqID, err)
		}
		return protocol.SampleResultMsg{
			Type:            protocol.TypeSampleResult,
			ProtocolVersion: protocol.Version,
			ReqID:           base.ReqID,
			Observation:     protocol.EncodeFloat32s(snap.Observation),
			Reward:          snap.Reward,
			Terminated:      snap.Terminated,
			Truncated:       snap.Truncated,
			Info:            snap.Info,
			Episode:         snap.Episode,
			Status:          snap.Status,
			Tick:            snap.Tick,
		}

	case protocol.TypeAct:
		var req protocol.ActMsg
		if err := json.Unmarshal(msg, &req); err != nil {
			return s.reject(base.ReqID, protocol.ErrProtoBadRequest, "bad ACT")
		}
		action, err := protocol.DecodeFloat32s(req.Action)
		if err != nil {
			return s.reject(base.ReqID, protocol.ErrProtoBadRequest, err.Error())
		}
		st, err := s.env.Act(req.ClientID, action)
		if err != nil {
			return s.rejectErr(base.ReqID, err)
		}
		return protocol.ActResultMsg{
			Type:            protocol.TypeActResult,
			ProtocolVersion: protocol.Version,
			ReqID:           base.ReqID,
			Status:          st,
		}

	default:
		return s.reject(base.ReqID, protocol.ErrProtoBadRequest, fmt.Sprintf("unknown type %q", base.Type))
	}
}

// encode marshals resp, falling back to an E_INTERNAL error frame so the
// caller always gets an answer to its req_id.
func (s *Server) encode(resp any) []byte {
	b, err := json.Marshal(resp)
	if err == nil {
		return b
	}
	s.log.Printf("encode %T: %v", resp, err)
	var reqID string
	switch m := resp.(type) {
	case protocol.HandshakeResultMsg:
		reqID = m.ReqID
	case protocol.SampleResultMsg:
		reqID = m.ReqID
	case protocol.ActResultMsg:
		reqID = m.ReqID
	}
	b, _ = json.Marshal(s.reject(reqID, protocol.ErrInternal, "encode response"))
	return b
}

func (s *Server) rejectErr(reqID string, err error) protocol.ErrorMsg {
	switch {
	case errors.Is(err, registry.ErrUnknownClient):
		return s.reject(reqID, protocol.ErrUnknownClient, err.Error())
	case errors.Is(err, env.ErrActionSize):
		return s.reject(reqID, protocol.ErrActionSize, err.Error())
	default:
		s.log.Printf("call %s: %v", reqID, err)
		return s.reject(reqID, protocol.ErrInternal, "internal error")
	}
}

func (s *Server) reject(reqID, code, message string) protocol.ErrorMsg {
	s.rejected.Add(1)
	return protocol.ErrorMsg{
		Type:            protocol.TypeError,
		ProtocolVersion: protocol.Version,
		ReqID:           reqID,
		Code:            code,
		Message:         message,
	}
}
