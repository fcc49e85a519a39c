package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"icce.ai/internal/agent"
	"icce.ai/internal/protocol"
)

const defaultCallTimeout = 10 * time.Second

// Client is an agent.Endpoint over one websocket connection. Calls are
// serialized: each waits for the response carrying its req_id.
type Client struct {
	conn *websocket.Conn

	mu  sync.Mutex
	seq uint64
}

var _ agent.Endpoint = (*Client)(nil)

func Dial(ctx context.Context, url string) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

func (c *Client) Close() error {
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	return c.conn.Close()
}

func (c *Client) Handshake(ctx context.Context, req agent.HandshakeRequest) (agent.HandshakeReply, error) {
	msg := protocol.HandshakeMsg{
		Type:            protocol.TypeHandshake,
		ProtocolVersion: protocol.Version,
		ObservationSize: req.ObservationSize,
		ActionSize:      req.ActionSize,
	}
	if req.Hint != nil {
		hint := int(*req.Hint)
		msg.AgentHint = &hint
	}
	var resp protocol.HandshakeResultMsg
	if err := c.call(ctx, &msg.ReqID, &msg, protocol.TypeHandshakeResult, &resp); err != nil {
		return agent.HandshakeReply{}, err
	}
	return agent.HandshakeReply{
		ClientID:   resp.ClientID,
		Status:     resp.Status,
		SessionID:  resp.SessionID,
		RunID:      resp.RunID,
		TickRateHz: resp.TickRateHz,
	}, nil
}

func (c *Client) Sample(ctx context.Context, id protocol.ClientID) (agent.Sample, error) {
	msg := protocol.SampleMsg{Type: protocol.TypeSample, ProtocolVersion: protocol.Version, ClientID: id}
	var resp protocol.SampleResultMsg
	if err := c.call(ctx, &msg.ReqID, &msg, protocol.TypeSampleResult, &resp); err != nil {
		return agent.Sample{}, err
	}
	obs, err := protocol.DecodeFloat32s(resp.Observation)
	if err != nil {
		return agent.Sample{}, fmt.Errorf("observation: %w", err)
	}
	return agent.Sample{
		Observation: obs,
		Reward:      resp.Reward,
		Terminated:  resp.Terminated,
		Truncated:   resp.Truncated,
		Info:        resp.Info,
		Episode:     resp.Episode,
		Status:      resp.Status,
		Tick:        resp.Tick,
	}, nil
}

func (c *Client) Act(ctx context.Context, id protocol.ClientID, action []float32) (protocol.Status, error) {
	msg := protocol.ActMsg{
		Type:            protocol.TypeAct,
		ProtocolVersion: protocol.Version,
		ClientID:        id,
		Action:          protocol.EncodeFloat32s(action),
	}
	var resp protocol.ActResultMsg
	if err := c.call(ctx, &msg.ReqID, &msg, protocol.TypeActResult, &resp); err != nil {
		return 0, err
	}
	return resp.Status, nil
}

// call stamps a fresh req_id into *reqID, sends req and decodes the matching
// response into resp. An ERROR response becomes *protocol.CallError.
func (c *Client) call(ctx context.Context, reqID *string, req any, wantType string, resp any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.seq++
	*reqID = fmt.Sprintf("R%d", c.seq)

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultCallTimeout)
	}
	_ = c.conn.SetWriteDeadline(deadline)
	if err := c.conn.WriteJSON(req); err != nil {
		return fmt.Errorf("send: %w", err)
	}

	_ = c.conn.SetReadDeadline(deadline)
	for {
		_, b, err := c.conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("receive: %w", err)
		}
		base, err := protocol.DecodeBase(b)
		if err != nil {
			return fmt.Errorf("receive: %w", err)
		}
		if base.ReqID != *reqID {
			// Not ours; responses are matched by req_id only.
			continue
		}
		switch base.Type {
		case wantType:
			return json.Unmarshal(b, resp)
		case protocol.TypeError:
			var em protocol.ErrorMsg
			if err := json.Unmarshal(b, &em); err != nil {
				return fmt.Errorf("receive: %w", err)
			}
			return &protocol.CallError{Code: em.Code, Message: em.Message}
		default:
			return fmt.Errorf("unexpected %s for %s", base.Type, *reqID)
		}
	}
}
