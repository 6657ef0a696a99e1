package slack

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// EventEnvelope is a Socket Mode event frame. Every envelope must be
// acknowledged within three seconds.
type EventEnvelope struct {
	Type       string          `json:"type"`
	EnvelopeID string          `json:"envelope_id"`
	Payload    json.RawMessage `json:"payload"`
}

// EventFunc receives events_api envelopes.
type EventFunc func(envelope EventEnvelope)

// SocketClient maintains the Socket Mode WebSocket: obtains a URL via
// apps.connections.open, reads envelopes, acknowledges them, and
// reconnects with exponential backoff on failure.
type SocketClient struct {
	api      *APIClient
	appToken string
	onEvent  EventFunc
	logger   *slog.Logger

	mu   sync.Mutex
	conn *websocket.Conn

	wg sync.WaitGroup
}

// NewSocketClient creates a Socket Mode client.
func NewSocketClient(api *APIClient, appToken string, onEvent EventFunc, logger *slog.Logger) *SocketClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &SocketClient{
		api:      api,
		appToken: appToken,
		onEvent:  onEvent,
		logger:   logger,
	}
}

// Run connects and listens until the context ends. Reconnects with
// exponential backoff capped at 60 seconds.
func (s *SocketClient) Run(ctx context.Context) error {
	backoff := 5 * time.Second
	const maxBackoff = 60 * time.Second

	for {
		if err := ctx.Err(); err != nil {
			s.wg.Wait()
			return nil
		}

		err := s.connectAndListen(ctx)
		if ctx.Err() != nil {
			s.wg.Wait()
			return nil
		}
		if err != nil {
			s.logger.Warn("socket mode disconnected, reconnecting", "error", err, "backoff", backoff)
		}

		select {
		case <-ctx.Done():
			s.wg.Wait()
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (s *SocketClient) connectAndListen(ctx context.Context) error {
	wsURL, err := s.api.ConnectionsOpen(ctx, s.appToken)
	if err != nil {
		return fmt.Errorf("connections.open: %w", err)
	}

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	conn.SetReadLimit(1 << 20)
	s.setConn(conn)
	defer func() {
		s.setConn(nil)
		conn.Close(websocket.StatusNormalClosure, "bye")
	}()
	s.logger.Info("socket mode connected")

	for {
		var frame map[string]json.RawMessage
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			return fmt.Errorf("read: %w", err)
		}

		var frameType string
		if raw, ok := frame["type"]; ok {
			json.Unmarshal(raw, &frameType)
		}

		switch frameType {
		case "hello":
			s.logger.Debug("socket mode hello received")
			continue
		case "disconnect":
			// Slack rotates connections; treat as a clean reconnect signal.
			s.logger.Info("socket mode disconnect requested")
			return nil
		}

		rawEnvelopeID, ok := frame["envelope_id"]
		if !ok {
			continue
		}
		var envelopeID string
		json.Unmarshal(rawEnvelopeID, &envelopeID)

		// Acknowledge before processing; Slack retries unacked envelopes.
		if err := s.acknowledge(ctx, envelopeID); err != nil {
			s.logger.Warn("envelope ack failed", "envelope_id", envelopeID, "error", err)
		}

		if frameType != "events_api" {
			continue
		}
		envelope := EventEnvelope{Type: frameType, EnvelopeID: envelopeID}
		if raw, ok := frame["payload"]; ok {
			envelope.Payload = raw
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.onEvent(envelope)
		}()
	}
}

func (s *SocketClient) setConn(conn *websocket.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn = conn
}

func (s *SocketClient) acknowledge(ctx context.Context, envelopeID string) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}
	ackCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return wsjson.Write(ackCtx, conn, map[string]any{
		"envelope_id": envelopeID,
		"payload":     map[string]any{},
	})
}
