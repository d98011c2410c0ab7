package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/gorilla/websocket"

	"github.com/roach88/docsync/internal/store"
)

// MessageType names an envelope.
type MessageType string

const (
	MessageHello   MessageType = "hello"
	MessageWelcome MessageType = "welcome"
	MessagePush    MessageType = "push"
	MessageAck     MessageType = "ack"
	MessageChanges MessageType = "changes"
	MessageCommit  MessageType = "commit"
	MessageError   MessageType = "error"
)

// Error codes carried in error envelopes.
const (
	CodeBadRequest = "BAD_REQUEST"
	CodeBadToken   = "BAD_TOKEN"
	CodeInternal   = "INTERNAL"
)

// Envelope is one WebSocket text message.
type Envelope struct {
	Type    MessageType     `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type helloPayload struct {
	ClientID string `json:"client_id"`
	Since    string `json:"since,omitempty"`
}

type welcomePayload struct {
	ServerID string `json:"server_id"`
	Head     int64  `json:"head"`
}

type pushPayload struct {
	Changes []store.RemoteChange `json:"changes"`
}

// commitPayload confirms the client committed every change through Token.
type commitPayload struct {
	Token string `json:"token"`
}

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e errorPayload) Error() string {
	return fmt.Sprintf("gateway error %s: %s", e.Code, e.Message)
}

// newEnvelope marshals payload into an envelope.
func newEnvelope(t MessageType, id string, payload any) (Envelope, error) {
	env := Envelope{Type: t, ID: id}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("encode %s: %w", t, err)
		}
		env.Payload = data
	}
	return env, nil
}

// decode unmarshals the payload into v.
func (e Envelope) decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s: missing payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s: %w", e.Type, err)
	}
	return nil
}

// Settings tunes timeouts and buffering. Both sides use the same settings
// type.
type Settings struct {
	HandshakeTimeout time.Duration
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	PingInterval     time.Duration

	// BatchSize bounds the changes per outbound changes message.
	BatchSize int

	// BufferSize bounds queued outbound messages and received batches.
	BufferSize int
}

// DefaultSettings returns production defaults.
func DefaultSettings() Settings {
	return Settings{
		HandshakeTimeout: 10 * time.Second,
		ReadTimeout:      60 * time.Second,
		WriteTimeout:     10 * time.Second,
		PingInterval:     20 * time.Second,
		BatchSize:        100,
		BufferSize:       32,
	}
}

// writeEnvelope writes one envelope with a deadline.
func writeEnvelope(ws *websocket.Conn, env Envelope, timeout time.Duration) error {
	ws.SetWriteDeadline(time.Now().Add(timeout))
	return ws.WriteJSON(env)
}

// readEnvelope reads one envelope with a deadline.
func readEnvelope(ws *websocket.Conn, timeout time.Duration) (Envelope, error) {
	ws.SetReadDeadline(time.Now().Add(timeout))
	var env Envelope
	if err := ws.ReadJSON(&env); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// keepalive extends the read deadline whenever the peer shows it is alive
// and answers pings.
func keepalive(ws *websocket.Conn, s Settings) {
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(s.ReadTimeout))
		return nil
	})
	ws.SetPingHandler(func(data string) error {
		ws.SetReadDeadline(time.Now().Add(s.ReadTimeout))
		err := ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(s.WriteTimeout))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return nil
		}
		return err
	})
}

// writePump is the only writer of ws besides control frames. It sends
// queued envelopes and a ping every PingInterval until ctx is done.
func writePump(ctx context.Context, ws *websocket.Conn, send <-chan Envelope, s Settings) error {
	ticker := time.NewTicker(s.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			ws.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(s.WriteTimeout),
			)
			return nil
		case env := <-send:
			if err := writeEnvelope(ws, env, s.WriteTimeout); err != nil {
				return fmt.Errorf("write %s: %w", env.Type, err)
			}
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.WriteTimeout)); err != nil {
				return fmt.Errorf("ping: %w", err)
			}
		}
	}
}

// closedByPeer reports whether err is an orderly close.
func closedByPeer(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}
