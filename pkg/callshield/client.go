package callshield

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// defaultHandshakeTimeout bounds the stream handshake round trip.
	defaultHandshakeTimeout = 10 * time.Second

	// writeWait is the time allowed to write one frame to the backend.
	writeWait = 10 * time.Second

	// maxFrameSize caps a single received frame, matching the backend.
	maxFrameSize = 1 << 20 // 1MB
)

// Client talks to a Callshield backend. An empty API key works against
// backends running in open mode; otherwise every request carries the
// device key as a bearer token.
type Client struct {
	httpClient *http.Client
	dialer     *websocket.Dialer
	baseURL    string
	apiKey     string

	// HandshakeTimeout overrides the stream handshake deadline
	// (default: 10s).
	HandshakeTimeout time.Duration
}

// NewClient creates a client for the backend at baseURL
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		dialer:  websocket.DefaultDialer,
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
	}
}

// CreateSession registers an incoming call ahead of its audio stream.
// The returned session ID identifies the call on the stream handshake.
func (c *Client) CreateSession(ctx context.Context, phoneNumber, deviceID string) (*CreatedSession, error) {
	body := map[string]string{"phoneNumber": phoneNumber}
	if deviceID != "" {
		body["deviceId"] = deviceID
	}

	var created CreatedSession
	if err := c.doJSON(ctx, http.MethodPost, "/v1/sessions", body, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

// GetSession fetches the current state of a call session
func (c *Client) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	var resp struct {
		Session Session `json:"session"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/v1/sessions/"+sessionID, nil, &resp); err != nil {
		return nil, err
	}
	return &resp.Session, nil
}

// CloseSession ends a call session. Closing an already closed session
// succeeds.
func (c *Client) CloseSession(ctx context.Context, sessionID string) error {
	return c.doJSON(ctx, http.MethodDelete, "/v1/sessions/"+sessionID, nil, nil)
}

// CheckNumber asks the backend for a pre-call risk verdict on a number
func (c *Client) CheckNumber(ctx context.Context, phoneNumber string) (*Verdict, error) {
	var verdict Verdict
	err := c.doJSON(ctx, http.MethodPost, "/v1/check", map[string]string{"phoneNumber": phoneNumber}, &verdict)
	if err != nil {
		return nil, err
	}
	return &verdict, nil
}

// OpenStream connects the audio stream for a pending session. The
// handshake identifies the session and waits for the backend's ready
// ack; a structured rejection comes back as *Error.
func (c *Client) OpenStream(ctx context.Context, sessionID string) (*Stream, error) {
	wsURL, err := c.streamURL()
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	if c.apiKey != "" {
		header.Set("Authorization", "Bearer "+c.apiKey)
	}

	conn, resp, err := c.dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("stream dial failed with status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("stream dial failed: %w", err)
	}
	conn.SetReadLimit(maxFrameSize)

	deadline := time.Now().Add(c.handshakeTimeout())
	hs, _ := json.Marshal(map[string]string{"sessionId": sessionID})
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.TextMessage, hs); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("handshake write failed: %w", err)
	}

	_ = conn.SetReadDeadline(deadline)
	_, data, err := conn.ReadMessage()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("handshake read failed: %w", err)
	}

	frame := ParseFrame(data)
	switch frame.Type {
	case FrameReady:
	case FrameError:
		_ = conn.Close()
		if apiErr, perr := frame.Err(); perr == nil {
			return nil, apiErr
		}
		return nil, fmt.Errorf("stream rejected")
	default:
		_ = conn.Close()
		return nil, fmt.Errorf("unexpected handshake reply %q", frame.Type)
	}

	_ = conn.SetReadDeadline(time.Time{})
	_ = conn.SetWriteDeadline(time.Time{})
	return &Stream{conn: conn, SessionID: sessionID}, nil
}

// streamURL derives the websocket endpoint from the base URL
func (c *Client) streamURL() (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid base URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws/stream"
	return u.String(), nil
}

func (c *Client) handshakeTimeout() time.Duration {
	if c.HandshakeTimeout > 0 {
		return c.HandshakeTimeout
	}
	return defaultHandshakeTimeout
}

// doJSON performs one API request. Error bodies decode into *Error so
// callers can inspect the code.
func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr Error
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Code != "" {
			return &apiErr
		}
		return fmt.Errorf("request failed with status %d", resp.StatusCode)
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
	}
	return nil
}

// Stream is one live audio stream. One goroutine may call SendAudio
// while another calls Recv; Close is safe alongside both.
type Stream struct {
	conn *websocket.Conn

	// SessionID identifies the call this stream serves.
	SessionID string
}

// SendAudio forwards one chunk of call audio to the analysis engine
func (s *Stream) SendAudio(data []byte) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return fmt.Errorf("audio write failed: %w", err)
	}
	return nil
}

// Recv returns the next frame from the backend: relayed engine output
// plus any warnings the backend pushes. Callers must keep receiving;
// keepalive replies ride on the read loop.
func (s *Stream) Recv() (*Frame, error) {
	msgType, data, err := s.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	if msgType == websocket.BinaryMessage {
		return &Frame{Binary: true, Data: data}, nil
	}
	return ParseFrame(data), nil
}

// Close performs a polite close handshake and releases the socket
func (s *Stream) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	return s.conn.Close()
}
