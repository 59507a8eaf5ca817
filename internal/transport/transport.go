// Package transport is the relay-facing collaborator (spec §6): an HTTP
// client for the core REST endpoints plus a gorilla/websocket live-push
// client dispatching the closed set of inbound frame types. It implements
// outbox.Sender and feeds internal/inbox. Grounded on the teacher's
// services/messages/pkg/msgclient/client.go (postMessage, dialWebsocket,
// the readText loop), upgraded from its hand-rolled WS frame parser to
// gorilla/websocket per SPEC_FULL.md's domain-stack wiring.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"

	"securemsg/internal/outbox"
)

// FrameType is the closed vocabulary of inbound WS frames (spec §6).
type FrameType string

const (
	FrameAuth             FrameType = "auth"
	FramePong             FrameType = "pong"
	FramePresence         FrameType = "presence"
	FramePresenceUpdate   FrameType = "presence-update"
	FrameSecureMessage    FrameType = "secure-message"
	FrameMessageNew       FrameType = "message-new"
	FrameVaultAck         FrameType = "vault-ack"
	FrameInviteDelivered  FrameType = "invite-delivered"
	FrameContactsReload   FrameType = "contacts-reload"
	FrameContactRemoved   FrameType = "contact-removed"
	FrameForceLogout      FrameType = "force-logout"
	FrameHello            FrameType = "hello"
)

var knownFrameTypes = map[FrameType]bool{
	FrameAuth: true, FramePong: true, FramePresence: true, FramePresenceUpdate: true,
	FrameSecureMessage: true, FrameMessageNew: true, FrameVaultAck: true,
	FrameInviteDelivered: true, FrameContactsReload: true, FrameContactRemoved: true,
	FrameForceLogout: true, FrameHello: true,
}

// Frame is one inbound WS message envelope.
type Frame struct {
	Type           FrameType       `json:"type"`
	TargetDeviceID string          `json:"targetDeviceId"`
	Payload        json.RawMessage `json:"payload"`
}

// Client is the HTTP+WS relay collaborator.
type Client struct {
	baseURL    string
	deviceID   string
	httpClient *http.Client
	authToken  string
}

// New constructs a Client bound to the relay base URL and local device id.
func New(baseURL, deviceID string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		deviceID:   deviceID,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *Client) endpoint(path string) string {
	return c.baseURL + path
}

// WSToken is the opaque websocket auth token plus its claimed expiry (spec
// §6 `POST /api/v1/ws/token`).
type WSToken struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// FetchWSToken exchanges an account token for a short-lived ws auth token.
func (c *Client) FetchWSToken(ctx context.Context, accountToken, accountDigest string, sessionTs int64) (*WSToken, error) {
	body, err := json.Marshal(map[string]any{
		"accountToken":  accountToken,
		"accountDigest": accountDigest,
		"sessionTs":     sessionTs,
	})
	if err != nil {
		return nil, err
	}
	var out WSToken
	if err := c.postJSON(ctx, "/api/v1/ws/token", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// TokenExpiry parses the `exp` claim out of the relay's opaque ws token,
// read-only — the signature is never verified.
func TokenExpiry(token string) (time.Time, error) {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return time.Time{}, fmt.Errorf("transport: parse ws token: %w", err)
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, fmt.Errorf("transport: ws token has no exp claim")
	}
	return exp.Time, nil
}

// sendMessageRequest is the payload for POST /api/v1/messages (spec §6).
type sendMessageRequest struct {
	ConversationID string          `json:"conversationId"`
	MessageID      string          `json:"messageId"`
	Counter        *int64          `json:"counter,omitempty"`
	Header         json.RawMessage `json:"header"`
	IVB64          string          `json:"iv_b64"`
	CiphertextB64  string          `json:"ciphertext_b64"`
	Vault          json.RawMessage `json:"vault,omitempty"`
	Backup         json.RawMessage `json:"backup,omitempty"`
}

type counterTooLowResponse struct {
	Error      string `json:"error"`
	MaxCounter int64  `json:"maxCounter"`
}

// SendMessage implements outbox.Sender by POSTing to the relay's send
// endpoint (atomic variant when vault/backup companions are present).
func (c *Client) SendMessage(ctx context.Context, job *outbox.Job) (string, error) {
	req := sendMessageRequest{
		ConversationID: job.ConversationID,
		MessageID:      job.MessageID,
		Counter:        job.Counter,
		Header:         job.HeaderJSON,
		IVB64:          job.IVB64,
		CiphertextB64:  job.CiphertextB64,
		Vault:          job.VaultJSON,
		Backup:         job.BackupJSON,
	}
	path := "/api/v1/messages"
	if job.VaultJSON != nil || job.BackupJSON != nil {
		path = "/api/v1/messages/atomic"
	}
	body, err := json.Marshal(req)
	if err != nil {
		return "", &outbox.SendError{Err: err}
	}

	var out struct {
		Accepted bool   `json:"accepted"`
		OK       bool   `json:"ok"`
		ID       string `json:"id"`
	}
	status, err := c.postJSONStatus(ctx, path, body, &out)
	if err != nil {
		if status == http.StatusConflict {
			var ctl counterTooLowResponse
			if decodeErr := json.Unmarshal([]byte(err.Error()), &ctl); decodeErr == nil && ctl.Error == "CounterTooLow" {
				return "", &outbox.SendError{CounterTooLow: true, MaxCounter: ctl.MaxCounter, HTTPStatus: status, Code: "CounterTooLow", Err: err}
			}
			return "", &outbox.SendError{CounterTooLow: true, HTTPStatus: status, Code: "CounterTooLow", Err: err}
		}
		transient := status == 0 || status >= 500
		return "", &outbox.SendError{Transient: transient, HTTPStatus: status, Err: err}
	}
	return out.ID, nil
}

// InboundItem is one item of a FetchMessages page; pages are ordered by
// (ts asc, id asc) (spec §6 `GET /api/v1/messages`).
type InboundItem struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversationId"`
	Ts             time.Time       `json:"ts"`
	Counter        int64           `json:"counter"`
	Header         json.RawMessage `json:"header"`
	IVB64          string          `json:"iv_b64"`
	CiphertextB64  string          `json:"ciphertext_b64"`
}

type fetchMessagesResponse struct {
	Items         []InboundItem `json:"items"`
	NextCursorTs  string        `json:"nextCursorTs"`
}

// FetchMessages retrieves one page starting at cursorTs (empty for the
// first page).
func (c *Client) FetchMessages(ctx context.Context, conversationID string, limit int, cursorTs string) ([]InboundItem, string, error) {
	q := url.Values{}
	q.Set("convId", conversationID)
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursorTs != "" {
		q.Set("cursorTs", cursorTs)
	}
	var out fetchMessagesResponse
	if err := c.getJSON(ctx, "/api/v1/messages?"+q.Encode(), &out); err != nil {
		return nil, "", err
	}
	return out.Items, out.NextCursorTs, nil
}

// PostDeletionCursor pushes a monotone deletion-cursor update (spec §6).
func (c *Client) PostDeletionCursor(ctx context.Context, conversationID string, cursor int64) error {
	body, err := json.Marshal(map[string]any{"cursor": cursor})
	if err != nil {
		return err
	}
	return c.postJSON(ctx, fmt.Sprintf("/api/v1/conversations/%s/deletion-cursor", conversationID), body, nil)
}

func (c *Client) postJSON(ctx context.Context, path string, body []byte, out any) error {
	_, err := c.postJSONStatus(ctx, path, body, out)
	return err
}

func (c *Client) postJSONStatus(ctx context.Context, path string, body []byte, out any) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(path), bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()
	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 {
		return resp.StatusCode, errors.New(string(data))
	}
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return resp.StatusCode, err
		}
	}
	return resp.StatusCode, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(path), nil)
	if err != nil {
		return err
	}
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 {
		return fmt.Errorf("transport: get %s: %s", path, strings.TrimSpace(string(data)))
	}
	return json.Unmarshal(data, out)
}

// SetAuthToken sets the bearer token used on subsequent HTTP calls.
func (c *Client) SetAuthToken(token string) { c.authToken = token }

// FrameHandler processes one dispatched inbound frame.
type FrameHandler func(Frame)

// Live is the gorilla/websocket-backed live-push client.
type Live struct {
	conn     *websocket.Conn
	deviceID string

	mu       sync.Mutex
	handlers map[FrameType][]FrameHandler
}

// Dial connects to the relay's live-push endpoint and authenticates with
// the given ws token.
func Dial(ctx context.Context, wsURL, token, deviceID string) (*Live, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, _, err := dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		return nil, fmt.Errorf("transport: dial: %w", err)
	}
	return &Live{conn: conn, deviceID: deviceID, handlers: make(map[FrameType][]FrameHandler)}, nil
}

// On registers a handler for a frame type. Registering for an unknown type
// is a programmer error and panics, matching the closed-vocabulary
// contract in spec §6.
func (l *Live) On(t FrameType, handler FrameHandler) {
	if !knownFrameTypes[t] {
		panic(fmt.Sprintf("transport: unknown frame type %q", t))
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers[t] = append(l.handlers[t], handler)
}

// Run reads frames until ctx is cancelled or the connection closes,
// dropping any frame whose targetDeviceId does not match the local device
// (spec §6).
func (l *Live) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_, data, err := l.conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("transport: read: %w", err)
		}
		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		if !knownFrameTypes[frame.Type] {
			continue
		}
		if frame.TargetDeviceID != l.deviceID {
			continue
		}
		l.dispatch(frame)
	}
}

func (l *Live) dispatch(frame Frame) {
	l.mu.Lock()
	handlers := append([]FrameHandler(nil), l.handlers[frame.Type]...)
	l.mu.Unlock()
	for _, h := range handlers {
		h(frame)
	}
}

// Close closes the underlying websocket connection.
func (l *Live) Close() error {
	return l.conn.Close()
}
