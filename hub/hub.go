// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*
Package hub implements the device side of a messaging hub session: telemetry
messages, artifact uploads, the device twin (requested and reported
configuration) and a websocket notification channel for configuration changes.

Every request carries a short-lived HS256 token minted from the session key
the device obtained during provisioning.
*/
package hub

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/relabs-tech/skylink/core/logger"
	"github.com/relabs-tech/skylink/core/token"
)

const (
	// HeaderDeviceToken authenticates every hub request.
	HeaderDeviceToken = "Skylink-Device-Token"
	// HeaderMetaData carries the telemetry attributes as a JSON object.
	HeaderMetaData = "Skylink-Meta-Data"
	// TokenAudience is the audience claim of device session tokens.
	TokenAudience = "skylink-hub"
)

// ErrTransient marks failures worth retrying: timeouts, disconnects, 5xx.
var ErrTransient = errors.New("hub: transient failure")

// ErrUnauthorized marks a permanent rejection of the session credential.
var ErrUnauthorized = errors.New("hub: unauthorized")

// Message is one telemetry message. Attributes travel alongside the opaque
// body and can be used for routing on the backend.
type Message struct {
	Body       []byte
	Attributes map[string]string
}

// Artifact is one named blob upload. Names must be unique per device, the
// backend overwrites on collision.
type Artifact struct {
	Name    string
	Content []byte
}

// ConfigNotification is one pushed twin change: the twin key and the new
// requested configuration document.
type ConfigNotification struct {
	Key     string          `json:"key"`
	Request json.RawMessage `json:"request"`
}

// Connection is a long-lived authenticated session to the assigned hub.
// Open exactly one per device and process.
type Connection struct {
	baseURL    string
	wsURL      string
	deviceID   string
	sessionKey []byte
	httpClient *http.Client

	mutex  sync.Mutex
	ws     *websocket.Conn
	cancel context.CancelFunc
}

// Connect creates the session for the assigned hub endpoint. The endpoint may
// be a bare host as handed out by provisioning, https is assumed then.
func Connect(ctx context.Context, endpoint, deviceID string, sessionKey []byte) (*Connection, error) {
	if len(sessionKey) == 0 {
		return nil, fmt.Errorf("hub: session key is missing")
	}
	if !strings.Contains(endpoint, "://") {
		endpoint = "https://" + endpoint
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("hub: invalid endpoint %q: %w", endpoint, err)
	}
	wsScheme := "wss"
	if u.Scheme == "http" {
		wsScheme = "ws"
	}

	logger.FromContext(ctx).Infoln("hub session for", deviceID, "on", u.Host)

	return &Connection{
		baseURL:    strings.TrimSuffix(u.String(), "/"),
		wsURL:      wsScheme + "://" + u.Host + u.Path,
		deviceID:   deviceID,
		sessionKey: sessionKey,
		httpClient: &http.Client{Timeout: 20 * time.Second},
	}, nil
}

// Endpoint returns the hub host this session is connected to.
func (c *Connection) Endpoint() string {
	u, _ := url.Parse(c.baseURL)
	return u.Host
}

func (c *Connection) mintToken() (string, error) {
	return token.Sign(c.sessionKey, c.deviceID, TokenAudience, token.DefaultTTL)
}

// do sends an authenticated request and maps the response status onto the
// error taxonomy. Expected lists the status codes treated as success.
func (c *Connection) do(ctx context.Context, method, path string, header map[string]string, body []byte, result interface{}, expected ...int) (int, error) {
	deviceToken, err := c.mintToken()
	if err != nil {
		return 0, err
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	r, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, err
	}
	r.Header.Set(HeaderDeviceToken, deviceToken)
	for key, value := range header {
		r.Header.Set(key, value)
	}

	res, err := c.httpClient.Do(r)
	if err != nil {
		return 0, fmt.Errorf("%w: %s", ErrTransient, err)
	}
	defer res.Body.Close()
	resBody, _ := io.ReadAll(res.Body)

	status := res.StatusCode
	for _, want := range expected {
		if status == want {
			if result != nil && len(resBody) > 0 {
				if raw, ok := result.(*[]byte); ok {
					*raw = resBody
				} else if err := json.Unmarshal(resBody, result); err != nil {
					return status, err
				}
			}
			return status, nil
		}
	}

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return status, fmt.Errorf("%w: status %d", ErrUnauthorized, status)
	case status >= http.StatusInternalServerError || status == http.StatusTooManyRequests:
		return status, fmt.Errorf("%w: status %d: %s", ErrTransient, status, strings.TrimSpace(string(resBody)))
	}
	return status, fmt.Errorf("hub returned wrong status code: got %v want %v. Error: %s",
		status, expected, strings.TrimSpace(string(resBody)))
}

// SendTelemetry sends one telemetry message, attributes travel in the
// meta-data header.
func (c *Connection) SendTelemetry(ctx context.Context, m Message) error {
	meta, err := json.Marshal(m.Attributes)
	if err != nil {
		return err
	}
	header := map[string]string{
		"Content-Type": "application/octet-stream",
		HeaderMetaData: string(meta),
	}
	_, err = c.do(ctx, http.MethodPost, "/devices/"+c.deviceID+"/messages", header, m.Body, nil,
		http.StatusCreated, http.StatusNoContent)
	return err
}

type uploadSlot struct {
	UploadURL string    `json:"upload_url"`
	ExpiresAt time.Time `json:"expires_at"`
}

// UploadArtifact performs the two-phase upload: obtain a presigned write
// target from the hub, then transfer the content there. The device never
// holds storage credentials of its own.
func (c *Connection) UploadArtifact(ctx context.Context, a Artifact) error {
	request, err := json.Marshal(map[string]string{"name": a.Name})
	if err != nil {
		return err
	}
	slot := uploadSlot{}
	_, err = c.do(ctx, http.MethodPost, "/devices/"+c.deviceID+"/uploads",
		map[string]string{"Content-Type": "application/json"}, request, &slot, http.StatusCreated)
	if err != nil {
		return err
	}

	r, err := http.NewRequestWithContext(ctx, http.MethodPut, slot.UploadURL, bytes.NewReader(a.Content))
	if err != nil {
		return err
	}
	r.Header.Set("Content-Type", "application/octet-stream")
	res, err := c.httpClient.Do(r)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrTransient, err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK && res.StatusCode != http.StatusCreated && res.StatusCode != http.StatusNoContent {
		resBody, _ := io.ReadAll(res.Body)
		if res.StatusCode >= http.StatusInternalServerError {
			return fmt.Errorf("%w: upload status %d", ErrTransient, res.StatusCode)
		}
		return fmt.Errorf("artifact upload failed with status %d: %s", res.StatusCode, strings.TrimSpace(string(resBody)))
	}
	return nil
}

// GetConfigRequest fetches the currently requested configuration document
// from the device twin. A device without a requested configuration gets an
// empty document.
func (c *Connection) GetConfigRequest(ctx context.Context) (json.RawMessage, error) {
	var doc []byte
	status, err := c.do(ctx, http.MethodGet, "/devices/"+c.deviceID+"/twin/config/request", nil, nil, &doc,
		http.StatusOK, http.StatusNotFound, http.StatusNoContent)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, nil
	}
	return doc, nil
}

// ReportState pushes device-reported metadata to the twin. Best effort by
// contract, callers log failures instead of failing.
func (c *Connection) ReportState(ctx context.Context, state map[string]interface{}) error {
	body, err := json.Marshal(state)
	if err != nil {
		return err
	}
	_, err = c.do(ctx, http.MethodPut, "/devices/"+c.deviceID+"/twin/status/report",
		map[string]string{"Content-Type": "application/json"}, body, nil,
		http.StatusOK, http.StatusNoContent)
	return err
}

// SubscribeConfigChanged opens the notification channel and invokes handler
// for every pushed twin change. The handler runs on a dedicated goroutine,
// independent of the caller's loop. The subscription redials with backoff
// until ctx is done or Close is called.
func (c *Connection) SubscribeConfigChanged(ctx context.Context, handler func(ConfigNotification)) error {
	deviceToken, err := c.mintToken()
	if err != nil {
		return err
	}

	header := http.Header{}
	header.Set(HeaderDeviceToken, deviceToken)
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, c.wsURL+"/devices/"+c.deviceID+"/twin/notifications", header)
	if err != nil {
		return fmt.Errorf("%w: notification channel: %s", ErrTransient, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	c.mutex.Lock()
	c.ws = ws
	c.cancel = cancel
	c.mutex.Unlock()

	go c.readNotifications(ctx, ws, handler)
	return nil
}

func (c *Connection) readNotifications(ctx context.Context, ws *websocket.Conn, handler func(ConfigNotification)) {
	rlog := logger.FromContext(ctx)
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			ws.Close()
			if ctx.Err() != nil {
				return
			}
			rlog.WithError(err).Warnln("notification channel lost, redialing")
			ws = c.redial(ctx)
			if ws == nil {
				return
			}
			continue
		}
		notification := ConfigNotification{}
		if err := json.Unmarshal(data, &notification); err != nil {
			rlog.WithError(err).Warnln("discarding malformed notification")
			continue
		}
		handler(notification)
	}
}

func (c *Connection) redial(ctx context.Context) *websocket.Conn {
	policy := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
	var ws *websocket.Conn
	err := backoff.Retry(func() error {
		deviceToken, err := c.mintToken()
		if err != nil {
			return backoff.Permanent(err)
		}
		header := http.Header{}
		header.Set(HeaderDeviceToken, deviceToken)
		ws, _, err = websocket.DefaultDialer.DialContext(ctx, c.wsURL+"/devices/"+c.deviceID+"/twin/notifications", header)
		return err
	}, policy)
	if err != nil {
		logger.FromContext(ctx).WithError(err).Errorln("cannot re-establish notification channel")
		return nil
	}
	c.mutex.Lock()
	c.ws = ws
	c.mutex.Unlock()
	return ws
}

// Close tears down the notification channel. The stateless HTTP side needs no
// teardown.
func (c *Connection) Close() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	if c.ws != nil {
		err := c.ws.Close()
		c.ws = nil
		return err
	}
	return nil
}
