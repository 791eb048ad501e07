// Package daily talks to the room provisioning API: it creates rooms, mints
// meeting tokens for them and deletes them again. Calls are single round trips;
// retry policy belongs to the caller.
package daily

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// ErrProvision is wrapped by every failure talking to the provisioning API.
var ErrProvision = errors.New("provisioning failed")

// ProvisionError describes a failed provisioning call.
type ProvisionError struct {
	Op         string // create_room | create_token | delete_room
	StatusCode int    // 0 when no response was received
	Body       string
	Err        error
}

func (e *ProvisionError) Error() string {
	switch {
	case e.StatusCode != 0:
		return fmt.Sprintf("%s: %s: status %d: %s", ErrProvision, e.Op, e.StatusCode, e.Body)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", ErrProvision, e.Op, e.Err)
	default:
		return fmt.Sprintf("%s: %s", ErrProvision, e.Op)
	}
}

func (e *ProvisionError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrProvision, e.Err}
	}
	return []error{ErrProvision}
}

// Room is a provisioned room with its two access tokens. It is immutable once
// returned by Provision.
type Room struct {
	URL       string `json:"room_url"`
	UserToken string `json:"-"` // handed to the connecting client
	BotToken  string `json:"-"` // handed to the worker
}

// Name is the final path segment of the room URL.
func (r Room) Name() string {
	return RoomName(r.URL)
}

// RoomName derives the API room name from a room URL.
func RoomName(roomURL string) string {
	trimmed := strings.TrimRight(roomURL, "/")
	if i := strings.LastIndex(trimmed, "/"); i >= 0 {
		return trimmed[i+1:]
	}
	return trimmed
}

type Options struct {
	APIKey        string
	BaseURL       string
	RoomExpiry    time.Duration
	TokenExpiry   time.Duration
	Timeout       time.Duration
	RatePerSecond float64 // 0 = unlimited
	Burst         int
	HTTPClient    *http.Client
}

type Client struct {
	apiKey      string
	base        string
	roomExpiry  time.Duration
	tokenExpiry time.Duration
	http        *http.Client
	limiter     *rate.Limiter
	logger      *slog.Logger
	now         func() time.Time
}

func New(opts Options, logger *slog.Logger) *Client {
	hc := opts.HTTPClient
	if hc == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	if opts.RoomExpiry <= 0 {
		opts.RoomExpiry = 24 * time.Hour
	}
	if opts.TokenExpiry <= 0 {
		opts.TokenExpiry = opts.RoomExpiry
	}

	limit := rate.Inf
	if opts.RatePerSecond > 0 {
		limit = rate.Limit(opts.RatePerSecond)
	}
	burst := opts.Burst
	if burst < 1 {
		burst = 1
	}

	return &Client{
		apiKey:      opts.APIKey,
		base:        strings.TrimRight(opts.BaseURL, "/"),
		roomExpiry:  opts.RoomExpiry,
		tokenExpiry: opts.TokenExpiry,
		http:        hc,
		limiter:     rate.NewLimiter(limit, burst),
		logger:      logger,
		now:         time.Now,
	}
}

// Provision creates a room and mints both of its tokens. If either token
// cannot be minted the room is deleted before the error is returned.
func (c *Client) Provision(ctx context.Context) (*Room, error) {
	roomURL, err := c.CreateRoom(ctx)
	if err != nil {
		return nil, err
	}

	userToken, err := c.CreateToken(ctx, roomURL)
	if err != nil {
		c.deleteAfterFailure(roomURL, err)
		return nil, err
	}
	botToken, err := c.CreateToken(ctx, roomURL)
	if err != nil {
		c.deleteAfterFailure(roomURL, err)
		return nil, err
	}

	return &Room{URL: roomURL, UserToken: userToken, BotToken: botToken}, nil
}

func (c *Client) deleteAfterFailure(roomURL string, cause error) {
	c.logger.Warn("token mint failed, deleting room", "room_url", roomURL, "error", cause)
	// The request context may be the reason for the failure; deletion must still go out.
	ctx, cancel := context.WithTimeout(context.Background(), c.cleanupTimeout())
	defer cancel()
	if err := c.DeleteRoom(ctx, roomURL); err != nil {
		c.logger.Error("delete room after failed provision", "room_url", roomURL, "error", err)
	}
}

// cleanupDeleteTimeout bounds the room delete after a failed provision when the
// HTTP client has no timeout of its own.
const cleanupDeleteTimeout = 30 * time.Second

func (c *Client) cleanupTimeout() time.Duration {
	if c.http.Timeout <= 0 {
		return cleanupDeleteTimeout
	}
	return c.http.Timeout + time.Second
}

type roomProperties struct {
	Exp               int64 `json:"exp"`
	EnableScreenshare bool  `json:"enable_screenshare"`
	EnableChat        bool  `json:"enable_chat"`
	StartVideoOff     bool  `json:"start_video_off"`
	StartAudioOff     bool  `json:"start_audio_off"`
}

type tokenProperties struct {
	RoomName string `json:"room_name"`
	Exp      int64  `json:"exp"`
	IsOwner  bool   `json:"is_owner"`
}

// CreateRoom creates a room and returns its URL.
func (c *Client) CreateRoom(ctx context.Context) (string, error) {
	body := map[string]any{
		"properties": roomProperties{
			Exp:               c.now().Add(c.roomExpiry).Unix(),
			EnableScreenshare: true,
			EnableChat:        true,
		},
	}
	var out struct {
		URL string `json:"url"`
	}
	if err := c.do(ctx, "create_room", http.MethodPost, "/rooms", body, &out); err != nil {
		return "", err
	}
	if out.URL == "" {
		return "", &ProvisionError{Op: "create_room", Err: errors.New("response carried no room url")}
	}
	c.logger.Debug("room created", "room_url", out.URL)
	return out.URL, nil
}

// CreateToken mints an owner token for the room behind roomURL.
func (c *Client) CreateToken(ctx context.Context, roomURL string) (string, error) {
	name := RoomName(roomURL)
	if name == "" {
		return "", &ProvisionError{Op: "create_token", Err: fmt.Errorf("invalid room url: %q", roomURL)}
	}
	body := map[string]any{
		"properties": tokenProperties{
			RoomName: name,
			Exp:      c.now().Add(c.tokenExpiry).Unix(),
			IsOwner:  true,
		},
	}
	var out struct {
		Token string `json:"token"`
	}
	if err := c.do(ctx, "create_token", http.MethodPost, "/meeting-tokens", body, &out); err != nil {
		return "", err
	}
	if out.Token == "" {
		return "", &ProvisionError{Op: "create_token", Err: errors.New("response carried no token")}
	}
	return out.Token, nil
}

// DeleteRoom deletes the room behind roomURL.
func (c *Client) DeleteRoom(ctx context.Context, roomURL string) error {
	name := RoomName(roomURL)
	if name == "" {
		return &ProvisionError{Op: "delete_room", Err: fmt.Errorf("invalid room url: %q", roomURL)}
	}
	if err := c.do(ctx, "delete_room", http.MethodDelete, "/rooms/"+name, nil, nil); err != nil {
		return err
	}
	c.logger.Info("room deleted", "room_url", roomURL)
	return nil
}

// Close releases idle connections held by the HTTP client.
func (c *Client) Close() {
	c.http.CloseIdleConnections()
}

func (c *Client) do(ctx context.Context, op, method, path string, in, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return &ProvisionError{Op: op, Err: err}
	}

	var reqBody io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return &ProvisionError{Op: op, Err: err}
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reqBody)
	if err != nil {
		return &ProvisionError{Op: op, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	res, err := c.http.Do(req)
	if err != nil {
		return &ProvisionError{Op: op, Err: err}
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode > 299 {
		text, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return &ProvisionError{Op: op, StatusCode: res.StatusCode, Body: strings.TrimSpace(string(text))}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, res.Body)
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return &ProvisionError{Op: op, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}
