// Package api talks to the request/response endpoints of the chat service:
// the conversation history and the attachment upload.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-resty/resty/v2"
	"github.com/tidwall/gjson"

	"github.com/tinyland-inc/chatline/pkg/chat"
	"github.com/tinyland-inc/chatline/pkg/logger"
	"github.com/tinyland-inc/chatline/pkg/protocol"
)

var (
	// ErrLoadFailed wraps any failure to fetch or parse the history.
	ErrLoadFailed = errors.New("history load failed")
	// ErrUploadFailed wraps any failure to upload an attachment.
	ErrUploadFailed = errors.New("attachment upload failed")
	// ErrAttachmentTooLarge is returned before any network call.
	ErrAttachmentTooLarge = errors.New("attachment too large")
)

const (
	DefaultHistoryPath    = "/messages/conversation"
	DefaultUploadPath     = "/files/upload"
	DefaultRequestTimeout = 30 * time.Second
)

// Config holds the endpoints and limits of the Client.
type Config struct {
	BaseURL        string
	HistoryPath    string
	UploadPath     string
	RequestTimeout time.Duration
	MaxUploadBytes int64  // zero means unlimited
	AuthToken      string // sent as a bearer token when set
}

// Attachment is one file selected for sending.
type Attachment struct {
	Name string
	Data []byte
}

// StatusError reports a non-2xx response.
type StatusError struct {
	Op     string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: unexpected status %d", e.Op, e.Status)
	}
	return fmt.Sprintf("%s: unexpected status %d: %s", e.Op, e.Status, e.Body)
}

type Client struct {
	cfg  Config
	http *resty.Client
}

func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("api base URL is required")
	}
	if cfg.HistoryPath == "" {
		cfg.HistoryPath = DefaultHistoryPath
	}
	if cfg.UploadPath == "" {
		cfg.UploadPath = DefaultUploadPath
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}

	rc := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(cfg.RequestTimeout).
		SetHeader("Accept", "application/json")
	if cfg.AuthToken != "" {
		rc.SetAuthToken(cfg.AuthToken)
	}

	return &Client{cfg: cfg, http: rc}, nil
}

// LoadHistory returns the conversation between userID and peerID, oldest
// first. Any failure is reported as ErrLoadFailed.
func (c *Client) LoadHistory(ctx context.Context, userID, peerID string) ([]chat.Message, error) {
	start := time.Now()
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"userId": userID,
			"peerId": peerID,
		}).
		Get(c.cfg.HistoryPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLoadFailed, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("%w: %w", ErrLoadFailed, statusError("load history", resp))
	}

	wire, err := decodeHistory(resp.Body())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLoadFailed, err)
	}

	logger.DebugCF("api", "History loaded", map[string]any{
		"peer":     peerID,
		"messages": len(wire),
		"elapsed":  time.Since(start).String(),
	})
	return protocol.Messages(wire, userID), nil
}

// Upload stores one attachment and returns its durable URL.
func (c *Client) Upload(ctx context.Context, userID, peerID string, a Attachment) (string, error) {
	if c.cfg.MaxUploadBytes > 0 && int64(len(a.Data)) > c.cfg.MaxUploadBytes {
		return "", fmt.Errorf("%w: %w: %s is %d bytes", ErrUploadFailed, ErrAttachmentTooLarge, a.Name, len(a.Data))
	}
	name := a.Name
	if name == "" {
		name = "file"
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"userId": userID,
			"peerId": peerID,
		}).
		SetFileReader("file", name, bytes.NewReader(a.Data)).
		Post(c.cfg.UploadPath)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrUploadFailed, err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("%w: %w", ErrUploadFailed, statusError("upload", resp))
	}

	ref, err := decodeUploadURL(resp.Body())
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrUploadFailed, err)
	}

	logger.DebugCF("api", "Attachment uploaded", map[string]any{
		"name":  name,
		"bytes": len(a.Data),
	})
	return ref, nil
}

// decodeHistory accepts a bare list or an object with a "messages" list.
func decodeHistory(body []byte) ([]protocol.WireMessage, error) {
	if !gjson.ValidBytes(body) {
		return nil, errors.New("history response is not valid JSON")
	}
	root := gjson.ParseBytes(body)
	list := root
	if root.IsObject() {
		list = root.Get("messages")
	}
	if !list.IsArray() {
		return nil, errors.New("history response is not a list")
	}

	var wire []protocol.WireMessage
	if err := json.Unmarshal([]byte(list.Raw), &wire); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}
	for i, w := range wire {
		if w.ID == "" {
			return nil, fmt.Errorf("decode history: message %d has no id", i)
		}
	}
	return wire, nil
}

// decodeUploadURL accepts {"url": ...} or a bare JSON string.
func decodeUploadURL(body []byte) (string, error) {
	if !gjson.ValidBytes(body) {
		return "", errors.New("upload response is not valid JSON")
	}
	root := gjson.ParseBytes(body)
	var ref string
	switch {
	case root.Type == gjson.String:
		ref = root.Str
	case root.IsObject():
		ref = root.Get("url").String()
	}
	if ref == "" {
		return "", errors.New("upload response has no url")
	}
	return ref, nil
}

const maxErrorBody = 200

// statusError keeps at most maxErrorBody bytes of the body, cut on a rune
// boundary.
func statusError(op string, resp *resty.Response) error {
	body := strings.TrimSpace(resp.String())
	if len(body) > maxErrorBody {
		cut := maxErrorBody
		for cut > 0 && !utf8.RuneStart(body[cut]) {
			cut--
		}
		body = body[:cut]
	}
	return &StatusError{Op: op, Status: resp.StatusCode(), Body: body}
}
