// Package send coordinates the multi-step send of a message: upload every
// attachment, then dispatch the message and insert its optimistic entry.
package send

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tinyland-inc/chatline/pkg/api"
	"github.com/tinyland-inc/chatline/pkg/chat"
	"github.com/tinyland-inc/chatline/pkg/logger"
	"github.com/tinyland-inc/chatline/pkg/protocol"
	"github.com/tinyland-inc/chatline/pkg/transport"
)

var (
	// ErrEmptySend is returned for a request with no text and no attachments.
	// No network call is made.
	ErrEmptySend = errors.New("nothing to send")
	// ErrAttachmentUploadFailed is matched by every *UploadError.
	ErrAttachmentUploadFailed = errors.New("attachment upload failed")
	// ErrDisconnected is returned when the dispatch could not be written. The
	// optimistic entry stays pending.
	ErrDisconnected = errors.New("disconnected")
	// ErrConversationChanged is returned when the conversation was switched
	// while the send was in flight. Nothing is inserted or dispatched.
	ErrConversationChanged = errors.New("conversation changed")
	// ErrTooManyAttachments is returned before any upload starts.
	ErrTooManyAttachments = errors.New("too many attachments")
)

const (
	DefaultConcurrency    = 0 // every upload of a send at once
	DefaultMaxAttachments = 10
)

// Phase is the state of one send request.
type Phase string

const (
	PhaseComposing   Phase = "composing"
	PhaseUploading   Phase = "uploading"
	PhaseDispatching Phase = "dispatching"
	PhaseSettled     Phase = "settled"
)

// Result labels, shared with metrics.
const (
	ResultOK                  = "ok"
	ResultEmpty               = "empty"
	ResultUploadFailed        = "upload_failed"
	ResultDisconnected        = "disconnected"
	ResultConversationChanged = "conversation_changed"
	ResultError               = "error"
)

// UploadError reports the first attachment that failed to upload.
type UploadError struct {
	Index int
	Name  string
	Err   error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("attachment %d (%s): %v", e.Index, e.Name, e.Err)
}

func (e *UploadError) Is(target error) bool { return target == ErrAttachmentUploadFailed }

func (e *UploadError) Unwrap() error { return e.Err }

// Uploader stores one attachment and returns its durable reference.
type Uploader interface {
	Upload(ctx context.Context, userID, peerID string, a api.Attachment) (string, error)
}

// Conversation is the part of the active conversation the coordinator
// needs. Commit must insert the pending entry and dispatch the frame as one
// step, and only while epoch is still current; otherwise it returns
// ErrConversationChanged.
type Conversation interface {
	Current() (epoch uint64, key transport.ConversationKey, err error)
	Commit(ctx context.Context, epoch uint64, entry chat.Message, frame protocol.Outbound) error
}

// Metrics receives send and upload outcomes.
type Metrics interface {
	SendSettled(result string)
	UploadSettled(ok bool)
}

// Request is one user send.
type Request struct {
	Text        string
	Attachments []api.Attachment
}

// Outcome describes a settled send.
type Outcome struct {
	ProvisionalID string
	Text          string
	Attachments   []string
	Phase         Phase
	Result        string
	Err           error
	Duration      time.Duration
}

type Option func(*Coordinator)

// WithConcurrency caps the uploads in flight for one send. Zero or less
// issues all of them at once.
func WithConcurrency(n int) Option {
	return func(c *Coordinator) {
		c.concurrency = max(n, 0)
	}
}

func WithMaxAttachments(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.maxAttachments = n
		}
	}
}

func WithMetrics(m Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

type Coordinator struct {
	uploader       Uploader
	conv           Conversation
	concurrency    int
	maxAttachments int
	metrics        Metrics
	now            func() time.Time
}

func NewCoordinator(uploader Uploader, conv Conversation, opts ...Option) *Coordinator {
	c := &Coordinator{
		uploader:       uploader,
		conv:           conv,
		concurrency:    DefaultConcurrency,
		maxAttachments: DefaultMaxAttachments,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Send uploads every attachment concurrently, then inserts the optimistic
// entry and dispatches the message. The returned Outcome is non-nil even on
// error.
func (c *Coordinator) Send(ctx context.Context, req Request) (*Outcome, error) {
	start := c.now()
	out := &Outcome{Phase: PhaseComposing, Text: strings.TrimSpace(req.Text)}

	if out.Text == "" && len(req.Attachments) == 0 {
		return c.settle(out, start, ResultEmpty, ErrEmptySend)
	}
	if len(req.Attachments) > c.maxAttachments {
		return c.settle(out, start, ResultError,
			fmt.Errorf("%w: %d (max %d)", ErrTooManyAttachments, len(req.Attachments), c.maxAttachments))
	}

	epoch, key, err := c.conv.Current()
	if err != nil {
		return c.settle(out, start, ResultDisconnected, err)
	}

	out.Phase = PhaseUploading
	refs, err := c.uploadAll(ctx, key, req.Attachments)
	if err != nil {
		return c.settle(out, start, ResultUploadFailed, err)
	}
	out.Attachments = refs

	out.Phase = PhaseDispatching
	id := chat.NewProvisionalID()
	out.ProvisionalID = id
	entry := chat.Message{
		ID:          id,
		Text:        out.Text,
		CreatedAt:   c.now(),
		SenderID:    key.UserID,
		Attachments: refs,
		ClientID:    id,
	}
	return c.dispatch(ctx, out, start, epoch, key, entry)
}

// Retry dispatches a pending entry again with its original text, attachment
// references and correlation token. Attachments are not uploaded again.
func (c *Coordinator) Retry(ctx context.Context, entry chat.Message) (*Outcome, error) {
	start := c.now()
	out := &Outcome{
		Phase:         PhaseDispatching,
		ProvisionalID: entry.ID,
		Text:          entry.Text,
		Attachments:   entry.Clone().Attachments,
	}
	epoch, key, err := c.conv.Current()
	if err != nil {
		return c.settle(out, start, ResultDisconnected, err)
	}
	if entry.ClientID == "" {
		entry.ClientID = entry.ID
	}
	return c.dispatch(ctx, out, start, epoch, key, entry)
}

func (c *Coordinator) dispatch(
	ctx context.Context,
	out *Outcome,
	start time.Time,
	epoch uint64,
	key transport.ConversationKey,
	entry chat.Message,
) (*Outcome, error) {
	frame := protocol.SendMessage(protocol.SendMessagePayload{
		SenderID:    key.UserID,
		ReceiverID:  key.PeerID,
		Text:        entry.Text,
		Attachments: entry.Attachments,
		ClientID:    entry.ClientID,
	})

	err := c.conv.Commit(ctx, epoch, entry, frame)
	switch {
	case err == nil:
		return c.settle(out, start, ResultOK, nil)
	case errors.Is(err, ErrConversationChanged):
		return c.settle(out, start, ResultConversationChanged, err)
	case errors.Is(err, transport.ErrTransportUnavailable):
		return c.settle(out, start, ResultDisconnected, fmt.Errorf("%w: %w", ErrDisconnected, err))
	default:
		return c.settle(out, start, ResultError, err)
	}
}

// uploadAll uploads in parallel and returns the references in input order.
func (c *Coordinator) uploadAll(ctx context.Context, key transport.ConversationKey, atts []api.Attachment) ([]string, error) {
	refs := make([]string, len(atts))
	if len(atts) == 0 {
		return refs, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	if c.concurrency > 0 {
		g.SetLimit(c.concurrency)
	}
	for i, a := range atts {
		i, a := i, a
		g.Go(func() error {
			ref, err := c.uploader.Upload(gctx, key.UserID, key.PeerID, a)
			if c.metrics != nil {
				c.metrics.UploadSettled(err == nil)
			}
			if err != nil {
				return &UploadError{Index: i, Name: a.Name, Err: err}
			}
			refs[i] = ref
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return refs, nil
}

func (c *Coordinator) settle(out *Outcome, start time.Time, result string, err error) (*Outcome, error) {
	out.Phase = PhaseSettled
	out.Result = result
	out.Err = err
	out.Duration = c.now().Sub(start)
	if c.metrics != nil {
		c.metrics.SendSettled(result)
	}

	fields := map[string]any{
		"result":      result,
		"attachments": len(out.Attachments),
		"duration":    out.Duration.String(),
	}
	if out.ProvisionalID != "" {
		fields["provisional_id"] = out.ProvisionalID
	}
	if err != nil {
		fields["error"] = err.Error()
		logger.WarnCF("send", "Send failed", fields)
	} else {
		logger.DebugCF("send", "Send settled", fields)
	}
	return out, err
}
