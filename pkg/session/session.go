// Package session owns the active conversation: its connection handle, its
// timeline and the view state derived from them.
//
// Every Open starts a new conversation generation. The timeline is replaced
// before the new connection starts listening, and inbound events carry the
// epoch of the handle that produced them, so nothing from a torn-down
// conversation reaches the new timeline. Run is the single consumer of the
// inbound stream; it applies events in arrival order.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/tinyland-inc/chatline/pkg/bus"
	"github.com/tinyland-inc/chatline/pkg/chat"
	"github.com/tinyland-inc/chatline/pkg/logger"
	"github.com/tinyland-inc/chatline/pkg/metrics"
	"github.com/tinyland-inc/chatline/pkg/protocol"
	"github.com/tinyland-inc/chatline/pkg/send"
	"github.com/tinyland-inc/chatline/pkg/timeline"
	"github.com/tinyland-inc/chatline/pkg/transport"
	"github.com/tinyland-inc/chatline/pkg/utils"
)

var (
	ErrNoConversation = errors.New("no active conversation")
	ErrUnknownMessage = errors.New("unknown message")
	ErrNotConfirmed   = errors.New("message is not confirmed yet")
	ErrNotOwnMessage  = errors.New("message belongs to another user")
	ErrEmptyEdit      = errors.New("edited text is empty")
	ErrNotPending     = errors.New("message is not pending")
	ErrClosed         = errors.New("session closed")
)

// Loader fetches the history of one conversation, oldest first.
type Loader interface {
	LoadHistory(ctx context.Context, userID, peerID string) ([]chat.Message, error)
}

type Config struct {
	UserID            string
	WSURL             string
	MatchWindow       time.Duration
	UploadConcurrency int
	MaxAttachments    int
	TransportOptions  []transport.Option
}

type Option func(*Session)

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// View is the state handed to the view layer.
type View struct {
	PeerID         string
	State          transport.State
	Messages       []chat.Message
	Loading        bool
	Err            error
	ServerError    string
	ProtocolErrors int
}

type Session struct {
	cfg       Config
	bus       *bus.MessageBus
	transport *transport.Manager
	loader    Loader
	sender    *send.Coordinator
	metrics   *metrics.Metrics
	updates   *bus.Latest[View]

	openMu sync.Mutex

	mu             sync.Mutex
	gen            uint64
	epoch          uint64
	handle         *transport.Handle
	key            transport.ConversationKey
	tl             *timeline.Timeline
	state          transport.State
	loading        bool
	err            error
	serverError    string
	protocolErrors int
	cancelLoad     context.CancelFunc
	closed         bool
}

func New(cfg Config, loader Loader, uploader send.Uploader, opts ...Option) (*Session, error) {
	if err := utils.ValidateID("user", cfg.UserID); err != nil {
		return nil, err
	}
	if cfg.WSURL == "" {
		return nil, errors.New("websocket url is required")
	}

	mb := bus.NewMessageBus()
	s := &Session{
		cfg:       cfg,
		bus:       mb,
		transport: transport.NewManager(cfg.WSURL, mb, cfg.TransportOptions...),
		loader:    loader,
		updates:   bus.NewLatest[View](),
		state:     transport.StateClosed,
	}
	for _, opt := range opts {
		opt(s)
	}

	sendOpts := []send.Option{
		send.WithConcurrency(cfg.UploadConcurrency),
		send.WithMaxAttachments(cfg.MaxAttachments),
	}
	if s.metrics != nil {
		sendOpts = append(sendOpts, send.WithMetrics(s.metrics))
	}
	s.sender = send.NewCoordinator(uploader, s, sendOpts...)
	return s, nil
}

// Open switches to the conversation with peerID. The previous connection is
// closed and its timeline discarded; the history load starts immediately
// and its result is applied only if this conversation is still active.
func (s *Session) Open(ctx context.Context, peerID string) error {
	if err := utils.ValidateID("peer", peerID); err != nil {
		return err
	}

	s.openMu.Lock()
	defer s.openMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.gen++
	gen := s.gen
	if s.cancelLoad != nil {
		s.cancelLoad()
	}
	key := transport.ConversationKey{UserID: s.cfg.UserID, PeerID: peerID}
	s.epoch = 0
	s.handle = nil
	s.key = key
	s.tl = timeline.New(s.cfg.UserID, timeline.WithMatchWindow(s.cfg.MatchWindow))
	s.state = transport.StateConnecting
	s.loading = true
	s.err = nil
	s.serverError = ""
	s.protocolErrors = 0
	loadCtx, cancel := context.WithCancel(context.Background())
	s.cancelLoad = cancel
	s.publishLocked()
	s.mu.Unlock()

	s.metrics.ConversationSwitched()
	logger.InfoCF("session", "Opening conversation", map[string]any{
		"peer":       peerID,
		"generation": gen,
	})

	go s.loadHistory(loadCtx, gen, key)

	h, err := s.transport.Open(ctx, key)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.gen != gen || s.closed {
		if h != nil {
			_ = h.Close()
		}
		return send.ErrConversationChanged
	}
	if err != nil {
		s.state = transport.StateErrored
		s.err = err
		s.publishLocked()
		return err
	}
	s.handle = h
	s.epoch = h.Epoch()
	s.state = transport.StateOpen
	h.Listen()
	s.publishLocked()
	return nil
}

// Reload fetches the history of the active conversation again.
func (s *Session) Reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tl == nil {
		return ErrNoConversation
	}
	if s.cancelLoad != nil {
		s.cancelLoad()
	}
	loadCtx, cancel := context.WithCancel(context.Background())
	s.cancelLoad = cancel
	s.loading = true
	s.err = nil
	s.publishLocked()
	go s.loadHistory(loadCtx, s.gen, s.key)
	return nil
}

func (s *Session) loadHistory(ctx context.Context, gen uint64, key transport.ConversationKey) {
	msgs, err := s.loader.LoadHistory(ctx, key.UserID, key.PeerID)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.gen != gen || ctx.Err() != nil {
		logger.DebugCF("session", "Discarding history for inactive conversation", map[string]any{
			"peer":       key.PeerID,
			"generation": gen,
		})
		s.metrics.StaleEventDropped()
		return
	}

	s.loading = false
	if err != nil {
		s.err = err
		logger.ErrorCF("session", "History load failed", map[string]any{
			"peer":  key.PeerID,
			"error": err.Error(),
		})
	} else {
		s.tl.Seed(msgs)
		logger.InfoCF("session", "History loaded", map[string]any{
			"peer":     key.PeerID,
			"messages": len(msgs),
		})
	}
	s.publishLocked()
}

// Run applies inbound events until ctx is done or the session is closed.
func (s *Session) Run(ctx context.Context) error {
	for {
		ev, ok := s.bus.ConsumeInbound(ctx)
		if !ok {
			if err := ctx.Err(); err != nil {
				return err
			}
			return nil
		}
		s.apply(ev)
	}
}

func (s *Session) apply(ev bus.InboundEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ev.Epoch == 0 || ev.Epoch != s.epoch {
		logger.DebugCF("session", "Dropping event from stale connection", map[string]any{
			"event_epoch":   ev.Epoch,
			"current_epoch": s.epoch,
			"kind":          ev.Kind.String(),
		})
		s.metrics.StaleEventDropped()
		return
	}

	switch ev.Kind {
	case bus.EventFrame:
		s.metrics.FrameReceived(string(ev.Frame.Type()))
		switch f := ev.Frame.(type) {
		case protocol.ServerError:
			s.serverError = f.Message
			logger.WarnCF("session", "Server reported an error", map[string]any{
				"peer":    s.key.PeerID,
				"message": f.Message,
			})
		case protocol.Contacts:
			return
		default:
			change := s.tl.Apply(f)
			logger.DebugCF("session", "Frame applied", map[string]any{
				"type":   string(f.Type()),
				"change": change.String(),
			})
		}
	case bus.EventProtocolError:
		s.protocolErrors++
		s.metrics.ProtocolError()
	case bus.EventClosed:
		s.state = transport.StateClosed
	case bus.EventErrored:
		s.state = transport.StateErrored
		s.err = ev.Err
	}
	s.publishLocked()
}

// Send sends text and attachments to the active peer.
func (s *Session) Send(ctx context.Context, req send.Request) (*send.Outcome, error) {
	return s.sender.Send(ctx, req)
}

// Retry dispatches a pending entry again.
func (s *Session) Retry(ctx context.Context, id string) (*send.Outcome, error) {
	s.mu.Lock()
	if s.tl == nil {
		s.mu.Unlock()
		return nil, ErrNoConversation
	}
	m, ok := s.tl.Get(id)
	s.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMessage, id)
	}
	if m.Status != chat.StatusPending {
		return nil, fmt.Errorf("%w: %s", ErrNotPending, id)
	}
	return s.sender.Retry(ctx, m)
}

// Edit asks the server to replace the text of one of the user's confirmed
// messages. The entry is marked stale until the update arrives.
func (s *Session) Edit(ctx context.Context, id, newText string) error {
	text := strings.TrimSpace(newText)
	if text == "" {
		return ErrEmptyEdit
	}
	return s.request(ctx, id, protocol.EditMessage(id, text), chat.StatusStale)
}

// Delete asks the server to delete one of the user's confirmed messages. The
// entry is marked removed until the deletion arrives.
func (s *Session) Delete(ctx context.Context, id string) error {
	return s.request(ctx, id, protocol.DeleteMessage(id), chat.StatusRemoved)
}

// request marks id with status, then writes frame without holding the
// session lock. A failed write clears the mark.
func (s *Session) request(ctx context.Context, id string, frame protocol.Outbound, status chat.Status) error {
	s.mu.Lock()
	if err := s.checkOwnLocked(id); err != nil {
		s.mu.Unlock()
		return err
	}
	h, gen := s.handle, s.gen
	if h == nil || h.State() != transport.StateOpen {
		s.mu.Unlock()
		return transport.ErrTransportUnavailable
	}
	prev, _ := s.tl.Get(id)
	marked := prev.Status != status && s.tl.Mark(id, status)
	s.publishLocked()
	s.mu.Unlock()

	err := h.Send(ctx, frame)
	if err == nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if marked && s.gen == gen && s.tl.ClearMark(id, status) {
		s.publishLocked()
	}
	return err
}

func (s *Session) checkOwnLocked(id string) error {
	if s.tl == nil {
		return ErrNoConversation
	}
	m, ok := s.tl.Get(id)
	if !ok || m.Status == chat.StatusRemoved {
		return fmt.Errorf("%w: %s", ErrUnknownMessage, id)
	}
	if m.IsProvisional() {
		return fmt.Errorf("%w: %s", ErrNotConfirmed, id)
	}
	if !m.IsOwn {
		return fmt.Errorf("%w: %s", ErrNotOwnMessage, id)
	}
	return nil
}

// Current implements send.Conversation. The returned token identifies the
// conversation generation.
func (s *Session) Current() (uint64, transport.ConversationKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, transport.ConversationKey{}, ErrClosed
	}
	if s.tl == nil {
		return 0, transport.ConversationKey{}, ErrNoConversation
	}
	return s.gen, s.key, nil
}

// Commit implements send.Conversation. The pending entry is inserted before
// the frame is written, so an echo can never arrive ahead of it; the write
// itself runs without the session lock.
func (s *Session) Commit(ctx context.Context, gen uint64, entry chat.Message, frame protocol.Outbound) error {
	s.mu.Lock()
	if s.gen != gen || s.tl == nil || s.closed {
		s.mu.Unlock()
		return send.ErrConversationChanged
	}
	if err := s.tl.InsertPending(entry); err != nil {
		s.mu.Unlock()
		return err
	}
	s.publishLocked()
	h := s.handle
	s.mu.Unlock()

	if h == nil {
		return transport.ErrTransportUnavailable
	}
	err := h.Send(ctx, frame)
	if err != nil {
		s.mu.Lock()
		changed := s.gen != gen
		s.mu.Unlock()
		if changed {
			return send.ErrConversationChanged
		}
	}
	return err
}

// View returns the current view state.
func (s *Session) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewLocked()
}

// Updates delivers the latest view after each change. Intermediate views
// are skipped when the reader falls behind.
func (s *Session) Updates() <-chan View {
	return s.updates.C()
}

// Close tears down the active conversation and stops Run.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	if s.cancelLoad != nil {
		s.cancelLoad()
	}
	s.epoch = 0
	s.handle = nil
	s.state = transport.StateClosed
	s.publishLocked()
	s.mu.Unlock()

	err := s.transport.Close()
	s.bus.Close()
	return err
}

func (s *Session) viewLocked() View {
	v := View{
		PeerID:         s.key.PeerID,
		State:          s.state,
		Loading:        s.loading,
		Err:            s.err,
		ServerError:    s.serverError,
		ProtocolErrors: s.protocolErrors,
	}
	if s.tl != nil {
		v.Messages = s.tl.Snapshot()
	}
	return v
}

func (s *Session) publishLocked() {
	s.updates.Publish(s.viewLocked())
}
