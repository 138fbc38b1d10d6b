package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tinyland-inc/chatline/pkg/bus"
	"github.com/tinyland-inc/chatline/pkg/logger"
	"github.com/tinyland-inc/chatline/pkg/protocol"
)

// ErrTransportUnavailable is returned by Send when the handle is not Open.
var ErrTransportUnavailable = errors.New("transport unavailable")

// State is the lifecycle state of a connection. A Handle only exists once its
// dial has succeeded, so it starts Open; StateConnecting is what the session
// reports while Manager.Open is still dialing.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
	// StateErrored is terminal for the handle.
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// ConversationKey scopes a connection to one (local user, peer) pair.
type ConversationKey struct {
	UserID string
	PeerID string
}

func (k ConversationKey) String() string {
	return k.UserID + ":" + k.PeerID
}

// Handle is one live connection. Every event it publishes carries its epoch.
type Handle struct {
	key   ConversationKey
	epoch uint64
	conn  *websocket.Conn
	bus   *bus.MessageBus

	writeTimeout time.Duration
	pingInterval time.Duration
	readLimit    int64

	state   atomic.Int32
	writeMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	listenOnce sync.Once
	closeOnce  sync.Once
}

func (h *Handle) Epoch() uint64 { return h.epoch }

func (h *Handle) Key() ConversationKey { return h.key }

func (h *Handle) State() State { return State(h.state.Load()) }

// Done is closed when the read loop exits.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Listen starts the read loop (and the keepalive, when configured). Events
// are published to the bus in arrival order. Calling Listen more than once
// has no effect.
func (h *Handle) Listen() {
	h.listenOnce.Do(func() {
		go h.readLoop()
		if h.pingInterval > 0 {
			go h.pingLoop()
		}
	})
}

// Send writes one client frame. It fails fast with ErrTransportUnavailable
// when the handle is not Open; nothing is queued.
func (h *Handle) Send(ctx context.Context, frame protocol.Outbound) error {
	if h.State() != StateOpen {
		return ErrTransportUnavailable
	}
	data, err := frame.Marshal()
	if err != nil {
		return fmt.Errorf("encode %s: %w", frame.Event, err)
	}

	h.writeMu.Lock()
	defer h.writeMu.Unlock()

	if h.State() != StateOpen {
		return ErrTransportUnavailable
	}
	deadline := time.Now().Add(h.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = h.conn.SetWriteDeadline(deadline)
	if err := h.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		if h.state.CompareAndSwap(int32(StateOpen), int32(StateErrored)) {
			logger.WarnCF("transport", "Write failed", map[string]any{
				"epoch": h.epoch,
				"error": err.Error(),
			})
			_ = h.conn.Close()
		}
		return fmt.Errorf("%w: %w", ErrTransportUnavailable, err)
	}

	logger.DebugCF("transport", "Frame sent", map[string]any{
		"epoch": h.epoch,
		"event": string(frame.Event),
	})
	return nil
}

// Close moves the handle through Closing to Closed. An Errored handle stays
// Errored. Safe to call more than once.
func (h *Handle) Close() error {
	var err error
	h.closeOnce.Do(func() {
		prev := State(h.state.Swap(int32(StateClosing)))
		if prev == StateOpen {
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = h.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(h.writeTimeout))
		}
		err = h.conn.Close()
		h.cancel()

		final := StateClosed
		if prev == StateErrored {
			final = StateErrored
		}
		h.state.Store(int32(final))

		logger.InfoCF("transport", "Connection closed", map[string]any{
			"epoch": h.epoch,
			"peer":  h.key.PeerID,
			"state": final.String(),
		})
	})
	return err
}

func (h *Handle) readLoop() {
	defer close(h.done)

	h.conn.SetReadLimit(h.readLimit)
	pongWait := 2 * h.pingInterval
	if h.pingInterval > 0 {
		_ = h.conn.SetReadDeadline(time.Now().Add(pongWait))
		h.conn.SetPongHandler(func(string) error {
			return h.conn.SetReadDeadline(time.Now().Add(pongWait))
		})
	}

	for {
		msgType, data, err := h.conn.ReadMessage()
		if err != nil {
			h.finish(err)
			return
		}
		if h.pingInterval > 0 {
			_ = h.conn.SetReadDeadline(time.Now().Add(pongWait))
		}

		if msgType != websocket.TextMessage {
			h.publish(bus.InboundEvent{
				Kind: bus.EventProtocolError,
				Err:  &protocol.Error{Reason: "binary frames are not supported"},
			})
			continue
		}

		frame, err := protocol.Decode(data)
		if err != nil {
			logger.WarnCF("transport", "Dropping malformed frame", map[string]any{
				"epoch": h.epoch,
				"error": err.Error(),
			})
			h.publish(bus.InboundEvent{Kind: bus.EventProtocolError, Err: err})
			continue
		}
		h.publish(bus.InboundEvent{Kind: bus.EventFrame, Frame: frame})
	}
}

func (h *Handle) finish(err error) {
	kind, next := bus.EventErrored, StateErrored
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		kind, next = bus.EventClosed, StateClosed
	}
	if !h.state.CompareAndSwap(int32(StateOpen), int32(next)) {
		// Close or a failed write got there first.
		if h.State() == StateErrored {
			kind = bus.EventErrored
		} else {
			kind, err = bus.EventClosed, nil
		}
	} else {
		_ = h.conn.Close()
		h.cancelLater()
	}

	if kind == bus.EventErrored {
		logger.ErrorCF("transport", "Connection failed", map[string]any{
			"epoch": h.epoch,
			"peer":  h.key.PeerID,
			"error": errString(err),
		})
	}
	h.publish(bus.InboundEvent{Kind: kind, Err: err})
}

// cancelLater releases the handle context once the terminal event has had a
// chance to be published.
func (h *Handle) cancelLater() {
	go func() {
		<-h.done
		h.cancel()
	}()
}

func (h *Handle) pingLoop() {
	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-h.ctx.Done():
			return
		case <-h.done:
			return
		case <-ticker.C:
			if h.State() != StateOpen {
				return
			}
			if err := h.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.writeTimeout)); err != nil {
				logger.DebugCF("transport", "Ping failed", map[string]any{
					"epoch": h.epoch,
					"error": err.Error(),
				})
				return
			}
		}
	}
}

func (h *Handle) publish(ev bus.InboundEvent) {
	ev.Epoch = h.epoch
	if err := h.bus.PublishInbound(h.ctx, ev); err != nil {
		logger.DebugCF("transport", "Event not delivered", map[string]any{
			"epoch": h.epoch,
			"kind":  ev.Kind.String(),
			"error": err.Error(),
		})
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
