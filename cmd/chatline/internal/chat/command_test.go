package chat

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinyland-inc/chatline/pkg/api"
	"github.com/tinyland-inc/chatline/pkg/chat"
	"github.com/tinyland-inc/chatline/pkg/config"
	"github.com/tinyland-inc/chatline/pkg/send"
	"github.com/tinyland-inc/chatline/pkg/session"
	"github.com/tinyland-inc/chatline/pkg/transport"
)

func TestNewChatCommand(t *testing.T) {
	cmd := NewChatCommand()

	require.NotNil(t, cmd)

	assert.Equal(t, "chat", cmd.Use)
	assert.Equal(t, "Open an interactive conversation", cmd.Short)
	assert.True(t, cmd.HasExample())
	assert.False(t, cmd.HasSubCommands())

	assert.Nil(t, cmd.Run)
	assert.NotNil(t, cmd.RunE)
	assert.Nil(t, cmd.PersistentPreRun)

	flag := cmd.Flags().Lookup("peer")
	require.NotNil(t, flag)
	assert.Equal(t, "p", flag.Shorthand)
}

func TestSessionConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.User.ID = "alice"
	cfg.Sync.EchoMatchWindow = 7

	sc := sessionConfig(cfg)
	assert.Equal(t, "alice", sc.UserID)
	assert.Equal(t, cfg.Server.WSURL, sc.WSURL)
	assert.Equal(t, 7*time.Second, sc.MatchWindow)
	assert.Equal(t, 0, sc.UploadConcurrency)
	assert.Len(t, sc.TransportOptions, 3)

	cfg.Server.Token = "secret"
	assert.Len(t, sessionConfig(cfg).TransportOptions, 4)
}

type fakeConversation struct {
	view    session.View
	calls   []string
	sendReq send.Request
	sendOut *send.Outcome
	sendErr error
	err     error
}

func (f *fakeConversation) Open(_ context.Context, peer string) error {
	f.calls = append(f.calls, "open "+peer)
	return f.err
}

func (f *fakeConversation) Reload() error {
	f.calls = append(f.calls, "reload")
	return f.err
}

func (f *fakeConversation) Send(_ context.Context, req send.Request) (*send.Outcome, error) {
	f.calls = append(f.calls, "send "+req.Text)
	f.sendReq = req
	return f.sendOut, f.sendErr
}

func (f *fakeConversation) Retry(_ context.Context, id string) (*send.Outcome, error) {
	f.calls = append(f.calls, "retry "+id)
	return f.sendOut, f.sendErr
}

func (f *fakeConversation) Edit(_ context.Context, id, text string) error {
	f.calls = append(f.calls, fmt.Sprintf("edit %s %s", id, text))
	return f.err
}

func (f *fakeConversation) Delete(_ context.Context, id string) error {
	f.calls = append(f.calls, "delete "+id)
	return f.err
}

func (f *fakeConversation) View() session.View { return f.view }

func newTestREPL(conv *fakeConversation) (*repl, *bytes.Buffer) {
	var out bytes.Buffer
	r := newREPL(conv, &out, 10, 2)
	r.readFile = func(path string) ([]byte, error) {
		switch path {
		case "/tmp/small.txt", "/tmp/other.txt":
			return []byte("hello"), nil
		case "/tmp/big.bin":
			return make([]byte, 11), nil
		default:
			return nil, errors.New("no such file")
		}
	}
	return r, &out
}

func TestREPL_SendConsumesAttachments(t *testing.T) {
	conv := &fakeConversation{sendOut: &send.Outcome{ProvisionalID: "local-1"}}
	r, out := newTestREPL(conv)

	assert.False(t, r.handle(context.Background(), "/attach /tmp/small.txt"))
	assert.Contains(t, out.String(), "Queued small.txt (5 B)")

	r.handle(context.Background(), "  hi there  ")
	assert.Equal(t, "hi there", conv.sendReq.Text)
	assert.Equal(t, []api.Attachment{{Name: "small.txt", Data: []byte("hello")}}, conv.sendReq.Attachments)
	assert.Empty(t, r.queued)
}

func TestREPL_UploadFailureKeepsAttachments(t *testing.T) {
	conv := &fakeConversation{
		sendOut: &send.Outcome{},
		sendErr: &send.UploadError{Index: 0, Name: "small.txt", Err: errors.New("503")},
	}
	r, out := newTestREPL(conv)

	r.handle(context.Background(), "/attach /tmp/small.txt")
	r.handle(context.Background(), "with file")

	assert.Len(t, r.queued, 1)
	assert.Contains(t, out.String(), "Send failed")
}

func TestREPL_AttachLimits(t *testing.T) {
	r, out := newTestREPL(&fakeConversation{})

	r.handle(context.Background(), "/attach /tmp/big.bin")
	assert.Contains(t, out.String(), "big.bin is 11 B, the limit is 10 B.")
	r.handle(context.Background(), "/attach /tmp/missing")
	assert.Contains(t, out.String(), "no such file")
	assert.Empty(t, r.queued)

	r.handle(context.Background(), "/attach /tmp/small.txt")
	r.handle(context.Background(), "/attach /tmp/other.txt")
	r.handle(context.Background(), "/attach /tmp/small.txt")
	assert.Len(t, r.queued, 2)
	assert.Contains(t, out.String(), "At most 2 attachments")

	r.handle(context.Background(), "/clear")
	assert.Empty(t, r.queued)
}

func TestREPL_Disconnected(t *testing.T) {
	conv := &fakeConversation{
		sendOut: &send.Outcome{ProvisionalID: "local-0123456789"},
		sendErr: fmt.Errorf("%w: %w", send.ErrDisconnected, transport.ErrTransportUnavailable),
	}
	r, out := newTestREPL(conv)

	r.handle(context.Background(), "hello")
	assert.Contains(t, out.String(), "Use /retry local-01234567")
}

func TestREPL_IntentsResolveIDs(t *testing.T) {
	conv := &fakeConversation{view: session.View{Messages: []chat.Message{
		{ID: "abc123", IsOwn: true},
		{ID: "abd456", IsOwn: true},
		{ID: "local-ffff0000", Status: chat.StatusPending},
	}}}
	r, out := newTestREPL(conv)
	ctx := context.Background()

	r.handle(ctx, "/edit abc new text here")
	r.handle(ctx, "/delete abd")
	r.handle(ctx, "/retry local-ffff")
	r.handle(ctx, "/delete ab")
	r.handle(ctx, "/delete zzz")
	r.handle(ctx, "/delete")

	assert.Equal(t, []string{"edit abc123 new text here", "delete abd456", "retry local-ffff0000"}, conv.calls)
	assert.Contains(t, out.String(), "ambiguous message id: ab")
	assert.Contains(t, out.String(), "unknown message: zzz")
	assert.Contains(t, out.String(), "A message id is required.")
}

func TestREPL_Commands(t *testing.T) {
	conv := &fakeConversation{}
	r, out := newTestREPL(conv)
	ctx := context.Background()

	r.queued = []api.Attachment{{Name: "x"}}
	r.handle(ctx, "/switch carol")
	assert.Empty(t, r.queued)
	r.handle(ctx, "/reload")
	r.handle(ctx, "/switch")
	r.handle(ctx, "/nope")
	r.handle(ctx, "/help")

	assert.Equal(t, []string{"open carol", "reload"}, conv.calls)
	assert.Contains(t, out.String(), "Usage: /switch <peer>")
	assert.Contains(t, out.String(), "Unknown command /nope")
	assert.Contains(t, out.String(), "/attach <path>")

	assert.True(t, r.handle(ctx, "/quit"))
	assert.False(t, r.handle(ctx, "   "))
}

func TestPrinter(t *testing.T) {
	var out bytes.Buffer
	p := newPrinter(&out)
	at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.Local)

	p.Render(session.View{PeerID: "bob", State: transport.StateConnecting, Loading: true})
	p.Render(session.View{PeerID: "bob", State: transport.StateOpen, Messages: []chat.Message{
		{ID: "m1", Text: "hi", SenderID: "bob", CreatedAt: at, Status: chat.StatusConfirmed},
		{ID: "local-aaaa", Text: "yo", SenderID: "alice", IsOwn: true, CreatedAt: at, Status: chat.StatusPending},
	}})
	p.Render(session.View{PeerID: "bob", State: transport.StateOpen, ProtocolErrors: 1, Messages: []chat.Message{
		{ID: "m1", Text: "hi", SenderID: "bob", CreatedAt: at, Status: chat.StatusConfirmed},
		{ID: "m2", Text: "yo", SenderID: "alice", IsOwn: true, CreatedAt: at, Status: chat.StatusConfirmed},
	}})
	p.Render(session.View{PeerID: "bob", State: transport.StateErrored, Err: errors.New("read: eof"), Messages: []chat.Message{
		{ID: "m2", Text: "yo", SenderID: "alice", IsOwn: true, CreatedAt: at, Status: chat.StatusConfirmed},
	}})

	want := []string{
		"--- conversation with bob ---",
		"* connecting",
		"* loading history...",
		"* open",
		"[m1] 10:00 bob: hi",
		"[local-aaaa] 10:00 you: yo (sending)",
		"! ignored 1 malformed frame(s)",
		"[m2] 10:00 you: yo",
		"* errored",
		"! read: eof",
		"[m1] deleted",
	}
	assert.Equal(t, want, strings.Split(strings.TrimSpace(out.String()), "\n"))
}
