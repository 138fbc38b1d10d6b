package send

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tinyland-inc/chatline/pkg/api"
	"github.com/tinyland-inc/chatline/pkg/chat"
	"github.com/tinyland-inc/chatline/pkg/protocol"
	"github.com/tinyland-inc/chatline/pkg/timeline"
	"github.com/tinyland-inc/chatline/pkg/transport"
)

type fakeUploader struct {
	calls    atomic.Int32
	inFlight atomic.Int32
	peak     atomic.Int32
	delay    time.Duration
	fail     map[string]error
}

func (u *fakeUploader) Upload(ctx context.Context, userID, peerID string, a api.Attachment) (string, error) {
	u.calls.Add(1)
	n := u.inFlight.Add(1)
	defer u.inFlight.Add(-1)
	for {
		p := u.peak.Load()
		if n <= p || u.peak.CompareAndSwap(p, n) {
			break
		}
	}
	if u.delay > 0 {
		select {
		case <-time.After(u.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if err := u.fail[a.Name]; err != nil {
		return "", err
	}
	return "https://cdn.example.com/" + a.Name, nil
}

// fakeConversation backs Commit with a real timeline.
type fakeConversation struct {
	mu        sync.Mutex
	epoch     uint64
	key       transport.ConversationKey
	tl        *timeline.Timeline
	sent      []protocol.Outbound
	sendErr   error
	switchErr error
}

func newFakeConversation() *fakeConversation {
	return &fakeConversation{
		epoch: 1,
		key:   transport.ConversationKey{UserID: "me", PeerID: "bob"},
		tl:    timeline.New("me"),
	}
}

func (f *fakeConversation) Current() (uint64, transport.ConversationKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.switchErr != nil {
		return 0, transport.ConversationKey{}, f.switchErr
	}
	return f.epoch, f.key, nil
}

func (f *fakeConversation) Commit(ctx context.Context, epoch uint64, entry chat.Message, frame protocol.Outbound) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if epoch != f.epoch {
		return ErrConversationChanged
	}
	if err := f.tl.InsertPending(entry); err != nil {
		return err
	}
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, frame)
	return nil
}

type countingMetrics struct {
	mu      sync.Mutex
	sends   map[string]int
	uploads map[bool]int
}

func (m *countingMetrics) SendSettled(result string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sends == nil {
		m.sends = map[string]int{}
	}
	m.sends[result]++
}

func (m *countingMetrics) UploadSettled(ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.uploads == nil {
		m.uploads = map[bool]int{}
	}
	m.uploads[ok]++
}

func TestSend_EmptyMakesNoCalls(t *testing.T) {
	up := &fakeUploader{}
	conv := newFakeConversation()
	c := NewCoordinator(up, conv)

	for _, text := range []string{"", "   \n"} {
		out, err := c.Send(context.Background(), Request{Text: text})
		if !errors.Is(err, ErrEmptySend) {
			t.Fatalf("err = %v, want ErrEmptySend", err)
		}
		if out.Phase != PhaseSettled || out.Result != ResultEmpty {
			t.Errorf("outcome = %+v", out)
		}
	}
	if up.calls.Load() != 0 || len(conv.sent) != 0 || conv.tl.Len() != 0 {
		t.Error("empty send reached the network or timeline")
	}
}

func TestSend_TextOnly(t *testing.T) {
	conv := newFakeConversation()
	m := &countingMetrics{}
	c := NewCoordinator(&fakeUploader{}, conv, WithMetrics(m))

	out, err := c.Send(context.Background(), Request{Text: " hello "})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !chat.IsProvisionalID(out.ProvisionalID) || out.Result != ResultOK {
		t.Errorf("outcome = %+v", out)
	}

	if len(conv.sent) != 1 {
		t.Fatalf("sent %d frames", len(conv.sent))
	}
	payload := conv.sent[0].Data.(protocol.SendMessagePayload)
	want := protocol.SendMessagePayload{
		SenderID:    "me",
		ReceiverID:  "bob",
		Text:        "hello",
		Attachments: []string{},
		ClientID:    out.ProvisionalID,
	}
	if !reflect.DeepEqual(payload, want) {
		t.Errorf("payload = %+v, want %+v", payload, want)
	}

	entry, ok := conv.tl.Get(out.ProvisionalID)
	if !ok || entry.Status != chat.StatusPending || !entry.IsOwn {
		t.Errorf("pending entry = %+v, %v", entry, ok)
	}
	if m.sends[ResultOK] != 1 {
		t.Errorf("metrics = %v", m.sends)
	}
}

func TestSend_UploadsConcurrentlyInOrder(t *testing.T) {
	up := &fakeUploader{delay: 30 * time.Millisecond}
	conv := newFakeConversation()
	c := NewCoordinator(up, conv, WithConcurrency(4))

	atts := []api.Attachment{{Name: "a.png"}, {Name: "b.pdf"}, {Name: "c.txt"}}
	out, err := c.Send(context.Background(), Request{Attachments: atts})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	want := []string{
		"https://cdn.example.com/a.png",
		"https://cdn.example.com/b.pdf",
		"https://cdn.example.com/c.txt",
	}
	if !reflect.DeepEqual(out.Attachments, want) {
		t.Errorf("attachments = %v", out.Attachments)
	}
	if up.peak.Load() < 2 {
		t.Errorf("uploads were not concurrent (peak %d)", up.peak.Load())
	}
	if got := conv.sent[0].Data.(protocol.SendMessagePayload).Attachments; !reflect.DeepEqual(got, want) {
		t.Errorf("dispatched attachments = %v", got)
	}
}

func TestSend_DefaultIssuesAllUploadsAtOnce(t *testing.T) {
	up := &fakeUploader{delay: 100 * time.Millisecond}
	c := NewCoordinator(up, newFakeConversation())

	atts := make([]api.Attachment, 6)
	for i := range atts {
		atts[i] = api.Attachment{Name: fmt.Sprintf("f%d.png", i)}
	}
	if _, err := c.Send(context.Background(), Request{Attachments: atts}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got := up.peak.Load(); got != int32(len(atts)) {
		t.Errorf("peak in-flight uploads = %d, want %d", got, len(atts))
	}
}

func TestSend_ConcurrencyCap(t *testing.T) {
	up := &fakeUploader{delay: 30 * time.Millisecond}
	c := NewCoordinator(up, newFakeConversation(), WithConcurrency(2))

	atts := []api.Attachment{{Name: "a"}, {Name: "b"}, {Name: "c"}, {Name: "d"}}
	if _, err := c.Send(context.Background(), Request{Attachments: atts}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got := up.peak.Load(); got > 2 {
		t.Errorf("peak in-flight uploads = %d, want at most 2", got)
	}
}

func TestSend_SecondUploadFailsLeavesTimelineUnchanged(t *testing.T) {
	up := &fakeUploader{fail: map[string]error{"second.png": fmt.Errorf("503")}}
	conv := newFakeConversation()
	conv.tl.NewMessage(chat.Message{ID: "1", SenderID: "bob", Text: "before"})
	before := conv.tl.Snapshot()
	m := &countingMetrics{}
	c := NewCoordinator(up, conv, WithMetrics(m))

	out, err := c.Send(context.Background(), Request{
		Text:        "two files",
		Attachments: []api.Attachment{{Name: "first.png"}, {Name: "second.png"}},
	})
	if !errors.Is(err, ErrAttachmentUploadFailed) {
		t.Fatalf("err = %v, want ErrAttachmentUploadFailed", err)
	}
	var ue *UploadError
	if !errors.As(err, &ue) || ue.Index != 1 || ue.Name != "second.png" {
		t.Errorf("upload error = %#v", ue)
	}
	if out.ProvisionalID != "" || out.Result != ResultUploadFailed {
		t.Errorf("outcome = %+v", out)
	}
	if !reflect.DeepEqual(before, conv.tl.Snapshot()) {
		t.Error("timeline changed after failed upload")
	}
	if len(conv.sent) != 0 {
		t.Error("message dispatched despite failed upload")
	}
	if m.uploads[false] == 0 {
		t.Error("failed upload not counted")
	}
}

func TestSend_DisconnectedKeepsPending(t *testing.T) {
	conv := newFakeConversation()
	conv.sendErr = transport.ErrTransportUnavailable
	c := NewCoordinator(&fakeUploader{}, conv)

	out, err := c.Send(context.Background(), Request{Text: "are you there"})
	if !errors.Is(err, ErrDisconnected) || !errors.Is(err, transport.ErrTransportUnavailable) {
		t.Fatalf("err = %v", err)
	}
	pending := conv.tl.Pending()
	if len(pending) != 1 || pending[0].ID != out.ProvisionalID || pending[0].Text != "are you there" {
		t.Fatalf("pending = %+v", pending)
	}

	conv.sendErr = nil
	retried, err := c.Retry(context.Background(), pending[0])
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if retried.ProvisionalID != out.ProvisionalID || conv.tl.Len() != 1 {
		t.Errorf("retry outcome = %+v, len = %d", retried, conv.tl.Len())
	}
	if p := conv.sent[0].Data.(protocol.SendMessagePayload); p.ClientID != out.ProvisionalID {
		t.Errorf("retry clientId = %q", p.ClientID)
	}
}

func TestSend_ConversationSwitchedDuringUpload(t *testing.T) {
	conv := newFakeConversation()
	up := &switchingUploader{conv: conv}
	c := NewCoordinator(up, conv)

	_, err := c.Send(context.Background(), Request{Text: "x", Attachments: []api.Attachment{{Name: "a"}}})
	if !errors.Is(err, ErrConversationChanged) {
		t.Fatalf("err = %v, want ErrConversationChanged", err)
	}
	if conv.tl.Len() != 0 || len(conv.sent) != 0 {
		t.Error("stale send mutated the new conversation")
	}
}

type switchingUploader struct {
	conv *fakeConversation
}

func (u *switchingUploader) Upload(ctx context.Context, userID, peerID string, a api.Attachment) (string, error) {
	u.conv.mu.Lock()
	u.conv.epoch++
	u.conv.mu.Unlock()
	return "https://cdn/" + a.Name, nil
}

func TestSend_Limits(t *testing.T) {
	c := NewCoordinator(&fakeUploader{}, newFakeConversation(), WithMaxAttachments(1))
	_, err := c.Send(context.Background(), Request{Attachments: []api.Attachment{{Name: "a"}, {Name: "b"}}})
	if !errors.Is(err, ErrTooManyAttachments) {
		t.Errorf("err = %v", err)
	}

	conv := newFakeConversation()
	conv.switchErr = errors.New("no conversation")
	c = NewCoordinator(&fakeUploader{}, conv)
	if _, err := c.Send(context.Background(), Request{Text: "x"}); err == nil {
		t.Error("expected error without a conversation")
	}
}
