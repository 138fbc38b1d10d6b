package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(reg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	m.FrameReceived("newMessage")
	m.FrameReceived("newMessage")
	m.FrameReceived("deletedMessage")
	m.ProtocolError()
	m.StaleEventDropped()
	m.SendSettled("ok")
	m.UploadSettled(true)
	m.UploadSettled(false)
	m.ConversationSwitched()

	if got := testutil.ToFloat64(m.framesReceived.WithLabelValues("newMessage")); got != 2 {
		t.Errorf("newMessage frames = %v", got)
	}
	if got := testutil.ToFloat64(m.protocolErrors); got != 1 {
		t.Errorf("protocol errors = %v", got)
	}
	if got := testutil.ToFloat64(m.uploads.WithLabelValues("failed")); got != 1 {
		t.Errorf("failed uploads = %v", got)
	}
	if got := testutil.ToFloat64(m.switches); got != 1 {
		t.Errorf("switches = %v", got)
	}

	if _, err := New(reg); err == nil {
		t.Error("expected duplicate registration to fail")
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.FrameReceived("x")
	m.ProtocolError()
	m.StaleEventDropped()
	m.SendSettled("ok")
	m.UploadSettled(true)
	m.ConversationSwitched()
}

func TestHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, _ := New(reg)
	m.SendSettled("disconnected")

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `chatline_sends_total{result="disconnected"} 1`) {
		t.Errorf("metrics output missing sends counter:\n%s", body)
	}
}
