package chat

import (
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/tinyland-inc/chatline/cmd/chatline/internal"
	"github.com/tinyland-inc/chatline/pkg/chat"
	"github.com/tinyland-inc/chatline/pkg/session"
	"github.com/tinyland-inc/chatline/pkg/transport"
)

// printer writes the part of each view that changed since the last one.
type printer struct {
	mu  sync.Mutex
	out io.Writer

	peer        string
	state       transport.State
	loading     bool
	err         string
	serverError string
	protoErrors int
	lines       map[string]string
}

func newPrinter(out io.Writer) *printer {
	return &printer{out: out, state: transport.StateClosed, lines: map[string]string{}}
}

func (p *printer) Render(v session.View) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if v.PeerID != p.peer {
		p.peer = v.PeerID
		p.lines = map[string]string{}
		p.loading = false
		p.err, p.serverError, p.protoErrors = "", "", 0
		if v.PeerID != "" {
			fmt.Fprintf(p.out, "--- conversation with %s ---\n", v.PeerID)
		}
	}
	if v.State != p.state {
		p.state = v.State
		fmt.Fprintf(p.out, "* %s\n", v.State)
	}
	if v.Loading && !p.loading {
		fmt.Fprintln(p.out, "* loading history...")
	}
	p.loading = v.Loading

	errText := ""
	if v.Err != nil {
		errText = v.Err.Error()
	}
	if errText != p.err && errText != "" {
		fmt.Fprintf(p.out, "! %s\n", errText)
	}
	p.err = errText
	if v.ServerError != p.serverError && v.ServerError != "" {
		fmt.Fprintf(p.out, "! server: %s\n", v.ServerError)
	}
	p.serverError = v.ServerError
	if v.ProtocolErrors > p.protoErrors {
		fmt.Fprintf(p.out, "! ignored %d malformed frame(s)\n", v.ProtocolErrors-p.protoErrors)
	}
	p.protoErrors = v.ProtocolErrors

	next := make(map[string]string, len(v.Messages))
	for _, m := range v.Messages {
		line := internal.FormatMessage(m, internal.ClockTime(m.CreatedAt))
		next[m.ID] = line
		if p.lines[m.ID] != line {
			fmt.Fprintln(p.out, line)
		}
	}

	var gone []string
	for id := range p.lines {
		if _, ok := next[id]; !ok && !chat.IsProvisionalID(id) {
			gone = append(gone, id)
		}
	}
	sort.Strings(gone)
	for _, id := range gone {
		fmt.Fprintf(p.out, "[%s] deleted\n", internal.ShortID(id))
	}
	p.lines = next
}
