package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/tinyland-inc/chatline/cmd/chatline/internal"
	"github.com/tinyland-inc/chatline/pkg/api"
	"github.com/tinyland-inc/chatline/pkg/send"
	"github.com/tinyland-inc/chatline/pkg/session"
)

const helpText = `Commands:
  /attach <path>       queue a file for the next message
  /clear               drop queued files
  /edit <id> <text>    replace the text of one of your messages
  /delete <id>         delete one of your messages
  /retry <id>          send a pending message again
  /switch <peer>       open another conversation
  /reload              fetch the history again
  /quit                leave
Anything else is sent as a message.`

var errAmbiguousID = errors.New("ambiguous message id")

// conversation is the part of *session.Session the REPL drives.
type conversation interface {
	Open(ctx context.Context, peerID string) error
	Reload() error
	Send(ctx context.Context, req send.Request) (*send.Outcome, error)
	Retry(ctx context.Context, id string) (*send.Outcome, error)
	Edit(ctx context.Context, id, newText string) error
	Delete(ctx context.Context, id string) error
	View() session.View
}

type repl struct {
	conv           conversation
	out            io.Writer
	maxBytes       int64
	maxAttachments int
	readFile       func(string) ([]byte, error)

	queued []api.Attachment
}

func newREPL(conv conversation, out io.Writer, maxBytes int64, maxAttachments int) *repl {
	return &repl{
		conv:           conv,
		out:            out,
		maxBytes:       maxBytes,
		maxAttachments: maxAttachments,
		readFile:       os.ReadFile,
	}
}

// handle runs one input line and reports whether the user asked to quit.
func (r *repl) handle(ctx context.Context, line string) bool {
	input := strings.TrimSpace(line)
	if input == "" {
		return false
	}
	if !strings.HasPrefix(input, "/") {
		r.send(ctx, input)
		return false
	}

	name, rest, _ := strings.Cut(input, " ")
	rest = strings.TrimSpace(rest)

	switch name {
	case "/quit", "/exit":
		return true
	case "/help":
		fmt.Fprintln(r.out, helpText)
	case "/attach":
		r.attach(rest)
	case "/clear":
		r.queued = nil
		fmt.Fprintln(r.out, "Attachments cleared.")
	case "/edit":
		ref, text, _ := strings.Cut(rest, " ")
		r.withID(ref, func(id string) error { return r.conv.Edit(ctx, id, text) })
	case "/delete":
		r.withID(rest, func(id string) error { return r.conv.Delete(ctx, id) })
	case "/retry":
		r.withID(rest, func(id string) error {
			out, err := r.conv.Retry(ctx, id)
			r.reportSend(out, err)
			return nil
		})
	case "/switch":
		if rest == "" {
			fmt.Fprintln(r.out, "Usage: /switch <peer>")
			return false
		}
		r.queued = nil
		if err := r.conv.Open(ctx, rest); err != nil {
			fmt.Fprintf(r.out, "Error: %v\n", err)
		}
	case "/reload":
		if err := r.conv.Reload(); err != nil {
			fmt.Fprintf(r.out, "Error: %v\n", err)
		}
	default:
		fmt.Fprintf(r.out, "Unknown command %s, try /help\n", name)
	}
	return false
}

func (r *repl) send(ctx context.Context, text string) {
	out, err := r.conv.Send(ctx, send.Request{Text: text, Attachments: r.queued})
	// attachments are consumed once a provisional entry exists
	if out != nil && out.ProvisionalID != "" {
		r.queued = nil
	}
	r.reportSend(out, err)
}

func (r *repl) reportSend(out *send.Outcome, err error) {
	switch {
	case err == nil:
	case errors.Is(err, send.ErrDisconnected) && out != nil:
		fmt.Fprintf(r.out, "Not delivered, connection is down. Use /retry %s\n", internal.ShortID(out.ProvisionalID))
	case errors.Is(err, send.ErrConversationChanged):
		fmt.Fprintln(r.out, "Conversation changed before the message was sent.")
	case errors.Is(err, send.ErrEmptySend):
		fmt.Fprintln(r.out, "Nothing to send.")
	default:
		fmt.Fprintf(r.out, "Send failed: %v\n", err)
	}
}

func (r *repl) attach(path string) {
	if path == "" {
		fmt.Fprintln(r.out, "Usage: /attach <path>")
		return
	}
	if len(r.queued) >= r.maxAttachments {
		fmt.Fprintf(r.out, "At most %d attachments per message.\n", r.maxAttachments)
		return
	}
	data, err := r.readFile(path)
	if err != nil {
		fmt.Fprintf(r.out, "Error: %v\n", err)
		return
	}
	if r.maxBytes > 0 && int64(len(data)) > r.maxBytes {
		fmt.Fprintf(r.out, "%s is %s, the limit is %s.\n", filepath.Base(path),
			humanize.Bytes(uint64(len(data))), humanize.Bytes(uint64(r.maxBytes)))
		return
	}
	r.queued = append(r.queued, api.Attachment{Name: filepath.Base(path), Data: data})
	fmt.Fprintf(r.out, "Queued %s (%s), %d file(s) for the next message.\n",
		filepath.Base(path), humanize.Bytes(uint64(len(data))), len(r.queued))
}

func (r *repl) withID(ref string, fn func(id string) error) {
	if ref == "" {
		fmt.Fprintln(r.out, "A message id is required.")
		return
	}
	id, err := resolveID(r.conv.View(), ref)
	if err == nil {
		err = fn(id)
	}
	if err != nil {
		fmt.Fprintf(r.out, "Error: %v\n", err)
	}
}

// resolveID finds the message whose id is ref or starts with ref.
func resolveID(v session.View, ref string) (string, error) {
	var match string
	for _, m := range v.Messages {
		if m.ID == ref {
			return m.ID, nil
		}
		if strings.HasPrefix(m.ID, ref) {
			if match != "" {
				return "", fmt.Errorf("%w: %s", errAmbiguousID, ref)
			}
			match = m.ID
		}
	}
	if match == "" {
		return "", fmt.Errorf("%w: %s", session.ErrUnknownMessage, ref)
	}
	return match, nil
}
