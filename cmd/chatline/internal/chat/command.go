package chat

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/chzyer/readline"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/tinyland-inc/chatline/cmd/chatline/internal"
	"github.com/tinyland-inc/chatline/pkg/config"
	"github.com/tinyland-inc/chatline/pkg/logger"
	"github.com/tinyland-inc/chatline/pkg/metrics"
	"github.com/tinyland-inc/chatline/pkg/session"
	"github.com/tinyland-inc/chatline/pkg/transport"
)

func NewChatCommand() *cobra.Command {
	var peer string

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Open an interactive conversation",
		Args:  cobra.NoArgs,
		Example: `  chatline chat --peer bob
  chatline chat -p bob -d`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return chatCmd(cmd, peer)
		},
	}

	cmd.Flags().StringVarP(&peer, "peer", "p", "", "Peer user id")
	_ = cmd.MarkFlagRequired("peer")

	return cmd
}

func chatCmd(cmd *cobra.Command, peer string) error {
	cfg, err := internal.LoadConfig(cmd)
	if err != nil {
		return err
	}
	client, err := internal.NewAPIClient(cfg)
	if err != nil {
		return fmt.Errorf("error creating api client: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		if m, err = metrics.New(reg); err != nil {
			return fmt.Errorf("error registering metrics: %w", err)
		}
		srv := serveMetrics(cfg.Metrics.Addr, reg)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	s, err := session.New(sessionConfig(cfg), client, client, session.WithMetrics(m))
	if err != nil {
		return fmt.Errorf("error creating session: %w", err)
	}
	defer s.Close()

	go func() {
		if err := s.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.ErrorCF("chat", "Event loop stopped", map[string]any{"error": err.Error()})
		}
	}()

	rl, rlErr := readline.NewEx(&readline.Config{
		Prompt:          fmt.Sprintf("%s %s> ", internal.Logo, cfg.User.ID),
		HistoryFile:     filepath.Join(os.TempDir(), ".chatline_history"),
		HistoryLimit:    100,
		InterruptPrompt: "^C",
		EOFPrompt:       "/quit",
	})
	var out io.Writer = os.Stdout
	if rlErr == nil {
		defer rl.Close()
		out = rl.Stdout()
		if cfg.Log.File == "" {
			logger.SetOutput(rl.Stderr())
		}
	}

	p := newPrinter(out)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case v, ok := <-s.Updates():
				if !ok {
					return
				}
				p.Render(v)
			}
		}
	}()

	fmt.Fprintf(out, "%s Connecting to %s as %s (/help for commands)\n\n", internal.Logo, peer, cfg.User.ID)
	if err := s.Open(ctx, peer); err != nil {
		fmt.Fprintf(out, "Error: %v\nUse /switch %s to try again.\n", err, peer)
	}

	r := newREPL(s, out, cfg.Sync.MaxAttachmentBytes, cfg.Sync.MaxAttachments)
	if rlErr != nil {
		fmt.Printf("Error initializing readline: %v\n", rlErr)
		fmt.Println("Falling back to simple input mode...")
		simpleInteractiveMode(ctx, r, cfg.User.ID)
		return nil
	}
	interactiveMode(ctx, r, rl)
	return nil
}

func sessionConfig(cfg *config.Config) session.Config {
	opts := []transport.Option{
		transport.WithHandshakeTimeout(cfg.Server.HandshakeTimeoutDuration()),
		transport.WithWriteTimeout(cfg.Server.WriteTimeoutDuration()),
		transport.WithPingInterval(cfg.Server.PingIntervalDuration()),
	}
	if cfg.Server.Token != "" {
		opts = append(opts, transport.WithHeader(http.Header{
			"Authorization": []string{"Bearer " + cfg.Server.Token},
		}))
	}
	return session.Config{
		UserID:            cfg.User.ID,
		WSURL:             cfg.Server.WSURL,
		MatchWindow:       cfg.Sync.EchoMatchWindowDuration(),
		UploadConcurrency: cfg.Sync.UploadConcurrency,
		MaxAttachments:    cfg.Sync.MaxAttachments,
		TransportOptions:  opts,
	}
}

func interactiveMode(ctx context.Context, r *repl, rl *readline.Instance) {
	for ctx.Err() == nil {
		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) {
				fmt.Fprintln(r.out, "\nGoodbye!")
				return
			}
			fmt.Fprintf(r.out, "Error reading input: %v\n", err)
			continue
		}
		if r.handle(ctx, line) {
			fmt.Fprintln(r.out, "Goodbye!")
			return
		}
	}
}

func simpleInteractiveMode(ctx context.Context, r *repl, userID string) {
	reader := bufio.NewReader(os.Stdin)
	for ctx.Err() == nil {
		fmt.Printf("%s %s> ", internal.Logo, userID)
		line, err := reader.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				fmt.Println("\nGoodbye!")
				return
			}
			fmt.Printf("Error reading input: %v\n", err)
			continue
		}
		if r.handle(ctx, line) {
			fmt.Println("Goodbye!")
			return
		}
	}
}

func serveMetrics(addr string, g prometheus.Gatherer) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(g))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.ErrorCF("metrics", "Metrics server failed", map[string]any{
				"addr":  addr,
				"error": err.Error(),
			})
		}
	}()
	logger.InfoCF("metrics", "Serving metrics", map[string]any{"addr": addr})
	return srv
}
