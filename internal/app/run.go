// Package app wires the murmur terminal client: config, logging, the
// session manager, and the interactive read loop.
package app

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"murmur/internal/chat"
	"murmur/internal/roster"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Run is the CLI entrypoint used by cmd/murmur.
// It returns an error instead of calling os.Exit to keep defers effective.
func Run() error {
	// Optional .env for local development; absence is not an error.
	_ = godotenv.Load()

	cfg := LoadConfig()
	log := NewLogger(cfg.LogLevel, cfg.LogPretty)

	if cfg.Conversation == "" {
		return errors.New("MURMUR_CONVERSATION is required")
	}
	if cfg.SelfID == "" {
		return errors.New("MURMUR_SELF_ID is required")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if cfg.MetricsAddr != "" {
		go serveMetrics(cfg.MetricsAddr, log)
	}

	creds := chat.StaticCredential(cfg.Token)
	backend := chat.NewRESTBackend(cfg.APIBase, creds, log)

	mgr, err := chat.NewManager(chat.ManagerConfig{
		SelfID:          cfg.SelfID,
		WSBase:          cfg.WSBase,
		Backend:         backend,
		Credentials:     creds,
		Log:             log,
		HistoryPageSize: cfg.HistoryPageSize,
		TypingQuiet:     cfg.TypingQuiet,
		TypingTTL:       cfg.TypingTTL,
	})
	if err != nil {
		return err
	}

	list := roster.New(backend, log)
	if err := list.Refresh(ctx); err != nil {
		log.Warn("roster.refresh.fail", "err", err)
	} else {
		printRoster(list)
	}

	session, err := mgr.OpenSession(ctx, chat.ConversationID(cfg.Conversation))
	if err != nil {
		return fmt.Errorf("open session: %w", err)
	}
	defer session.Close()

	if session.Degraded() {
		fmt.Println("(history unavailable, live messages only)")
	}
	printMessages(session.Messages(), 0)

	go renderEvents(ctx, session)

	return readInput(ctx, session)
}

// readInput turns stdin lines into sends until EOF, /quit, or signal.
func readInput(ctx context.Context, session *chat.Session) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok || strings.TrimSpace(line) == "/quit" {
				return nil
			}

			sendCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
			err := session.Send(sendCtx, line)
			cancel()

			switch {
			case errors.Is(err, chat.ErrInvalidInput):
				// Blank line; nothing to do.
			case errors.Is(err, chat.ErrSendFailed):
				fmt.Println("(send failed, message kept for retry)")
			case err != nil:
				fmt.Printf("(send error: %v)\n", err)
			}
		}
	}
}

// renderEvents prints session changes as they arrive.
func renderEvents(ctx context.Context, session *chat.Session) {
	seen := len(session.Messages())

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-session.Events():
			if !ok {
				return
			}

			switch ev.Kind {
			case chat.EventMessages:
				msgs := session.Messages()
				seen = printMessages(msgs, seen)

			case chat.EventTyping:
				if typing := session.CurrentlyTyping(); len(typing) > 0 {
					fmt.Printf("(%s typing...)\n", strings.Join(typing, ", "))
				}

			case chat.EventConn:
				fmt.Printf("(connection: %s)\n", ev.State)

			case chat.EventFailure:
				if errors.Is(ev.Err, chat.ErrCredentialExpired) {
					fmt.Println("(credential expired, please sign in again)")
					return
				}
				fmt.Printf("(%v)\n", ev.Err)
			}
		}
	}
}

// printMessages prints records at or past the seen index and returns the
// new high-water mark. Reconciled records keep their index, so reprints
// only happen on genuine appends.
func printMessages(msgs []chat.Message, seen int) int {
	for i := seen; i < len(msgs); i++ {
		m := msgs[i]
		marker := " "
		switch m.Delivery {
		case chat.DeliveryPending:
			marker = "~"
		case chat.DeliveryFailed:
			marker = "!"
		}
		fmt.Printf("[%s]%s %s: %s\n", m.SentAt.Format("15:04"), marker, m.SenderID, m.Content)
	}
	if len(msgs) > seen {
		return len(msgs)
	}
	return seen
}

func printRoster(list *roster.Roster) {
	for _, c := range list.List("") {
		unread := ""
		if c.UnreadCount > 0 {
			unread = fmt.Sprintf(" (%d unread)", c.UnreadCount)
		}
		fmt.Printf("%s | %s: %s%s\n", c.ID, c.Participant, c.LastMessage, unread)
	}
}

func serveMetrics(addr string, log *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	log.Info("metrics.listen", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("metrics.fail", "err", err)
	}
}
