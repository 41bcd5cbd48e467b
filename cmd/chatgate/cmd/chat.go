package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/entrepeneur4lyf/chatgate/internal/client"
)

var (
	chatThread string
	chatMode   string
	chatURL    string
	chatKey    string
)

var chatCmd = &cobra.Command{
	Use:   "chat [message]",
	Short: "Chat with a running gateway",
	Long: `Chat with a running gateway.

With a message argument the reply is printed and the command exits;
otherwise lines are read from stdin until EOF or /quit.`,
	Args: cobra.ArbitraryArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := client.Options{
			BaseURL:              firstNonEmpty(chatURL, cfg.Client.URL),
			APIKey:               firstNonEmpty(chatKey, cfg.Client.APIKey),
			UserID:               cfg.Client.UserID,
			Mode:                 client.Mode(firstNonEmpty(chatMode, cfg.Client.Mode)),
			ReconnectDelay:       cfg.Client.ReconnectDelay,
			MaxReconnectAttempts: cfg.Client.MaxReconnectAttempts,
			Logger:               log.Default().WithPrefix("client"),
		}
		if opts.APIKey == "" {
			return errors.New("no API key: set client.apiKey or pass --key")
		}
		if chatThread == "" {
			chatThread = uuid.NewString()
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		session, err := newChatSession(ctx, opts)
		if err != nil {
			return err
		}
		defer session.close()

		if len(args) > 0 {
			return session.ask(ctx, strings.Join(args, " "))
		}
		return session.interactive(ctx)
	},
}

func init() {
	chatCmd.Flags().StringVar(&chatThread, "thread", "", "Thread to continue (default: new thread)")
	chatCmd.Flags().StringVar(&chatMode, "mode", "", "Transport: websocket or http (overrides client.mode)")
	chatCmd.Flags().StringVar(&chatURL, "url", "", "Gateway base URL (overrides client.url)")
	chatCmd.Flags().StringVar(&chatKey, "key", "", "API key (overrides client.apiKey)")
	rootCmd.AddCommand(chatCmd)
}

// chatSession prints replies as they arrive
type chatSession struct {
	client *client.Client
	mode   client.Mode

	// replies receives the end of each websocket turn; nil on success
	replies chan error
	failed  chan struct{}
}

func newChatSession(ctx context.Context, opts client.Options) (*chatSession, error) {
	c := client.New(opts)
	s := &chatSession{
		client:  c,
		mode:    opts.Mode,
		replies: make(chan error, 1),
		failed:  make(chan struct{}),
	}

	if opts.Mode == client.ModeWebSocket {
		c.On(client.EventStatus, func(p client.Payload) {
			if p.Frame.Progress != nil {
				fmt.Fprintf(os.Stderr, "\r%s %3.0f%%", p.Frame.Message, *p.Frame.Progress*100)
			}
		})
		c.On(client.EventResponse, func(p client.Payload) {
			fmt.Fprint(os.Stderr, "\r\033[K")
			fmt.Println(p.Frame.Content)
			if degraded, _ := p.Frame.Metadata["degraded"].(bool); degraded {
				fmt.Fprintln(os.Stderr, "(answered locally)")
			}
		})
		c.On(client.EventComplete, func(client.Payload) { s.finish(nil) })
		c.On(client.EventError, func(p client.Payload) {
			if p.Err != nil {
				s.finish(p.Err)
				return
			}
			s.finish(fmt.Errorf("%s %s", p.Frame.Message, p.Frame.Details))
		})
		c.On(client.EventReconnecting, func(p client.Payload) {
			fmt.Fprintf(os.Stderr, "connection lost, retrying in %s (attempt %d)\n", p.Delay, p.Attempt)
		})
		c.On(client.EventMaxReconnectAttemptsReached, func(client.Payload) {
			close(s.failed)
		})
	}

	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *chatSession) finish(err error) {
	select {
	case s.replies <- err:
	default:
	}
}

func (s *chatSession) ask(ctx context.Context, text string) error {
	reply, err := s.client.SendMessage(ctx, text, chatThread)
	if err != nil {
		return err
	}
	if s.mode == client.ModeHTTP {
		fmt.Println(reply)
		return nil
	}

	select {
	case err := <-s.replies:
		return err
	case <-s.failed:
		return errors.New("gave up reconnecting to the gateway")
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(10 * time.Minute):
		return errors.New("timed out waiting for a reply")
	}
}

func (s *chatSession) interactive(ctx context.Context) error {
	fmt.Fprintf(os.Stderr, "thread %s, /quit to exit\n", chatThread)
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Fprint(os.Stderr, "> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		}
		if err := s.ask(ctx, line); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			fmt.Fprintln(os.Stderr, "error:", err)
		}
	}
}

func (s *chatSession) close() {
	s.client.Close()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
