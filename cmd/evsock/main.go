// Package main provides evsock, a command-line client that keeps a WebSocket
// event connection open, emits stdin lines as events and prints what arrives.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"

	"github.com/codeGROOVE-dev/evsock/pkg/client"
	"github.com/codeGROOVE-dev/evsock/pkg/logger"
	"github.com/codeGROOVE-dev/evsock/pkg/transport"
)

const maxOpenBackoff = 2 * time.Second

var errNotConnected = errors.New("not connected yet")

func run(ctx context.Context, args []string, stdin io.Reader, stdout io.Writer) error {
	fs := flag.NewFlagSet("evsock", flag.ContinueOnError)
	cfg, err := parseSettings(fs, args)
	if err != nil {
		return err
	}

	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	log := logger.New(os.Stderr, level)
	logger.SetDefault(log)

	c, err := client.New(clientConfig(cfg, log, stdout))
	if err != nil {
		return err
	}
	defer c.Close()

	if err := waitOpen(ctx, c, cfg.OpenTimeout, log); err != nil {
		return fmt.Errorf("connect to %s: %w", c.Endpoint(), err)
	}

	return pump(ctx, c, stdin, log)
}

func clientConfig(cfg settings, log *slog.Logger, out io.Writer) client.Config {
	opts := transport.DialOptions{Logger: log}
	if len(cfg.Headers) > 0 {
		opts.Header = http.Header{}
		for k, v := range cfg.Headers {
			opts.Header.Set(k, v)
		}
	}
	var dialer transport.Dialer = transport.NewWebSocketDialer(opts)
	if cfg.Gorilla {
		dialer = transport.NewGorillaDialer(opts)
	}

	config := client.Config{
		Endpoint:      cfg.Addr,
		Dialer:        dialer,
		Logger:        log,
		MaxReconnects: cfg.MaxReconnects,
		AllowNonJSON:  cfg.Lenient,
		Verbose:       cfg.Verbose,
		Handlers: map[string]client.HandlerFunc{
			client.DefaultEvent: func(_ *client.Client, m client.Message) {
				fmt.Fprintln(out, formatEvent(m)) //nolint:errcheck // best-effort terminal output
			},
		},
		OnClose: func(_ *client.Client, ev transport.CloseEvent) {
			log.Info("disconnected", "code", ev.Code, "reason", ev.Reason)
		},
	}
	if cfg.Origin != "" {
		config.Endpoint = ""
		config.Origin = cfg.Origin
	}
	if cfg.Lenient {
		config.OnMessage = func(_ *client.Client, raw string) {
			fmt.Fprintln(out, formatEvent(client.Message{Raw: raw})) //nolint:errcheck // best-effort terminal output
		}
	}
	return config
}

// waitOpen polls until the client reports an open connection.
func waitOpen(ctx context.Context, c *client.Client, timeout time.Duration, log *slog.Logger) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	return retry.Do(
		func() error {
			if c.Connected() {
				return nil
			}
			return errNotConnected
		},
		retry.Context(ctx),
		retry.UntilSucceeded(),
		retry.Delay(10*time.Millisecond),
		retry.DelayType(retry.FullJitterBackoffDelay),
		retry.MaxDelay(maxOpenBackoff),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, _ error) {
			if n > 0 && n%10 == 0 {
				log.Info("still waiting for connection", "attempt", n, "state", c.State().String())
			}
		}),
	)
}

// pump sends each stdin line until EOF or cancellation.
func pump(ctx context.Context, c *client.Client, stdin io.Reader, log *slog.Logger) error {
	lines := make(chan string)
	errc := make(chan error, 1)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(stdin)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		errc <- sc.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			log.Info("interrupted")
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-errc:
					return err
				default:
					return nil
				}
			}
			if err := sendLine(c, line); err != nil {
				log.Warn("could not send line", "error", err)
			}
		}
	}
}

// sendLine sends JSON lines unchanged and wraps anything else in a message
// event. Blank lines are skipped.
func sendLine(c *client.Client, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	if json.Valid([]byte(line)) {
		c.Send(line)
		return nil
	}
	return c.Emit(lineEvent(line))
}

func lineEvent(line string) map[string]any {
	return map[string]any{"event": "message", "data": line}
}

// formatEvent renders an inbound message for the terminal.
func formatEvent(m client.Message) string {
	if !m.JSON {
		return "[text] " + m.Raw
	}
	event, ok := m.Event()
	if !ok {
		event = client.DefaultEvent
	}
	return fmt.Sprintf("[%s] %s", event, m.Raw)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdin, os.Stdout); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		fmt.Fprintln(os.Stderr, "evsock:", err) //nolint:errcheck // exiting anyway
		os.Exit(1)
	}
}
