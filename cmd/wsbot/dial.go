package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ianic/xnet/internal/signal"
	"github.com/ianic/xnet/ws"
)

var (
	dialHeaders      []string
	dialToken        string
	dialSubprotocols []string
	dialOrigin       string
)

var dialCmd = &cobra.Command{
	Use:   "dial [uri]",
	Short: "Connect to a WebSocket server and send stdin lines as text messages",
	Long: `Connect to a ws:// or wss:// uri. Every stdin line is sent as a text
message, received messages are printed to stdout. End of stdin or interrupt
closes the connection with status 1000.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runDial,
}

func init() {
	dialCmd.Flags().StringArrayVarP(&dialHeaders, "header", "H", nil, `extra handshake header, "Name: value"`)
	dialCmd.Flags().StringVar(&dialToken, "token", "", "bearer token for the Authorization header")
	dialCmd.Flags().StringSliceVar(&dialSubprotocols, "subprotocol", nil, "subprotocol to offer, may be repeated")
	dialCmd.Flags().StringVar(&dialOrigin, "origin", "", "Origin header value")
	rootCmd.AddCommand(dialCmd)
}

func runDial(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	uri := cfg.URL
	if len(args) > 0 {
		uri = args[0]
	}
	if uri == "" {
		return errors.New("missing uri, pass it as argument or set url in config")
	}

	flags := cmd.Flags()
	if flags.Changed("token") {
		cfg.Token = dialToken
	}
	if flags.Changed("subprotocol") {
		cfg.Subprotocols = dialSubprotocols
	}
	if flags.Changed("origin") {
		cfg.Origin = dialOrigin
	}
	headers, err := parseHeaders(dialHeaders)
	if err != nil {
		return err
	}
	if cfg.Headers == nil {
		cfg.Headers = make(map[string]string)
	}
	for k, v := range headers {
		cfg.Headers[k] = v
	}

	logger := cfg.Logger()
	ctx, cancel := signal.InterruptContext(cmd.Context())
	defer cancel()

	var (
		out     = cmd.OutOrStdout()
		mu      sync.Mutex
		connErr error
	)
	conn := ws.NewConn(ws.RoleClient, ws.HandlerFuncs{
		OnMessage: func(payload []byte, text bool) {
			if text {
				fmt.Fprintln(out, string(payload))
				return
			}
			fmt.Fprintf(out, "<binary %d bytes>\n", len(payload))
		},
		OnError: func(err error) {
			mu.Lock()
			connErr = err
			mu.Unlock()
		},
		OnClosed: func(code ws.StatusCode, reason string) {
			logger.Info("connection closed", slog.Int("code", int(code)), slog.String("reason", reason))
		},
	}, cfg.Options(logger))

	if err := conn.Connect(ctx, uri); err != nil {
		return err
	}
	logger.Info("connected", slog.String("uri", uri), slog.String("subprotocol", conn.Subprotocol()))

	lines := make(chan string)
	go scanLines(cmd.InOrStdin(), lines)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			select {
			case line, ok := <-lines:
				if !ok {
					return conn.Close(ws.StatusNormalClosure, "")
				}
				if err := conn.SendText([]byte(line)); err != nil {
					if errors.Is(err, ws.ErrInvalidState) {
						return nil
					}
					return err
				}
			case <-conn.Done():
				return nil
			case <-gctx.Done():
				return nil
			}
		}
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
			logger.Debug("interrupted")
			return conn.Close(ws.StatusNormalClosure, "")
		case <-conn.Done():
			return nil
		}
	})
	err = g.Wait()
	conn.Wait()
	if err != nil {
		return err
	}

	mu.Lock()
	defer mu.Unlock()
	return connErr
}

// scanLines sends r lines to the lines chan, closes it on end of input.
func scanLines(r io.Reader, lines chan<- string) {
	defer close(lines)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16<<20)
	for scanner.Scan() {
		lines <- scanner.Text()
	}
}

// parseHeaders parses "Name: value" header flags.
func parseHeaders(values []string) (map[string]string, error) {
	headers := make(map[string]string, len(values))
	for _, v := range values {
		name, value, ok := strings.Cut(v, ":")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid header %q, expected \"Name: value\"", v)
		}
		headers[name] = strings.TrimSpace(value)
	}
	return headers, nil
}
