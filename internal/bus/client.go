// Package bus holds the NATS connection whisperd publishes transcripts and
// serves requests on.
package bus

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Derrick-xn/whisper-base-q8-rn/internal/config"
	"github.com/nats-io/nats.go"
)

const (
	clientName            = "whisperd"
	defaultConnectTimeout = 2 * time.Second
)

var ErrNoServers = errors.New("bus: no servers configured")

type Client struct {
	conn *nats.Conn
	js   nats.JetStreamContext
	log  *slog.Logger
}

func Connect(ctx context.Context, cfg config.BusConfig, log *slog.Logger) (*Client, error) {
	if len(cfg.Servers) == 0 {
		return nil, ErrNoServers
	}
	servers := strings.Join(cfg.Servers, ",")

	conn, err := nats.Connect(servers, connectOptions(ctx, cfg, log)...)
	if err != nil {
		return nil, fmt.Errorf("bus: dial %s: %w", servers, err)
	}
	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("bus: jetstream: %w", err)
	}

	log.Info("bus connected", slog.String("servers", servers), slog.String("url", conn.ConnectedUrl()))
	return &Client{conn: conn, js: js, log: log}, nil
}

// dialTimeout is the configured timeout, cut short by any ctx deadline.
func dialTimeout(ctx context.Context, cfg config.BusConfig) time.Duration {
	timeout := time.Duration(cfg.ConnectTimeout) * time.Millisecond
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left > 0 && left < timeout {
			timeout = left
		}
	}
	return timeout
}

func connectOptions(ctx context.Context, cfg config.BusConfig, log *slog.Logger) []nats.Option {
	opts := []nats.Option{
		nats.Name(clientName),
		nats.Timeout(dialTimeout(ctx, cfg)),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("bus disconnected", slog.String("error", err.Error()))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("bus reconnected", slog.String("url", nc.ConnectedUrl()))
		}),
	}
	switch {
	case cfg.Token != "":
		opts = append(opts, nats.Token(cfg.Token))
	case cfg.Username != "" || cfg.Password != "":
		opts = append(opts, nats.UserInfo(cfg.Username, cfg.Password))
	}
	if cfg.TLSInsecure {
		opts = append(opts, nats.Secure(&tls.Config{InsecureSkipVerify: true}))
	}
	return opts
}

// EnsureStream creates a file-backed JetStream stream over subjects unless
// one named name already exists. An existing stream is left untouched.
func (c *Client) EnsureStream(name string, subjects []string, maxAge time.Duration) error {
	_, err := c.js.StreamInfo(name)
	switch {
	case err == nil:
		return nil
	case !errors.Is(err, nats.ErrStreamNotFound):
		return fmt.Errorf("bus: stream %s: %w", name, err)
	}
	if _, err := c.js.AddStream(&nats.StreamConfig{
		Name:     name,
		Subjects: subjects,
		Storage:  nats.FileStorage,
		MaxAge:   maxAge,
	}); err != nil {
		return fmt.Errorf("bus: add stream %s: %w", name, err)
	}
	c.log.Info("transcript stream created", slog.String("stream", name), slog.Any("subjects", subjects))
	return nil
}

// Close drains pending messages before closing. Safe on nil.
func (c *Client) Close() {
	if c == nil {
		return
	}
	if err := c.conn.Drain(); err != nil {
		c.log.Debug("bus drain failed", slog.String("error", err.Error()))
	}
	c.conn.Close()
	c.log.Info("bus closed")
}

func (c *Client) Healthy() bool {
	return c != nil && c.conn != nil && c.conn.IsConnected()
}

func (c *Client) Conn() *nats.Conn { return c.conn }

func (c *Client) Logger() *slog.Logger { return c.log }
