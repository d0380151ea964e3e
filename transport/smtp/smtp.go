package smtp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	gosmtp "github.com/emersion/go-smtp"
	"github.com/rs/zerolog/log"

	"github.com/ptgott/relaymail/transport"
)

// Mode is how the connection to the server is secured.
type Mode string

const (
	ModeUnencrypted Mode = "unencrypted"
	ModeStartTLS    Mode = "starttls"
	ModeTLS         Mode = "tls"
)

// ParseMode reads a mode name. The empty string means ModeStartTLS.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return ModeStartTLS, nil
	case ModeUnencrypted, ModeStartTLS, ModeTLS:
		return m, nil
	}
	return "", fmt.Errorf("unknown SMTP mode %q (expected unencrypted, starttls or tls)", s)
}

// DefaultPort is the submission port conventionally used with m.
func (m Mode) DefaultPort() int {
	switch m {
	case ModeUnencrypted:
		return 25
	case ModeTLS:
		return 465
	default:
		return 587
	}
}

const defaultTimeout = time.Minute

// Config describes one SMTP account.
type Config struct {
	// Name identifies the account in results and logs. Defaults to the
	// address.
	Name string
	// Host is a hostname, optionally with a port. The port defaults to
	// Mode.DefaultPort.
	Host     string
	Mode     Mode
	Username string
	Password string
	// LocalName is sent with EHLO. Defaults to "localhost".
	LocalName string
	// Timeout bounds a whole send, from dialing to QUIT.
	Timeout time.Duration
	// TLSConfig is the base configuration for TLS connections.
	// ServerName is filled in from Host.
	TLSConfig *tls.Config
}

// Transport implements transport.Transport over SMTP.
type Transport struct {
	cfg  Config
	host string
	addr string
}

// New checks cfg and returns a Transport for it.
func New(cfg Config) (*Transport, error) {
	if strings.TrimSpace(cfg.Host) == "" {
		return nil, errors.New("missing SMTP host")
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeStartTLS
	}
	if _, err := ParseMode(string(cfg.Mode)); err != nil {
		return nil, err
	}
	if cfg.Password != "" && cfg.Username == "" {
		return nil, errors.New("SMTP password given without a username")
	}

	host, port, err := net.SplitHostPort(cfg.Host)
	if err != nil {
		// No port given
		host = cfg.Host
		port = strconv.Itoa(cfg.Mode.DefaultPort())
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.LocalName == "" {
		cfg.LocalName = "localhost"
	}

	addr := net.JoinHostPort(host, port)
	if cfg.Name == "" {
		cfg.Name = addr
	}
	return &Transport{cfg: cfg, host: host, addr: addr}, nil
}

func (t *Transport) Name() string { return t.cfg.Name }

// Send delivers env in one SMTP transaction. Every recipient must be
// accepted; the first RCPT failure fails the whole send.
func (t *Transport) Send(ctx context.Context, env transport.Envelope) transport.Outcome {
	if err := ctx.Err(); err != nil {
		return transport.Classify(err)
	}

	sctx, cancel := context.WithTimeout(ctx, t.cfg.Timeout)
	defer cancel()

	start := time.Now()
	err := t.send(sctx, env)
	if err != nil && sctx.Err() != nil {
		// The connection was torn down because of the context, so the
		// I/O error only obscures what happened.
		err = fmt.Errorf("%w (%v)", sctx.Err(), err)
	}

	o := transport.Classify(err)
	log.Debug().
		Str("account", t.cfg.Name).
		Str("message", env.MessageID).
		Str("status", o.Status.String()).
		Dur("took", time.Since(start)).
		Err(err).
		Msg("SMTP send finished")
	return o
}

func (t *Transport) send(ctx context.Context, env transport.Envelope) error {
	conn, err := t.dial(ctx)
	if err != nil {
		return err
	}
	if d, ok := ctx.Deadline(); ok {
		conn.SetDeadline(d)
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	c, err := gosmtp.NewClient(conn, t.host)
	if err != nil {
		conn.Close()
		return err
	}
	defer c.Close()

	if err := c.Hello(t.cfg.LocalName); err != nil {
		return err
	}

	if t.cfg.Mode == ModeStartTLS {
		if ok, _ := c.Extension("STARTTLS"); !ok {
			return transport.ErrNoStartTLS
		}
		if err := c.StartTLS(t.tlsConfig()); err != nil {
			return err
		}
	}

	if t.cfg.Username != "" {
		if ok, _ := c.Extension("AUTH"); !ok {
			return transport.ErrNoAuth
		}
		if err := c.Auth(sasl.NewPlainClient("", t.cfg.Username, t.cfg.Password)); err != nil {
			return fmt.Errorf("AUTH failed: %w", err)
		}
	}

	if err := c.Mail(env.From, nil); err != nil {
		return fmt.Errorf("MAIL FROM:<%v> failed: %w", env.From, err)
	}
	for _, to := range env.To {
		if err := c.Rcpt(to); err != nil {
			return fmt.Errorf("RCPT TO:<%v> failed: %w", to, err)
		}
	}

	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("DATA failed: %w", err)
	}
	if _, err := w.Write(env.Data); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("message refused: %w", err)
	}

	// The message is accepted at this point. A failed QUIT doesn't change
	// that.
	if err := c.Quit(); err != nil {
		log.Debug().Err(err).Str("account", t.cfg.Name).Msg("QUIT failed")
	}
	return nil
}

func (t *Transport) dial(ctx context.Context) (net.Conn, error) {
	d := &net.Dialer{}
	if t.cfg.Mode == ModeTLS {
		td := &tls.Dialer{NetDialer: d, Config: t.tlsConfig()}
		return td.DialContext(ctx, "tcp", t.addr)
	}
	return d.DialContext(ctx, "tcp", t.addr)
}

func (t *Transport) tlsConfig() *tls.Config {
	var c *tls.Config
	if t.cfg.TLSConfig != nil {
		c = t.cfg.TLSConfig.Clone()
	} else {
		c = &tls.Config{}
	}
	if c.ServerName == "" {
		c.ServerName = t.host
	}
	return c
}
