// Package smtpx wraps the SMTP client with the session and error-handling
// behavior the delivery engine relies on: one lazily-established,
// authenticated connection reused across sends, torn down on disconnect-class
// errors, and a classifier that sorts relay failures by retry policy.
package smtpx

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"mailflow/pkg/logx"
)

// Encryption selects how the relay connection is secured.
const (
	EncryptionSTARTTLS = "starttls"
	EncryptionSSL      = "ssl"
	EncryptionNone     = "none"
)

type Config struct {
	Host     string
	Port     int
	Username string
	Password string

	// Encryption is one of "starttls" (default), "ssl", "none".
	Encryption string

	// HELOName defaults to "localhost".
	HELOName string

	// Timeout bounds dialing and individual SMTP commands. Defaults to 30s.
	Timeout time.Duration
}

func (c Config) addr() string { return net.JoinHostPort(c.Host, strconv.Itoa(c.Port)) }

func (c Config) timeout() time.Duration {
	if c.Timeout <= 0 {
		return 30 * time.Second
	}
	return c.Timeout
}

func (c Config) heloName() string {
	if strings.TrimSpace(c.HELOName) == "" {
		return "localhost"
	}
	return c.HELOName
}

// Session owns one live connection to the relay. The first Send dials and
// authenticates; later sends reuse the connection until a disconnect-class
// error (or Discard) drops it. A Session serializes its sends internally and
// is owned by exactly one delivery engine at a time.
type Session struct {
	cfg Config
	log logx.Logger

	mu sync.Mutex
	cl *smtp.Client
}

func NewSession(cfg Config, log logx.Logger) *Session {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Session{cfg: cfg, log: log}
}

// Send submits one message envelope to the relay. Errors come back wrapped
// but classifiable via Classify / IsDisconnect.
func (s *Session) Send(ctx context.Context, from string, rcpts []string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cl, err := s.clientLocked(ctx)
	if err != nil {
		return err
	}

	if err := s.submitLocked(cl, from, rcpts, data); err != nil {
		if IsDisconnect(err) {
			s.dropLocked()
			return err
		}
		// The transaction may be half-open (e.g. RCPT rejected); abort it
		// so a retry's MAIL FROM doesn't answer 503 on the kept connection.
		if rerr := cl.Reset(); rerr != nil {
			s.dropLocked()
		}
		return err
	}
	return nil
}

func (s *Session) submitLocked(cl *smtp.Client, from string, rcpts []string, data []byte) error {
	if err := cl.Mail(from, nil); err != nil {
		return fmt.Errorf("mail from: %w", err)
	}
	for _, rcpt := range rcpts {
		if err := cl.Rcpt(rcpt, nil); err != nil {
			return fmt.Errorf("rcpt to %s: %w", rcpt, err)
		}
	}
	w, err := cl.Data()
	if err != nil {
		return fmt.Errorf("data start: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("data write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("data close: %w", err)
	}
	return nil
}

// TestConnection dials, authenticates, and disconnects without sending
// anything. It never reuses or keeps a connection.
func (s *Session) TestConnection(ctx context.Context) error {
	cl, err := s.connect(ctx)
	if err != nil {
		return err
	}
	if err := cl.Quit(); err != nil {
		_ = cl.Close()
	}
	return nil
}

// Discard drops the cached connection so the next send rebuilds it.
func (s *Session) Discard() {
	s.mu.Lock()
	s.dropLocked()
	s.mu.Unlock()
}

// Close politely ends the session.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cl == nil {
		return nil
	}
	err := s.cl.Quit()
	if err != nil {
		_ = s.cl.Close()
	}
	s.cl = nil
	return err
}

func (s *Session) dropLocked() {
	if s.cl != nil {
		_ = s.cl.Close()
		s.cl = nil
	}
}

func (s *Session) clientLocked(ctx context.Context) (*smtp.Client, error) {
	if s.cl != nil {
		return s.cl, nil
	}
	cl, err := s.connect(ctx)
	if err != nil {
		return nil, err
	}
	s.cl = cl
	return cl, nil
}

// connect dials the relay, negotiates TLS per config, and authenticates.
func (s *Session) connect(ctx context.Context) (*smtp.Client, error) {
	cfg := s.cfg
	dialer := net.Dialer{Timeout: cfg.timeout()}
	tlsConfig := &tls.Config{ServerName: cfg.Host, MinVersion: tls.VersionTLS12}

	var (
		conn net.Conn
		err  error
	)
	if cfg.Encryption == EncryptionSSL {
		td := tls.Dialer{NetDialer: &dialer, Config: tlsConfig}
		conn, err = td.DialContext(ctx, "tcp", cfg.addr())
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", cfg.addr())
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.addr(), err)
	}

	cl := smtp.NewClient(conn)
	cl.CommandTimeout = cfg.timeout()
	cl.SubmissionTimeout = 2 * cfg.timeout()

	if err := cl.Hello(cfg.heloName()); err != nil {
		_ = cl.Close()
		return nil, fmt.Errorf("helo: %w", err)
	}

	if cfg.Encryption != EncryptionSSL && cfg.Encryption != EncryptionNone {
		if err := cl.StartTLS(tlsConfig); err != nil {
			_ = cl.Close()
			return nil, fmt.Errorf("starttls: %w", err)
		}
	}

	if cfg.Username != "" {
		if err := s.auth(cl); err != nil {
			_ = cl.Close()
			return nil, err
		}
	}

	s.log.Debug("smtp session established",
		logx.String("host", cfg.Host),
		logx.Int("port", cfg.Port),
		logx.String("encryption", cfg.Encryption),
	)
	return cl, nil
}

func (s *Session) auth(cl *smtp.Client) error {
	client := sasl.NewPlainClient("", s.cfg.Username, s.cfg.Password)
	// Some relays only advertise LOGIN.
	if ok, mechs := cl.Extension("AUTH"); ok &&
		!strings.Contains(mechs, sasl.Plain) && strings.Contains(mechs, sasl.Login) {
		client = sasl.NewLoginClient(s.cfg.Username, s.cfg.Password)
	}

	err := cl.Auth(client)
	if err == nil {
		return nil
	}
	// Definitive rejection means bad credentials, not a flaky relay.
	if Classify(err) == CategoryPermanent {
		provider := DetectProvider(s.cfg.Host)
		return &AuthError{Provider: provider, Hint: AuthHint(provider), cause: err}
	}
	return fmt.Errorf("auth: %w", err)
}
