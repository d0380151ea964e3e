package smtptest

import (
	"crypto/tls"
	"crypto/x509"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/docker/go-units"
	"github.com/emersion/go-smtp"
)

// Stage is the point of an SMTP transaction where a scripted failure
// happens.
type Stage int

const (
	StageMail Stage = iota
	StageRcpt
	StageData
)

// Failure is a reply the server gives instead of accepting a command.
type Failure struct {
	Stage   Stage
	Code    int
	Message string
}

func (f Failure) err() error {
	class := f.Code / 100
	return &smtp.SMTPError{
		Code:         f.Code,
		EnhancedCode: smtp.EnhancedCode{class, 0, 0},
		Message:      f.Message,
	}
}

// Message is a message the server accepted.
type Message struct {
	From     string
	To       []string
	Data     []byte
	Received time.Time
}

// Options configure a Server.
type Options struct {
	// TLS generates a certificate and offers STARTTLS, or implicit TLS if
	// ImplicitTLS is also set.
	TLS         bool
	ImplicitTLS bool
	// Username and Password are the only credentials the server accepts.
	// If they're empty, any non-empty credentials are accepted and clients
	// may also send without authenticating.
	Username string
	Password string
	// AllowInsecureAuth permits AUTH over a plaintext connection.
	AllowInsecureAuth bool
	// MaxMessageBytes defaults to 10MiB.
	MaxMessageBytes int64
}

// Server is an SMTP server listening on a random local port. Create it with
// NewServer; it shuts down when the test ends.
type Server struct {
	opts    Options
	srv     *smtp.Server
	ln      net.Listener
	rootCAs *x509.CertPool

	mu           sync.Mutex
	messages     []Message
	transactions int
	script       []Failure
	rejected     map[string]Failure
}

// NewServer starts a Server for the duration of t.
func NewServer(t testing.TB, opts Options) *Server {
	t.Helper()
	s := &Server{
		opts:     opts,
		rejected: make(map[string]Failure),
	}

	srv := smtp.NewServer(&backend{s})
	srv.Domain = "localhost"
	srv.AllowInsecureAuth = opts.AllowInsecureAuth
	// Strict enforces <address> syntax in MAIL and RCPT.
	srv.Strict = true
	srv.ReadTimeout = 10 * time.Second
	srv.WriteTimeout = 10 * time.Second
	srv.MaxMessageBytes = int(10 * units.MiB)
	if opts.MaxMessageBytes > 0 {
		srv.MaxMessageBytes = int(opts.MaxMessageBytes)
	}

	var ln net.Listener
	var err error
	if opts.TLS {
		key, cert, err := GenerateTLSFiles(t)
		if err != nil {
			t.Fatalf("can't generate TLS files: %v", err)
		}
		srv.TLSConfig, s.rootCAs, err = loadTLS(key, cert)
		if err != nil {
			t.Fatalf("can't load TLS files: %v", err)
		}
	}
	if opts.TLS && opts.ImplicitTLS {
		ln, err = tls.Listen("tcp", Host+":0", srv.TLSConfig)
	} else {
		ln, err = net.Listen("tcp", Host+":0")
	}
	if err != nil {
		t.Fatalf("can't listen: %v", err)
	}
	s.ln = ln
	s.srv = srv

	go srv.Serve(ln)
	t.Cleanup(s.Close)
	return s
}

// Addr returns the host:port of the server.
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

func (s *Server) Port() int {
	_, p, _ := net.SplitHostPort(s.Addr())
	n, _ := strconv.Atoi(p)
	return n
}

// RootCAs trusts the server's certificate. It's nil without TLS.
func (s *Server) RootCAs() *x509.CertPool {
	return s.rootCAs
}

// Close stops the server. It's safe to call more than once.
func (s *Server) Close() {
	s.srv.Close()
}

// FailNext queues failures. Each one is used up by the next transaction
// that reaches its stage.
func (s *Server) FailNext(f ...Failure) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.script = append(s.script, f...)
}

// RejectRecipient makes every RCPT for addr fail with code.
func (s *Server) RejectRecipient(addr string, code int, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejected[strings.ToLower(addr)] = Failure{Stage: StageRcpt, Code: code, Message: msg}
}

// Messages returns the accepted messages in the order they arrived.
func (s *Server) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.messages...)
}

// Transactions counts MAIL commands, accepted or not.
func (s *Server) Transactions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transactions
}

// scripted pops the next failure if it's for stage.
func (s *Server) scripted(stage Stage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.script) == 0 || s.script[0].Stage != stage {
		return nil
	}
	f := s.script[0]
	s.script = s.script[1:]
	return f.err()
}

type backend struct {
	s *Server
}

// Login implements smtp.Backend.
func (be *backend) Login(_ *smtp.ConnectionState, username, password string) (smtp.Session, error) {
	o := be.s.opts
	ok := username != "" && password != ""
	if o.Username != "" || o.Password != "" {
		ok = username == o.Username && password == o.Password
	}
	if !ok {
		return nil, &smtp.SMTPError{
			Code:         535,
			EnhancedCode: smtp.EnhancedCode{5, 7, 8},
			Message:      "Authentication credentials invalid",
		}
	}
	return &session{s: be.s}, nil
}

// AnonymousLogin implements smtp.Backend. It's only allowed when the server
// has no fixed credentials.
func (be *backend) AnonymousLogin(_ *smtp.ConnectionState) (smtp.Session, error) {
	if be.s.opts.Username != "" {
		return nil, &smtp.SMTPError{
			Code:         530,
			EnhancedCode: smtp.EnhancedCode{5, 7, 0},
			Message:      "Authentication required",
		}
	}
	return &session{s: be.s}, nil
}

// session implements smtp.Session for one connection.
type session struct {
	s    *Server
	from string
	to   []string
}

func (ss *session) Reset() {
	ss.from = ""
	ss.to = nil
}

func (ss *session) Logout() error { return nil }

func (ss *session) Mail(from string, _ smtp.MailOptions) error {
	ss.s.mu.Lock()
	ss.s.transactions++
	ss.s.mu.Unlock()

	if err := ss.s.scripted(StageMail); err != nil {
		return err
	}
	ss.from = from
	return nil
}

func (ss *session) Rcpt(to string) error {
	if err := ss.s.scripted(StageRcpt); err != nil {
		return err
	}
	ss.s.mu.Lock()
	f, ok := ss.s.rejected[strings.ToLower(to)]
	ss.s.mu.Unlock()
	if ok {
		return f.err()
	}
	ss.to = append(ss.to, to)
	return nil
}

func (ss *session) Data(r io.Reader) error {
	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if err := ss.s.scripted(StageData); err != nil {
		return err
	}

	ss.s.mu.Lock()
	defer ss.s.mu.Unlock()
	ss.s.messages = append(ss.s.messages, Message{
		From:     ss.from,
		To:       append([]string(nil), ss.to...),
		Data:     b,
		Received: time.Now(),
	})
	return nil
}
