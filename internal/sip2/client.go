package sip2

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"
)

// ErrLoginRejected means the ILS refused this deployment's SIP2 account after
// the one automatic retry the session policy allows.
var ErrLoginRejected = errors.New("sip2: login rejected")

// Dialer opens the transport connection. Injectable for tests.
type Dialer func(ctx context.Context) (net.Conn, error)

// Client speaks SIP2 over a persistent socket. All requests are serialized;
// the protocol has no framing for interleaved responses.
type Client struct {
	addr             string
	loginUserID      string
	loginPassword    string
	locationCode     string
	institutionID    string
	terminalPassword string
	separator        byte
	encoding         string
	errorDetection   bool
	timeout          time.Duration
	dial             Dialer
	logger           *slog.Logger

	mu       sync.Mutex
	conn     net.Conn
	reader   *bufio.Reader
	loggedIn bool
	seq      int
	now      func() time.Time
}

type Option func(*Client)

func WithLocation(code string) Option {
	return func(c *Client) { c.locationCode = code }
}

func WithInstitution(id string) Option {
	return func(c *Client) { c.institutionID = id }
}

func WithTerminalPassword(pw string) Option {
	return func(c *Client) { c.terminalPassword = pw }
}

// WithSeparator overrides the field delimiter for deployments that configured
// their ILS away from the standard pipe.
func WithSeparator(sep byte) Option {
	return func(c *Client) { c.separator = sep }
}

// WithEncoding names the wire character encoding. Only "ascii" and "utf-8"
// are handled; ascii strips high bytes on send.
func WithEncoding(enc string) Option {
	return func(c *Client) { c.encoding = enc }
}

// WithErrorDetection enables sequence numbers and checksums on requests.
func WithErrorDetection() Option {
	return func(c *Client) { c.errorDetection = true }
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

func WithDialer(d Dialer) Option {
	return func(c *Client) { c.dial = d }
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

func NewClient(addr, loginUserID, loginPassword string, opts ...Option) (*Client, error) {
	if addr == "" {
		return nil, errors.New("sip2: server address is required")
	}
	c := &Client{
		addr:          addr,
		loginUserID:   loginUserID,
		loginPassword: loginPassword,
		separator:     '|',
		encoding:      "utf-8",
		timeout:       10 * time.Second,
		logger:        slog.Default(),
		now:           time.Now,
	}
	c.dial = func(ctx context.Context) (net.Conn, error) {
		d := net.Dialer{Timeout: c.timeout}
		return d.DialContext(ctx, "tcp", c.addr)
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// PatronInformation sends a 63 message and returns the parsed 64 response
// fields. When no valid session exists, login runs automatically exactly
// once; a session rejected mid-request triggers one reconnect-and-relogin
// before the request is resent once. Two consecutive login failures surface
// ErrLoginRejected rather than looping.
func (c *Client) PatronInformation(ctx context.Context, identifier, secret string) (Fields, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	msg := &message{
		code: codePatronInformation,
		fixed: []string{
			"000", // language: unknown
			sipTimestamp(c.now()),
			"          ", // summary: no detail blocks requested
		},
		coded: [][2]string{
			{FieldInstitutionID, c.institutionID},
			{FieldPatronIdentifier, identifier},
			{"AC", c.terminalPassword},
			{"AD", secret},
		},
		separator: c.separator,
	}

	line, err := c.request(ctx, msg)
	if err != nil {
		// The session may have been dropped server-side. Reconnect, re-login
		// once, resend once.
		c.reset()
		if line, err = c.request(ctx, msg); err != nil {
			return nil, err
		}
	}

	// 64 responses carry a 14-char patron status block, 3-char language, and
	// an 18-char timestamp before the coded fields.
	code, _, fields, err := parseResponse(line, 35, c.separator)
	if err != nil {
		return nil, err
	}
	if code != codePatronResponse {
		return nil, fmt.Errorf("sip2: unexpected response code %q", code)
	}
	return fields, nil
}

// request ensures a live, logged-in session and performs one round trip.
func (c *Client) request(ctx context.Context, msg *message) (string, error) {
	if err := c.ensureSession(ctx); err != nil {
		return "", err
	}
	return c.roundTrip(ctx, msg)
}

func (c *Client) ensureSession(ctx context.Context) error {
	if c.conn == nil {
		conn, err := c.dial(ctx)
		if err != nil {
			return fmt.Errorf("sip2: connect: %w", err)
		}
		c.conn = conn
		c.reader = bufio.NewReader(conn)
		c.loggedIn = false
	}
	if c.loggedIn || c.loginUserID == "" {
		return nil
	}

	login := &message{
		code:  codeLogin,
		fixed: []string{"00"}, // UID and PWD algorithms: plain text
		coded: [][2]string{
			{"CN", c.loginUserID},
			{"CO", c.loginPassword},
			{"CP", c.locationCode},
		},
		separator: c.separator,
	}
	line, err := c.roundTrip(ctx, login)
	if err != nil {
		return err
	}
	code, fixed, _, err := parseResponse(line, 1, c.separator)
	if err != nil {
		return err
	}
	if code != codeLoginResponse || len(fixed) < 1 || fixed[0] != '1' {
		c.reset()
		return ErrLoginRejected
	}
	c.loggedIn = true
	return nil
}

func (c *Client) roundTrip(ctx context.Context, msg *message) (string, error) {
	c.seq++
	raw := msg.encode(c.errorDetection, c.seq)
	if c.encoding == "ascii" {
		raw = toASCII(raw)
	}

	deadline := c.now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		return "", fmt.Errorf("sip2: set deadline: %w", err)
	}

	if _, err := c.conn.Write([]byte(raw)); err != nil {
		return "", fmt.Errorf("sip2: write: %w", err)
	}
	line, err := c.reader.ReadString('\r')
	if err != nil {
		return "", fmt.Errorf("sip2: read: %w", err)
	}
	c.logger.Debug("sip2 round trip", "request_code", msg.code, "response_len", len(line))
	return line, nil
}

// reset drops the connection so the next request reconnects and re-logs-in.
func (c *Client) reset() {
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.conn = nil
	c.reader = nil
	c.loggedIn = false
}

// Close shuts the session down.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.loggedIn = false
	return err
}

func toASCII(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] < 0x80 {
			out = append(out, s[i])
		}
	}
	return string(out)
}
