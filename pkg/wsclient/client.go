// Package wsclient provides a WebSocket client for bridging speech sessions
// to external TTS/ASR engines. One client is owned by exactly one session;
// all operations are serialised by an internal mutex and only the engine's
// background task performs I/O in steady state.
package wsclient

import (
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lixuanqun/unimrcp-websocket/pkg/errorsx"
	"github.com/lixuanqun/unimrcp-websocket/pkg/logging"
	"github.com/lixuanqun/unimrcp-websocket/pkg/wsframe"
)

// State tracks the connection lifecycle.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateClosing
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	case StateError:
		return "error"
	}
	return "unknown"
}

var (
	ErrNotConnected     = errors.New("wsclient: not connected")
	ErrHandshakeFailed  = errors.New("wsclient: handshake failed")
	ErrPayloadTooLarge  = errors.New("wsclient: payload exceeds max frame size")
	ErrRetriesExhausted = errors.New("wsclient: all connection retries exhausted")
)

type Config struct {
	Host            string        `mapstructure:"ws_host"`
	Port            int           `mapstructure:"ws_port"`
	Path            string        `mapstructure:"ws_path"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
	RecvPollTimeout time.Duration `mapstructure:"recv_poll_timeout"`
	SendTimeout     time.Duration `mapstructure:"send_timeout"`
	MaxRetries      int           `mapstructure:"max_retries"`
	RetryDelay      time.Duration `mapstructure:"retry_delay"`
	MaxFrameSize    int           `mapstructure:"max_frame_size"`
}

func (c Config) withDefaults() Config {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.Path == "" {
		c.Path = "/"
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 30 * time.Second
	}
	if c.RecvPollTimeout <= 0 {
		c.RecvPollTimeout = 100 * time.Millisecond
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	} else if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = time.Second
	}
	if c.MaxFrameSize <= 0 {
		c.MaxFrameSize = 1 << 20
	}
	return c
}

func (c Config) addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Client owns one TCP stream and speaks the client side of RFC 6455 on it.
type Client struct {
	cfg Config
	log *slog.Logger

	mu           sync.Mutex
	conn         net.Conn
	state        State
	lastActivity time.Time
	retryCount   int

	// Partial frame-header stash. A read that times out after delivering
	// fewer than two header bytes is no-data-yet, not an error; the bytes
	// are kept here until the next receive.
	hdrBuf [2]byte
	hdrLen int
}

func New(cfg Config) *Client {
	cfg = cfg.withDefaults()
	return &Client{
		cfg:   cfg,
		state: StateDisconnected,
		log: logging.NewComponentLogger(slog.Default(), "ws_client").With(
			slog.String("addr", cfg.addr()),
			slog.String("path", cfg.Path)),
	}
}

func (c *Client) Config() Config { return c.cfg }

// State returns a snapshot of the connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) IsConnected() bool { return c.State() == StateConnected }

// Connect opens the TCP stream and runs the opening handshake. Acceptance
// is decided by the presence of "101" in the response status line; the
// Sec-WebSocket-Accept token is not validated.
func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateConnected {
		return nil
	}
	c.state = StateConnecting
	c.hdrLen = 0

	c.log.Info("connecting")

	conn, err := net.DialTimeout("tcp", c.cfg.addr(), c.cfg.ConnectTimeout)
	if err != nil {
		c.state = StateError
		c.log.Error("dial failed", slog.String("error", err.Error()))
		return errorsx.Wrap(err, errorsx.ReasonWSConnect)
	}

	if err := c.handshakeLocked(conn); err != nil {
		_ = conn.Close()
		c.state = StateError
		c.log.Error("handshake failed", slog.String("error", err.Error()))
		return err
	}

	c.conn = conn
	c.state = StateConnected
	c.lastActivity = time.Now()
	c.retryCount = 0
	c.log.Info("connected")
	return nil
}

func (c *Client) handshakeLocked(conn net.Conn) error {
	key := uuid.New()
	request := fmt.Sprintf(
		"GET %s HTTP/1.1\r\n"+
			"Host: %s:%d\r\n"+
			"Upgrade: websocket\r\n"+
			"Connection: Upgrade\r\n"+
			"Sec-WebSocket-Key: %s\r\n"+
			"Sec-WebSocket-Version: 13\r\n"+
			"\r\n",
		c.cfg.Path, c.cfg.Host, c.cfg.Port,
		base64.StdEncoding.EncodeToString(key[:]))

	deadline := time.Now().Add(c.cfg.ConnectTimeout)
	_ = conn.SetDeadline(deadline)
	defer conn.SetDeadline(time.Time{})

	if _, err := conn.Write([]byte(request)); err != nil {
		return errorsx.Wrap(err, errorsx.ReasonWSConnect)
	}

	response, err := readHandshakeResponse(conn)
	if err != nil {
		return errorsx.Wrap(err, errorsx.ReasonWSHandshake)
	}

	statusLine, _, _ := strings.Cut(response, "\r\n")
	if !strings.Contains(statusLine, "101") {
		return errorsx.Wrap(
			fmt.Errorf("%w: %s", ErrHandshakeFailed, statusLine),
			errorsx.ReasonWSHandshake)
	}
	return nil
}

// readHandshakeResponse consumes the HTTP response byte by byte up to the
// blank line so no frame bytes behind the headers are swallowed.
func readHandshakeResponse(conn net.Conn) (string, error) {
	var buf strings.Builder
	b := make([]byte, 1)
	for buf.Len() < 4096 {
		if _, err := conn.Read(b); err != nil {
			return "", err
		}
		buf.WriteByte(b[0])
		if strings.HasSuffix(buf.String(), "\r\n\r\n") {
			return buf.String(), nil
		}
	}
	return "", fmt.Errorf("%w: response headers too long", ErrHandshakeFailed)
}

// ConnectWithRetry attempts Connect up to MaxRetries+1 times with
// RetryDelay between attempts.
func (c *Client) ConnectWithRetry() error {
	var lastErr error
	for i := 0; i <= c.cfg.MaxRetries; i++ {
		lastErr = c.Connect()
		if lastErr == nil {
			return nil
		}
		c.mu.Lock()
		c.retryCount = i + 1
		c.mu.Unlock()
		if i < c.cfg.MaxRetries {
			c.log.Warn("connect retry",
				slog.Int("attempt", i+1),
				slog.Int("max_retries", c.cfg.MaxRetries))
			time.Sleep(c.cfg.RetryDelay)
		}
	}
	c.log.Error("all connection retries exhausted")
	return errorsx.Wrap(fmt.Errorf("%w: %v", ErrRetriesExhausted, lastErr), errorsx.ReasonWSRetry)
}

// EnsureConnected is a no-op when already connected, otherwise it runs one
// retry cycle.
func (c *Client) EnsureConnected() error {
	if c.IsConnected() {
		return nil
	}
	return c.ConnectWithRetry()
}

func (c *Client) SendText(data []byte) error {
	return c.sendFrame(wsframe.OpcodeText, data)
}

func (c *Client) SendBinary(data []byte) error {
	return c.sendFrame(wsframe.OpcodeBinary, data)
}

func (c *Client) SendPing() error {
	return c.sendFrame(wsframe.OpcodePing, nil)
}

func (c *Client) SendClose(code uint16, reason string) error {
	return c.sendFrame(wsframe.OpcodeClose, wsframe.ClosePayload(code, reason))
}

func (c *Client) sendFrame(opcode wsframe.Opcode, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sendFrameLocked(opcode, payload)
}

func (c *Client) sendFrameLocked(opcode wsframe.Opcode, payload []byte) error {
	if c.state != StateConnected || c.conn == nil {
		return ErrNotConnected
	}
	if len(payload) > c.cfg.MaxFrameSize {
		c.log.Error("payload exceeds frame size limit",
			slog.Int("size", len(payload)),
			slog.Int("limit", c.cfg.MaxFrameSize))
		return ErrPayloadTooLarge
	}

	buf := wsframe.Encode(opcode, payload, wsframe.NewMaskKey())
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.SendTimeout))
	if _, err := c.conn.Write(buf); err != nil {
		c.failLocked("send failed", err)
		return errorsx.Wrap(err, errorsx.ReasonWSSend)
	}
	c.lastActivity = time.Now()
	return nil
}

// ReceiveFrame blocks for at most RecvPollTimeout waiting for a frame.
// It returns (nil, nil) when no complete header arrived in time; the
// caller is expected to poll again. An inbound PING is answered with a
// PONG before the frame is returned; an inbound CLOSE moves the client to
// the Closing state.
func (c *Client) ReceiveFrame() (*wsframe.Frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if (c.state != StateConnected && c.state != StateClosing) || c.conn == nil {
		return nil, ErrNotConnected
	}

	_ = c.conn.SetReadDeadline(time.Now().Add(c.cfg.RecvPollTimeout))
	for c.hdrLen < 2 {
		n, err := c.conn.Read(c.hdrBuf[c.hdrLen:2])
		c.hdrLen += n
		if err != nil {
			if isTimeout(err) {
				// Timeout with a partial header is no-data-yet.
				return nil, nil
			}
			c.failLocked("receive failed", err)
			return nil, errorsx.Wrap(err, errorsx.ReasonWSReceive)
		}
	}

	// The header is in; allow the body a generously extended window.
	_ = c.conn.SetReadDeadline(time.Now().Add(10 * c.cfg.RecvPollTimeout))
	frame, err := wsframe.DecodeRest(c.conn, c.hdrBuf[0], c.hdrBuf[1], c.cfg.MaxFrameSize)
	c.hdrLen = 0
	if err != nil {
		c.failLocked("frame decode failed", err)
		return nil, err
	}

	c.lastActivity = time.Now()

	switch frame.Opcode {
	case wsframe.OpcodePing:
		_ = c.sendFrameLocked(wsframe.OpcodePong, frame.Payload)
	case wsframe.OpcodeClose:
		c.log.Info("close frame received")
		c.state = StateClosing
	}

	return frame, nil
}

// Poll reports whether at least one byte of inbound data arrived within
// the timeout. Consumed bytes land in the header stash and are not lost.
func (c *Client) Poll(timeout time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateConnected || c.conn == nil {
		return false
	}
	if c.hdrLen > 0 {
		return true
	}
	_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
	n, err := c.conn.Read(c.hdrBuf[:1])
	c.hdrLen += n
	if err != nil && !isTimeout(err) {
		c.failLocked("poll failed", err)
		return false
	}
	return c.hdrLen > 0
}

// Disconnect sends a best-effort CLOSE when requested, closes the socket
// and returns the client to Disconnected.
func (c *Client) Disconnect(sendClose bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		if sendClose && c.state == StateConnected {
			_ = c.sendFrameLocked(wsframe.OpcodeClose, nil)
		}
		_ = c.conn.Close()
		c.conn = nil
	}
	c.state = StateDisconnected
	c.hdrLen = 0
	c.log.Info("disconnected")
}

func (c *Client) failLocked(msg string, err error) {
	c.log.Error(msg, slog.String("error", err.Error()))
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.state = StateError
	c.hdrLen = 0
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
