package wsclient

import (
	"bufio"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lixuanqun/unimrcp-websocket/pkg/wsframe"
)

// startRawServer accepts a single connection and hands it to fn.
func startRawServer(t *testing.T, fn func(conn net.Conn)) (string, int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		fn(conn)
	}()
	addr := ln.Addr().(*net.TCPAddr)
	return addr.IP.String(), addr.Port
}

func acceptHandshake(t *testing.T, conn net.Conn) *bufio.Reader {
	t.Helper()
	r := bufio.NewReader(conn)
	var request strings.Builder
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Errorf("read handshake: %v", err)
			return r
		}
		request.WriteString(line)
		if line == "\r\n" {
			break
		}
	}
	req := request.String()
	for _, want := range []string{
		"GET /tts HTTP/1.1\r\n",
		"Upgrade: websocket\r\n",
		"Connection: Upgrade\r\n",
		"Sec-WebSocket-Version: 13\r\n",
		"Sec-WebSocket-Key: ",
	} {
		if !strings.Contains(req, want) {
			t.Errorf("handshake request missing %q:\n%s", want, req)
		}
	}
	_, _ = conn.Write([]byte("HTTP/1.1 101 Switching Protocols\r\nUpgrade: websocket\r\nConnection: Upgrade\r\n\r\n"))
	return r
}

func testConfig(host string, port int) Config {
	return Config{
		Host:            host,
		Port:            port,
		Path:            "/tts",
		ConnectTimeout:  2 * time.Second,
		RecvPollTimeout: 50 * time.Millisecond,
		RetryDelay:      10 * time.Millisecond,
	}
}

func TestConnectHandshake(t *testing.T) {
	done := make(chan struct{})
	host, port := startRawServer(t, func(conn net.Conn) {
		acceptHandshake(t, conn)
		close(done)
		time.Sleep(100 * time.Millisecond)
	})

	c := New(testConfig(host, port))
	if err := c.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if !c.IsConnected() {
		t.Fatal("client not connected after handshake")
	}
	<-done
	c.Disconnect(true)
	if c.State() != StateDisconnected {
		t.Fatalf("state %s after disconnect", c.State())
	}
}

func TestConnectRejectsNon101(t *testing.T) {
	host, port := startRawServer(t, func(conn net.Conn) {
		r := bufio.NewReader(conn)
		for {
			line, err := r.ReadString('\n')
			if err != nil || line == "\r\n" {
				break
			}
		}
		_, _ = conn.Write([]byte("HTTP/1.1 404 Not Found\r\nContent-Length: 0\r\n\r\n"))
	})

	c := New(testConfig(host, port))
	err := c.Connect()
	if !errors.Is(err, ErrHandshakeFailed) {
		t.Fatalf("got %v, want ErrHandshakeFailed", err)
	}
	if c.State() != StateError {
		t.Fatalf("state %s, want error", c.State())
	}
}

func TestConnectWithRetryExhausted(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().(*net.TCPAddr)
	_ = ln.Close()

	cfg := testConfig(addr.IP.String(), addr.Port)
	cfg.MaxRetries = 1
	cfg.ConnectTimeout = 200 * time.Millisecond
	c := New(cfg)
	if err := c.ConnectWithRetry(); !errors.Is(err, ErrRetriesExhausted) {
		t.Fatalf("got %v, want ErrRetriesExhausted", err)
	}
}

func TestReceiveFrameTimeoutIsNotError(t *testing.T) {
	host, port := startRawServer(t, func(conn net.Conn) {
		acceptHandshake(t, conn)
		time.Sleep(300 * time.Millisecond)
	})

	c := New(testConfig(host, port))
	if err := c.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	frame, err := c.ReceiveFrame()
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if frame != nil {
		t.Fatalf("expected no frame, got %v", frame.Opcode)
	}
	if !c.IsConnected() {
		t.Fatal("poll timeout must not change state")
	}
}

func TestPingAnsweredWithPong(t *testing.T) {
	pong := make(chan *wsframe.Frame, 1)
	host, port := startRawServer(t, func(conn net.Conn) {
		r := acceptHandshake(t, conn)
		// Unmasked server-side PING carrying a payload.
		_, _ = conn.Write([]byte{0x80 | byte(wsframe.OpcodePing), 3, 'a', 'b', 'c'})
		frame, err := wsframe.Decode(r, 1<<20)
		if err != nil {
			t.Errorf("server decode: %v", err)
			return
		}
		pong <- frame
	})

	c := New(testConfig(host, port))
	if err := c.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}

	var got *wsframe.Frame
	for i := 0; i < 20 && got == nil; i++ {
		frame, err := c.ReceiveFrame()
		if err != nil {
			t.Fatalf("receive: %v", err)
		}
		got = frame
	}
	if got == nil || got.Opcode != wsframe.OpcodePing {
		t.Fatalf("expected ping frame, got %v", got)
	}

	select {
	case frame := <-pong:
		if frame.Opcode != wsframe.OpcodePong {
			t.Fatalf("server received %s, want pong", frame.Opcode)
		}
		if !frame.Masked {
			t.Fatal("client pong must be masked")
		}
		if string(frame.Payload) != "abc" {
			t.Fatalf("pong payload %q", frame.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no pong received by server")
	}
}

func TestServerCloseMovesToClosing(t *testing.T) {
	host, port := startRawServer(t, func(conn net.Conn) {
		acceptHandshake(t, conn)
		_, _ = conn.Write([]byte{0x80 | byte(wsframe.OpcodeClose), 0})
		time.Sleep(200 * time.Millisecond)
	})

	c := New(testConfig(host, port))
	if err := c.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	var got *wsframe.Frame
	for i := 0; i < 20 && got == nil; i++ {
		frame, err := c.ReceiveFrame()
		if err != nil {
			t.Fatalf("receive: %v", err)
		}
		got = frame
	}
	if got == nil || got.Opcode != wsframe.OpcodeClose {
		t.Fatalf("expected close frame, got %v", got)
	}
	if c.State() != StateClosing {
		t.Fatalf("state %s, want closing", c.State())
	}
}

func TestSendWhileDisconnected(t *testing.T) {
	c := New(Config{Host: "localhost", Port: 1})
	if err := c.SendText([]byte("x")); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("got %v, want ErrNotConnected", err)
	}
	if _, err := c.ReceiveFrame(); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("got %v, want ErrNotConnected", err)
	}
}

func TestPayloadTooLarge(t *testing.T) {
	host, port := startRawServer(t, func(conn net.Conn) {
		acceptHandshake(t, conn)
		time.Sleep(200 * time.Millisecond)
	})
	cfg := testConfig(host, port)
	cfg.MaxFrameSize = 16
	c := New(cfg)
	if err := c.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := c.SendBinary(make([]byte, 17)); !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("got %v, want ErrPayloadTooLarge", err)
	}
}

// TestEchoAgainstGorillaServer exercises the full client against a real
// WebSocket server implementation.
func TestEchoAgainstGorillaServer(t *testing.T) {
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		for {
			mt, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, msg); err != nil {
				return
			}
		}
	}))
	defer ts.Close()

	addr := ts.Listener.Addr().(*net.TCPAddr)
	cfg := testConfig(addr.IP.String(), addr.Port)
	cfg.Path = "/"
	cfg.MaxFrameSize = 1 << 20
	c := New(cfg)
	if err := c.ConnectWithRetry(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Disconnect(true)

	// A small text frame and a binary payload past the 16-bit length tier.
	big := make([]byte, 70000)
	for i := range big {
		big[i] = byte(i)
	}
	payloads := []struct {
		opcode wsframe.Opcode
		data   []byte
	}{
		{wsframe.OpcodeText, []byte(`{"action":"tts","text":"hi"}`)},
		{wsframe.OpcodeBinary, big},
	}

	for _, p := range payloads {
		var err error
		if p.opcode == wsframe.OpcodeText {
			err = c.SendText(p.data)
		} else {
			err = c.SendBinary(p.data)
		}
		if err != nil {
			t.Fatalf("send %s: %v", p.opcode, err)
		}

		var echo *wsframe.Frame
		deadline := time.Now().Add(5 * time.Second)
		for echo == nil {
			if time.Now().After(deadline) {
				t.Fatalf("no echo for %s frame", p.opcode)
			}
			frame, err := c.ReceiveFrame()
			if err != nil {
				t.Fatalf("receive: %v", err)
			}
			echo = frame
		}
		if echo.Opcode != p.opcode {
			t.Fatalf("echo opcode %s, want %s", echo.Opcode, p.opcode)
		}
		if string(echo.Payload) != string(p.data) {
			t.Fatalf("echo payload mismatch for %s frame", p.opcode)
		}
	}
}

func TestPollDetectsInboundData(t *testing.T) {
	host, port := startRawServer(t, func(conn net.Conn) {
		acceptHandshake(t, conn)
		time.Sleep(50 * time.Millisecond)
		_, _ = conn.Write([]byte{0x80 | byte(wsframe.OpcodeText), 2, 'o', 'k'})
		time.Sleep(200 * time.Millisecond)
	})

	c := New(testConfig(host, port))
	if err := c.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if c.Poll(5 * time.Millisecond) {
		t.Fatal("poll reported data before any was sent")
	}

	readable := false
	for i := 0; i < 40 && !readable; i++ {
		readable = c.Poll(25 * time.Millisecond)
	}
	if !readable {
		t.Fatal("poll never saw the inbound frame")
	}

	// The byte consumed by Poll is not lost: the frame still decodes.
	var got *wsframe.Frame
	for i := 0; i < 20 && got == nil; i++ {
		frame, err := c.ReceiveFrame()
		if err != nil {
			t.Fatalf("receive: %v", err)
		}
		got = frame
	}
	if got == nil || string(got.Payload) != "ok" {
		t.Fatalf("frame after poll: %v", got)
	}
}

func TestEscapeString(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"hi", "hi"},
		{`say "hello"`, `say \"hello\"`},
		{"\"\\\n", `\"\\\n`},
		{"tab\there", `tab\there`},
		{"bell\x07", `bell\u0007`},
		{"mixed\r\n\x01", `mixed\r\n\u0001`},
		{"héllo", "héllo"},
	}
	for _, tc := range cases {
		if got := EscapeString(tc.in); got != tc.want {
			t.Fatalf("EscapeString(%q) = %q, want %q", tc.in, got, tc.want)
		}
		// Round trip through a standard JSON parser restores the input.
		var back string
		if err := json.Unmarshal([]byte(`"`+EscapeString(tc.in)+`"`), &back); err != nil {
			t.Fatalf("unmarshal %q: %v", tc.in, err)
		}
		if back != tc.in {
			t.Fatalf("round trip %q -> %q", tc.in, back)
		}
	}
}
