package handler

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"voicenav-proxy/internal/metrics"
)

func echoWebSocket(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()
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
}

// wsProxyURL addresses the upstream's path through the proxy using a ws:// target.
func wsProxyURL(proxyURL, upstreamURL, path string) string {
	return "ws://" + strings.TrimPrefix(proxyURL, "http://") +
		"/proxy/ws://" + strings.TrimPrefix(upstreamURL, "http://") + path
}

func TestProxyHandler_WebSocketTunnel(t *testing.T) {
	upstream := echoWebSocket(t)
	defer upstream.Close()

	m := metrics.New()
	proxy := httptest.NewServer(newTestEcho(t, testConfig(), m))
	defer proxy.Close()

	conn, resp, err := websocket.DefaultDialer.Dial(wsProxyURL(proxy.URL, upstream.URL, "/echo"), nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer func() { _ = conn.Close() }()

	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusSwitchingProtocols)
	}

	messages := []struct {
		name string
		typ  int
		data []byte
	}{
		{"text", websocket.TextMessage, []byte("next page")},
		{"binary", websocket.BinaryMessage, []byte{0x00, 0x01, 0x7f, 0x80, 0xfe, 0xff}},
		{"large", websocket.BinaryMessage, bytes.Repeat([]byte("scroll down "), 10000)},
	}

	for _, msg := range messages {
		if err := conn.WriteMessage(msg.typ, msg.data); err != nil {
			t.Fatalf("%s: WriteMessage: %v", msg.name, err)
		}
		typ, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("%s: ReadMessage: %v", msg.name, err)
		}
		if typ != msg.typ {
			t.Errorf("%s: message type = %d, want %d", msg.name, typ, msg.typ)
		}
		if !bytes.Equal(data, msg.data) {
			t.Errorf("%s: payload altered in transit (%d bytes, want %d)", msg.name, len(data), len(msg.data))
		}
	}

	if v := testutil.ToFloat64(m.TunnelsActive); v != 1 {
		t.Errorf("tunnels_active = %v, want 1 while connected", v)
	}

	_ = conn.Close()

	deadline := time.Now().Add(3 * time.Second)
	for testutil.ToFloat64(m.TunnelsActive) != 0 {
		if time.Now().After(deadline) {
			t.Fatal("tunnel still active after client closed")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestProxyHandler_WebSocketUpstreamCloses(t *testing.T) {
	upgrader := websocket.Upgrader{}
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_ = conn.WriteMessage(websocket.TextMessage, []byte("bye"))
		_ = conn.Close()
	}))
	defer upstream.Close()

	proxy := httptest.NewServer(newTestEcho(t, testConfig(), nil))
	defer proxy.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsProxyURL(proxy.URL, upstream.URL, "/"), nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer func() { _ = conn.Close() }()

	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if string(data) != "bye" {
		t.Errorf("message = %q, want %q", string(data), "bye")
	}

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("expected the tunnel to close after the upstream closed")
	}
}

func TestProxyHandler_WebSocketRefused(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Frame-Options", "DENY")
		http.Error(w, "sockets disabled", http.StatusForbidden)
	}))
	defer upstream.Close()

	proxy := httptest.NewServer(newTestEcho(t, testConfig(), nil))
	defer proxy.Close()

	_, resp, err := websocket.DefaultDialer.Dial(wsProxyURL(proxy.URL, upstream.URL, "/"), nil)
	if err == nil {
		t.Fatal("Dial() expected handshake error, got nil")
	}
	if resp == nil {
		t.Fatalf("Dial() returned no response: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusForbidden)
	}
	if v := resp.Header.Get("Access-Control-Allow-Origin"); v != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q, want %q", v, "*")
	}
	if v := resp.Header.Get("X-Frame-Options"); v != "" {
		t.Errorf("X-Frame-Options = %q, want stripped", v)
	}
}

func TestProxyHandler_WebSocketUnreachable(t *testing.T) {
	proxy := httptest.NewServer(newTestEcho(t, testConfig(), nil))
	defer proxy.Close()

	_, resp, err := websocket.DefaultDialer.Dial(wsProxyURL(proxy.URL, "http://127.0.0.1:1", "/"), nil)
	if err == nil {
		t.Fatal("Dial() expected handshake error, got nil")
	}
	if resp == nil {
		t.Fatalf("Dial() returned no response: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusInternalServerError)
	}
}
