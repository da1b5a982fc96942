package proxy

import (
	"bufio"
	"context"
	"io"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"
)

// Тестовый HTTP-прокси: принимает одно соединение, проверяет запрос CONNECT и
// отвечает 200, дописывая payload в тот же сегмент, что и ответ.
func startConnectProxy(t *testing.T, payload string, requests chan<- string) net.Addr {
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

		br := bufio.NewReader(conn)
		var req strings.Builder
		for {
			line, err := br.ReadString('\n')
			if err != nil {
				return
			}
			req.WriteString(line)
			if line == "\r\n" {
				break
			}
		}
		requests <- req.String()

		_, _ = io.WriteString(conn, "HTTP/1.1 200 Connection established\r\n\r\n"+payload)
	}()
	return ln.Addr()
}

func TestHTTPConnectDialerKeepsBufferedBytes(t *testing.T) {
	t.Parallel()

	requests := make(chan string, 1)
	addr := startConnectProxy(t, "early-bytes", requests)
	host, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		t.Fatal(err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatal(err)
	}

	dial := httpConnectDialer(Descriptor{
		Type: "http",
		Host: host,
		Port: port,
		User: "operator",
		Pass: "secret",
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := dial(ctx, "tcp", "telegram.example:443")
	if err != nil {
		t.Fatalf("dial through proxy: %v", err)
	}
	defer conn.Close()

	req := <-requests
	if !strings.HasPrefix(req, "CONNECT telegram.example:443 HTTP/1.1\r\n") {
		t.Fatalf("unexpected CONNECT request:\n%s", req)
	}
	if !strings.Contains(req, "Proxy-Authorization: Basic ") {
		t.Fatalf("missing Proxy-Authorization header:\n%s", req)
	}

	// Байты, пришедшие вместе с ответом CONNECT, читаются первыми.
	buf := make([]byte, 32)
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("read tunnel: %v", err)
	}
	if got := string(buf[:n]); got != "early-bytes" {
		t.Fatalf("tunnel read = %q, want %q", got, "early-bytes")
	}
}

func TestHTTPConnectDialerRejectsNon200(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		br := bufio.NewReader(conn)
		for {
			line, err := br.ReadString('\n')
			if err != nil || line == "\r\n" {
				break
			}
		}
		_, _ = io.WriteString(conn, "HTTP/1.1 407 Proxy Authentication Required\r\n\r\n")
	}()

	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatal(err)
	}

	dial := httpConnectDialer(Descriptor{Type: "http", Host: host, Port: port})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := dial(ctx, "tcp", "telegram.example:443"); err == nil {
		t.Fatal("expected error for non-200 CONNECT response")
	}
}
