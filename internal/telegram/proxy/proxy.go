// Пакет proxy строит сетевые дилеры для MTProto-подключений исполнителей.
// Каждый исполнитель ходит через общий прокси-сервер, но со своим портом:
// внешний прокси раздаёт по порту разные исходящие адреса, что разводит
// аккаунты по IP. Поддерживаются socks5 и http (CONNECT).
package proxy

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-faster/errors"
	"golang.org/x/net/proxy"
)

// Descriptor — параметры прокси одного исполнителя.
type Descriptor struct {
	Type string // "socks5" или "http"
	Host string
	Port int
	User string
	Pass string
}

// DialFunc совместим с dcs.DialFunc из gotd: контекст, сеть, адрес.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Dialer возвращает функцию соединения через прокси d. Пустой Host означает
// прямое подключение без прокси.
func Dialer(d Descriptor) (DialFunc, error) {
	if d.Host == "" {
		var direct net.Dialer
		return direct.DialContext, nil
	}

	switch d.Type {
	case "socks5", "":
		return socks5Dialer(d)
	case "http":
		return httpConnectDialer(d), nil
	default:
		return nil, errors.Errorf("unsupported proxy type %q", d.Type)
	}
}

func socks5Dialer(d Descriptor) (DialFunc, error) {
	var auth *proxy.Auth
	if d.User != "" {
		auth = &proxy.Auth{User: d.User, Password: d.Pass}
	}
	addr := net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
	dialer, err := proxy.SOCKS5("tcp", addr, auth, proxy.Direct)
	if err != nil {
		return nil, errors.Wrap(err, "create socks5 dialer")
	}

	cd, ok := dialer.(proxy.ContextDialer)
	if !ok {
		// x/net возвращает ContextDialer; ветка на случай смены реализации.
		return func(ctx context.Context, network, target string) (net.Conn, error) {
			return dialer.Dial(network, target)
		}, nil
	}
	return cd.DialContext, nil
}

// httpConnectDialer устанавливает TCP-соединение с прокси и туннелирует через
// HTTP CONNECT. Basic-авторизация передаётся в Proxy-Authorization.
func httpConnectDialer(d Descriptor) DialFunc {
	proxyAddr := net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
	return func(ctx context.Context, network, target string) (net.Conn, error) {
		var nd net.Dialer
		conn, err := nd.DialContext(ctx, "tcp", proxyAddr)
		if err != nil {
			return nil, errors.Wrapf(err, "dial proxy %s", proxyAddr)
		}

		if deadline, ok := ctx.Deadline(); ok {
			_ = conn.SetDeadline(deadline)
		} else {
			_ = conn.SetDeadline(time.Now().Add(30 * time.Second))
		}

		req := fmt.Sprintf("CONNECT %s HTTP/1.1\r\nHost: %s\r\n", target, target)
		if d.User != "" {
			cred := base64.StdEncoding.EncodeToString([]byte(d.User + ":" + d.Pass))
			req += "Proxy-Authorization: Basic " + cred + "\r\n"
		}
		req += "\r\n"

		if _, err := conn.Write([]byte(req)); err != nil {
			_ = conn.Close()
			return nil, errors.Wrap(err, "write CONNECT request")
		}

		br := bufio.NewReader(conn)
		resp, err := http.ReadResponse(br, &http.Request{Method: http.MethodConnect, URL: &url.URL{}})
		if err != nil {
			_ = conn.Close()
			return nil, errors.Wrap(err, "read CONNECT response")
		}
		_ = resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			_ = conn.Close()
			return nil, errors.Errorf("proxy CONNECT failed: %s", resp.Status)
		}

		// Туннель установлен, дальше дедлайнами управляет клиент.
		_ = conn.SetDeadline(time.Time{})
		if br.Buffered() > 0 {
			// Прокси мог прислать первые байты туннеля вместе с ответом;
			// они уже вычитаны в ридер и не должны потеряться.
			return &bufferedConn{Conn: conn, br: br}, nil
		}
		return conn, nil
	}
}

// bufferedConn сначала отдаёт байты, оставшиеся в ридере после ответа CONNECT,
// и только затем читает из сокета.
type bufferedConn struct {
	net.Conn
	br *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	if c.br.Buffered() > 0 {
		return c.br.Read(p)
	}
	return c.Conn.Read(p)
}
