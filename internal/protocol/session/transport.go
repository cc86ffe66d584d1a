package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/iolitectl/internal/auth"
	"github.com/gorilla/websocket"
)

const SocketPath = "/bus/websocket/application/json"

var (
	ErrTransport     = errors.New("session: transport failure")
	ErrRemoteClosed  = errors.New("session: remote closed connection")
	ErrSIDRequired   = errors.New("session: sid required")
	ErrHostRequired  = errors.New("session: host required")
	ErrInvalidScheme = errors.New("session: invalid scheme")
)

// Conn is one bidirectional text-frame connection.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// DialFunc opens the connection the engine will own.
type DialFunc func(ctx context.Context) (Conn, error)

type DialConfig struct {
	Scheme           string
	Host             string
	SID              string
	Identity         string
	Secret           string
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	ReadLimit        int64
	TLS              TLSConfig
}

// SocketURL renders scheme://host/bus/websocket/application/json?SID=<sid>.
func SocketURL(scheme, host, sid string) (string, error) {
	switch scheme {
	case "ws", "wss":
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidScheme, scheme)
	}
	if strings.TrimSpace(host) == "" {
		return "", ErrHostRequired
	}
	if strings.TrimSpace(sid) == "" {
		return "", ErrSIDRequired
	}
	u := url.URL{
		Scheme:   scheme,
		Host:     host,
		Path:     SocketPath,
		RawQuery: url.Values{"SID": []string{sid}}.Encode(),
	}
	return u.String(), nil
}

// Dial opens the bus websocket authenticated by SID and a Basic header.
func Dial(ctx context.Context, cfg DialConfig) (Conn, error) {
	target, err := SocketURL(cfg.Scheme, cfg.Host, cfg.SID)
	if err != nil {
		return nil, err
	}
	if err := cfg.TLS.ValidateClientTransport(cfg.Scheme); err != nil {
		return nil, err
	}
	tlsCfg, err := clientTLSConfig(cfg.TLS)
	if err != nil {
		return nil, err
	}
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: cfg.HandshakeTimeout,
		TLSClientConfig:  tlsCfg,
	}
	header := http.Header{}
	header.Set("Authorization", auth.BasicAuthHeader(cfg.Identity, cfg.Secret))

	ws, resp, err := dialer.DialContext(ctx, target, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%w: dial status=%d: %v", ErrTransport, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("%w: dial: %v", ErrTransport, err)
	}
	if cfg.ReadLimit > 0 {
		ws.SetReadLimit(cfg.ReadLimit)
	}
	return &wsConn{ws: ws, writeTimeout: cfg.WriteTimeout}, nil
}

// wsConn adapts a gorilla connection to Conn.
type wsConn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration
	closeOnce    sync.Once
	closeErr     error
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil, fmt.Errorf("%w: %v", ErrRemoteClosed, err)
			}
			return nil, err
		}
		if kind != websocket.TextMessage {
			continue
		}
		return data, nil
	}
}

func (c *wsConn) WriteMessage(data []byte) error {
	if c.writeTimeout > 0 {
		if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return err
		}
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		_ = c.ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}
