package protocol

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/quic-go/quic-go"
)

// TransportConfig tunes the QUIC connection per §4.A: mutual-auth
// capable with configurable skip-verify for dev, application-level
// keep-alive, and configurable idle/connect timeouts.
type TransportConfig struct {
	TLSConfig      *tls.Config
	KeepAlive      time.Duration
	IdleTimeout    time.Duration
	ConnectTimeout time.Duration
	Allow0RTT      bool
}

func (c TransportConfig) quicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:  orDefault(c.IdleTimeout, 60*time.Second),
		KeepAlivePeriod: orDefault(c.KeepAlive, 10*time.Second),
		Allow0RTT:       c.Allow0RTT,
	}
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

// Server accepts QUIC connections and dispatches one goroutine per
// stream to a stateless StreamHandler, matching the accept-loop /
// per-connection / per-stream handler structure of §4.A.
type Server struct {
	listener *quic.Listener
	handler  StreamHandler
	log      Logger
}

// StreamHandler processes exactly one RPC's frames on a fresh stream.
// Implementations must not retain state across calls.
type StreamHandler func(ctx context.Context, stream *FramedStream)

// Logger is the minimal logging surface the transport needs, so this
// package does not import telemetry directly (avoiding an import
// cycle with higher-level packages that depend on protocol).
type Logger interface {
	Errorf(format string, args ...any)
}

// Listen starts a QUIC listener on addr.
func Listen(addr string, cfg TransportConfig, handler StreamHandler, log Logger) (*Server, error) {
	ln, err := quic.ListenAddr(addr, cfg.TLSConfig, cfg.quicConfig())
	if err != nil {
		return nil, fmt.Errorf("protocol: listen on %s: %w", addr, err)
	}
	return &Server{listener: ln, handler: handler, log: log}, nil
}

// Addr reports the bound local address.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Serve runs the accept loop until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	for {
		conn, err := s.listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("protocol: accept: %w", err)
		}
		go s.serveConnection(ctx, conn)
	}
}

func (s *Server) serveConnection(ctx context.Context, conn *quic.Conn) {
	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			return
		}
		go func() {
			defer stream.Close()
			s.handler(ctx, NewFramedStream(stream))
		}()
	}
}

// Close shuts the listener down.
func (s *Server) Close() error {
	return s.listener.Close()
}

// Client dials a QUIC connection used to open one fresh stream per
// RPC (one RPC per stream, never multiplexed within a stream).
type Client struct {
	conn *quic.Conn
}

// Dial establishes a QUIC connection to addr.
func Dial(ctx context.Context, addr string, cfg TransportConfig) (*Client, error) {
	dialCtx := ctx
	var cancel context.CancelFunc
	if cfg.ConnectTimeout > 0 {
		dialCtx, cancel = context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
	}
	conn, err := quic.DialAddr(dialCtx, addr, cfg.TLSConfig, cfg.quicConfig())
	if err != nil {
		return nil, fmt.Errorf("protocol: dial %s: %w", addr, err)
	}
	return &Client{conn: conn}, nil
}

// OpenStream opens a new bidirectional stream for a single RPC.
func (c *Client) OpenStream(ctx context.Context) (*FramedStream, func() error, error) {
	stream, err := c.conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("protocol: open stream: %w", err)
	}
	return NewFramedStream(stream), stream.Close, nil
}

// Call performs a request/response RPC: opens a stream, writes rpc
// with body, reads back exactly one Response or Error frame, and
// closes the stream.
func (c *Client) Call(ctx context.Context, rpc RPC, body, out any) error {
	stream, closeFn, err := c.OpenStream(ctx)
	if err != nil {
		return err
	}
	defer closeFn()

	payload, err := EncodeEnvelope(rpc, body)
	if err != nil {
		return err
	}
	frame, err := stream.Request(payload)
	if err != nil {
		return err
	}
	switch frame.Type {
	case MessageResponse:
		env, err := DecodeEnvelope(frame.Payload)
		if err != nil {
			return err
		}
		return DecodeBody(env, out)
	case MessageError:
		body, err := DecodeError(frame.Payload)
		if err != nil {
			return err
		}
		return fmt.Errorf("protocol: %s: %s", body.Code, body.Message)
	default:
		return fmt.Errorf("protocol: unexpected message type %s for rpc %s", frame.Type, rpc)
	}
}

// CallFireAndForget writes a Request frame and does not wait for a
// response, used for InstanceEvent/RetryAttempt.
func (c *Client) CallFireAndForget(ctx context.Context, rpc RPC, body any) error {
	stream, closeFn, err := c.OpenStream(ctx)
	if err != nil {
		return err
	}
	defer closeFn()

	payload, err := EncodeEnvelope(rpc, body)
	if err != nil {
		return err
	}
	return stream.WriteFrame(Frame{Type: MessageRequest, Payload: payload})
}

// Close tears down the underlying QUIC connection.
func (c *Client) Close() error {
	return c.conn.CloseWithError(0, "client closed")
}
