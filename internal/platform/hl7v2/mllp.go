package hl7v2

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	// MLLPStartBlock is the MLLP start-of-message byte (VT / vertical tab).
	MLLPStartBlock = 0x0B

	// MLLPEndBlock is the MLLP end-of-message byte (FS / file separator).
	MLLPEndBlock = 0x1C

	// MLLPCarriageReturn is the trailing CR after the end block.
	MLLPCarriageReturn = 0x0D

	// DefaultMaxMessageSize is the maximum buffer size for a single MLLP message (1 MB).
	DefaultMaxMessageSize = 1 << 20

	// DefaultReadTimeout is the idle read deadline applied to each connection.
	DefaultReadTimeout = 30 * time.Second

	writeTimeout = 10 * time.Second
)

// Handler answers one unframed inbound message. The returned bytes are
// written back to the peer as-is and must already be MLLP framed; nil means
// no reply.
type Handler interface {
	ServeHL7(ctx context.Context, raw []byte) []byte
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, raw []byte) []byte

// ServeHL7 calls f.
func (f HandlerFunc) ServeHL7(ctx context.Context, raw []byte) []byte {
	return f(ctx, raw)
}

// ServerOption configures an MLLPServer.
type ServerOption func(*MLLPServer)

// WithReadTimeout sets the idle read deadline per connection.
func WithReadTimeout(d time.Duration) ServerOption {
	return func(s *MLLPServer) {
		if d > 0 {
			s.readTimeout = d
		}
	}
}

// WithMaxMessageSize caps the bytes buffered for one frame.
func WithMaxMessageSize(n int) ServerOption {
	return func(s *MLLPServer) {
		if n > 0 {
			s.maxSize = n
		}
	}
}

// MLLPServer listens for HL7v2 messages over MLLP/TCP. Each connection is
// served by its own goroutine and messages on a connection are handled in order.
type MLLPServer struct {
	addr        string
	handler     Handler
	logger      zerolog.Logger
	readTimeout time.Duration
	maxSize     int

	listener net.Listener
	ctx      context.Context
	cancel   context.CancelFunc
	mu       sync.Mutex
	conns    map[net.Conn]struct{}
	wg       sync.WaitGroup
}

// NewMLLPServer creates a server that will listen on addr and pass every
// complete frame to handler.
func NewMLLPServer(addr string, handler Handler, logger zerolog.Logger, opts ...ServerOption) *MLLPServer {
	s := &MLLPServer{
		addr:        addr,
		handler:     handler,
		logger:      logger.With().Str("component", "mllp").Logger(),
		readTimeout: DefaultReadTimeout,
		maxSize:     DefaultMaxMessageSize,
		conns:       make(map[net.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start begins listening for connections. It is non-blocking: the accept loop
// runs in a background goroutine.
func (s *MLLPServer) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("mllp: failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln
	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop()
	}()

	s.logger.Info().Str("addr", s.Addr()).Msg("MLLP listener started")
	return nil
}

// Serve starts the server and blocks until ctx is cancelled, then stops it.
func (s *MLLPServer) Serve(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	return s.Stop()
}

// Stop closes the listener and all open connections, then waits for the
// connection goroutines to finish.
func (s *MLLPServer) Stop() error {
	if s.cancel != nil {
		s.cancel()
	}

	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}

	s.mu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	return err
}

// Addr returns the listener address string. This is especially useful when the
// server was started with port 0 (OS-assigned port).
func (s *MLLPServer) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

func (s *MLLPServer) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.logger.Error().Err(err).Msg("accept failed")
			return
		}

		s.trackConn(conn, true)

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.trackConn(conn, false)
			defer conn.Close()
			s.handleConnection(conn)
		}()
	}
}

func (s *MLLPServer) trackConn(conn net.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[conn] = struct{}{}
	} else {
		delete(s.conns, conn)
	}
}

// handleConnection reads MLLP frames from conn and answers each in turn.
func (s *MLLPServer) handleConnection(conn net.Conn) {
	log := s.logger.With().Str("remote_addr", conn.RemoteAddr().String()).Logger()
	log.Debug().Msg("connection opened")
	defer log.Debug().Msg("connection closed")

	buf := make([]byte, 0, 4096)
	readBuf := make([]byte, 4096)

	for {
		if s.ctx.Err() != nil {
			return
		}

		conn.SetReadDeadline(time.Now().Add(s.readTimeout))

		n, err := conn.Read(readBuf)
		if n > 0 {
			buf = append(buf, readBuf[:n]...)

			if len(buf) > s.maxSize {
				log.Warn().Int("buffered", len(buf)).Int("max", s.maxSize).Msg("message exceeds max size, closing connection")
				return
			}

			for {
				msgBytes, rest, found := UnframeMessage(buf)
				if !found {
					break
				}
				buf = rest

				if !s.reply(conn, msgBytes, log) {
					return
				}
			}
		}

		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() && len(buf) > 0 {
				// keep reading to finish the partial frame
				continue
			}
			return
		}
	}
}

// reply runs the handler for one message and writes its answer. It reports
// whether the connection is still usable.
func (s *MLLPServer) reply(conn net.Conn, raw []byte, log zerolog.Logger) bool {
	resp := s.handler.ServeHL7(s.ctx, raw)
	if resp == nil {
		return true
	}

	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := conn.Write(resp); err != nil {
		log.Error().Err(err).Msg("write failed")
		return false
	}
	return true
}

// FrameMessage wraps raw HL7v2 bytes in MLLP framing:
//
//	<0x0B> + message + <0x1C><0x0D>
func FrameMessage(data []byte) []byte {
	frame := make([]byte, 0, len(data)+3)
	frame = append(frame, MLLPStartBlock)
	frame = append(frame, data...)
	frame = append(frame, MLLPEndBlock, MLLPCarriageReturn)
	return frame
}

// UnframeMessage extracts HL7v2 bytes from an MLLP frame. It returns the
// extracted message, any remaining bytes after the frame, and whether a
// complete frame was found.
func UnframeMessage(data []byte) (message []byte, rest []byte, found bool) {
	startIdx := bytes.IndexByte(data, MLLPStartBlock)
	if startIdx == -1 {
		return nil, data, false
	}

	endIdx := bytes.Index(data[startIdx+1:], []byte{MLLPEndBlock, MLLPCarriageReturn})
	if endIdx == -1 {
		return nil, data, false
	}
	endIdx = startIdx + 1 + endIdx

	return data[startIdx+1 : endIdx], data[endIdx+2:], true
}

// Client sends framed messages to an MLLP peer.
type Client struct {
	Addr    string
	Timeout time.Duration
}

// Send writes raw as one frame and waits for the single framed reply.
// The context deadline, or Timeout when the context has none, bounds the exchange.
func (c *Client) Send(ctx context.Context, raw []byte) ([]byte, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", c.Addr)
	if err != nil {
		return nil, fmt.Errorf("mllp: dial %s: %w", c.Addr, err)
	}
	defer conn.Close()

	deadline, ok := ctx.Deadline()
	if !ok {
		timeout := c.Timeout
		if timeout <= 0 {
			timeout = DefaultReadTimeout
		}
		deadline = time.Now().Add(timeout)
	}
	conn.SetDeadline(deadline)

	if _, err := conn.Write(FrameMessage(raw)); err != nil {
		return nil, fmt.Errorf("mllp: write: %w", err)
	}

	var buf []byte
	readBuf := make([]byte, 4096)
	for {
		n, err := conn.Read(readBuf)
		buf = append(buf, readBuf[:n]...)
		if msg, _, found := UnframeMessage(buf); found {
			return msg, nil
		}
		if err != nil {
			return nil, fmt.Errorf("mllp: read reply: %w", err)
		}
		if len(buf) > DefaultMaxMessageSize {
			return nil, fmt.Errorf("mllp: reply exceeds %d bytes", DefaultMaxMessageSize)
		}
	}
}
