package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/quic-go/quic-go"

	"github.com/polyepoxide/polyepoxide/pkg/store"
)

// Server exposes a local store to peers over QUIC. It answers Has, Get
// and Put requests; Put runs through the store's usual closure-checked
// batch commit, so a peer can never push a node whose dependencies are
// neither included nor declared elided.
type Server struct {
	st       store.Store
	log      *slog.Logger
	listener *quic.Listener
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewServer starts listening on addr. Call Serve to begin accepting.
func NewServer(addr string, st store.Store, log *slog.Logger) (*Server, error) {
	if log == nil {
		log = slog.Default()
	}
	cert, err := generateSelfSignedCert()
	if err != nil {
		return nil, fmt.Errorf("transport: generate TLS cert: %w", err)
	}
	listener, err := quic.ListenAddr(addr, serverTLSConfig(cert), newQuicConfig())
	if err != nil {
		return nil, fmt.Errorf("transport: listen %s: %w", addr, err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		st:       st,
		log:      log,
		listener: listener,
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

func newQuicConfig() *quic.Config {
	return &quic.Config{
		HandshakeIdleTimeout: handshakeTimeout,
		MaxIdleTimeout:       idleTimeout,
	}
}

// Addr returns the actual listen address.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Serve accepts connections until the server is closed. It runs the
// accept loop in the calling goroutine; Start runs it in the
// background.
func (s *Server) Serve() error {
	for {
		conn, err := s.listener.Accept(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("transport: accept: %w", err)
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

// Start runs Serve in a background goroutine.
func (s *Server) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.Serve(); err != nil {
			s.log.Error("serve loop ended", "err", err)
		}
	}()
}

func (s *Server) handleConn(conn quic.Connection) {
	remote := conn.RemoteAddr().String()
	s.log.Debug("peer connected", "remote", remote)
	for {
		stream, err := conn.AcceptStream(s.ctx)
		if err != nil {
			s.log.Debug("peer disconnected", "remote", remote, "err", err)
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleStream(stream)
		}()
	}
}

// handleStream serves exactly one request and closes the stream.
func (s *Server) handleStream(stream quic.Stream) {
	defer func() { _ = stream.Close() }()

	msg, err := ReadMessage(stream)
	if err != nil {
		s.log.Warn("bad request frame", "err", err)
		return
	}

	resp := s.dispatch(msg)
	if err := WriteResponse(stream, resp); err != nil {
		s.log.Warn("write response", "err", err)
	}
}

func (s *Server) dispatch(msg Message) Response {
	switch msg.Type {
	case MsgHas:
		return s.handleHas(msg.Payload)
	case MsgGet:
		return s.handleGet(msg.Payload)
	case MsgPut:
		return s.handlePut(msg.Payload)
	default:
		return Response{Error: fmt.Errorf("unknown message type %d", msg.Type)}
	}
}

func (s *Server) handleHas(payload []byte) Response {
	hashes, err := UnmarshalHashList(payload)
	if err != nil {
		return Response{Error: err}
	}
	bits := make([]bool, len(hashes))
	for i, h := range hashes {
		ok, err := s.st.Has(h)
		if err != nil {
			return Response{Error: err}
		}
		bits[i] = ok
	}
	return Response{Payload: MarshalBoolList(bits)}
}

func (s *Server) handleGet(payload []byte) Response {
	hashes, err := UnmarshalHashList(payload)
	if err != nil {
		return Response{Error: err}
	}
	if len(hashes) != 1 {
		return Response{Error: fmt.Errorf("get expects 1 hash, got %d", len(hashes))}
	}
	b, err := s.st.Get(hashes[0])
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Response{Error: store.ErrNotFound}
		}
		return Response{Error: err}
	}
	return Response{Payload: b}
}

func (s *Server) handlePut(payload []byte) Response {
	nodes, err := UnmarshalNodeList(payload)
	if err != nil {
		return Response{Error: err}
	}
	if err := s.st.PutBatch(nodes); err != nil {
		return Response{Error: err}
	}
	s.log.Debug("accepted batch", "nodes", len(nodes))
	return Response{}
}

// Close stops accepting and waits for in-flight streams.
func (s *Server) Close() error {
	s.cancel()
	err := s.listener.Close()
	s.wg.Wait()
	return err
}
