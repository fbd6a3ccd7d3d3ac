package server

import (
	"io"
	"log/slog"
	"net"
	"runtime"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/akumuli/akumulid/config"
	"github.com/akumuli/akumulid/internal/errors"
	"github.com/akumuli/akumulid/internal/logging"
	"github.com/akumuli/akumulid/internal/protocol/opentsdb"
	"github.com/akumuli/akumulid/internal/protocol/resp"
	"github.com/akumuli/akumulid/internal/query"
	"github.com/akumuli/akumulid/internal/storage"
)

// streamParser is the contract both line protocols expose to the
// connection loop.
type streamParser interface {
	ParseNext(data []byte) error
	Close()
}

// TcpServer ingests RESP streams and, when configured, OpenTSDB telnet
// streams on a second listener. Each connection owns a session and a
// parser chosen by the endpoint it arrived on; a worker-pool semaphore
// bounds concurrent connections.
type TcpServer struct {
	db        *storage.Connection
	protocols []config.ProtocolSettings
	nworkers  int

	listeners []net.Listener
	shutdown  chan struct{}

	connMu sync.Mutex
	conns  map[net.Conn]struct{}

	stopOnce sync.Once
	accepts  errgroup.Group

	stopping atomic.Bool

	log *slog.Logger
}

// NewTcpServer creates a TCP ingestion server for the given protocol
// endpoints. nworkers <= 0 selects the hardware concurrency.
func NewTcpServer(db *storage.Connection, nworkers int, protocols []config.ProtocolSettings) *TcpServer {
	if nworkers <= 0 {
		nworkers = runtime.NumCPU()
	}
	return &TcpServer{
		db:        db,
		protocols: protocols,
		nworkers:  nworkers,
		shutdown:  make(chan struct{}),
		conns:     make(map[net.Conn]struct{}),
		log:       logging.Component("tcp-server"),
	}
}

// Start binds every configured listener and launches the accept loops.
// It returns once all listeners are ready.
func (s *TcpServer) Start(sig *SignalHandler, id int) error {
	sig.AddHandler(id, s.Stop)

	// Bound the number of connections served in parallel.
	s.accepts.SetLimit(s.nworkers + len(s.protocols))

	for _, proto := range s.protocols {
		ln, err := net.Listen("tcp", proto.Endpoint)
		if err != nil {
			s.Stop()
			return errors.Wrapf(err, "listen %s (%s)", proto.Endpoint, proto.Name)
		}
		s.listeners = append(s.listeners, ln)

		protoName := proto.Name
		s.accepts.Go(func() error {
			s.acceptLoop(ln, protoName)
			return nil
		})
		s.log.Info("listening", "protocol", protoName, "endpoint", proto.Endpoint)
	}

	s.log.Info("server started", "workers", s.nworkers)
	return nil
}

// acceptLoop accepts connections on one listener until the server stops.
func (s *TcpServer) acceptLoop(ln net.Listener, protoName string) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
				s.log.Error("accept error", "protocol", protoName, "error", err)
				return
			}
		}
		s.trackConn(conn, true)
		s.accepts.Go(func() error {
			defer s.trackConn(conn, false)
			s.handleConn(conn, protoName)
			return nil
		})
	}
}

func (s *TcpServer) trackConn(conn net.Conn, add bool) {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if add {
		s.conns[conn] = struct{}{}
	} else {
		delete(s.conns, conn)
	}
}

// handleConn streams one connection through the protocol parser. Parse
// and database errors are reported to the client and close the
// connection; samples already ingested stay ingested.
func (s *TcpServer) handleConn(conn net.Conn, protoName string) {
	defer conn.Close()
	remote := conn.RemoteAddr().String()

	session, err := s.db.NewSession()
	if err != nil {
		s.log.Error("can't create session", "remote", remote, "error", err)
		return
	}
	defer session.Close()

	var parser streamParser
	switch protoName {
	case "OpenTSDB":
		parser = opentsdb.NewParser(session)
	default:
		parser = resp.NewParser(session)
	}
	defer parser.Close()

	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			if perr := parser.ParseNext(buf[:n]); perr != nil {
				s.log.Error("ingestion error", "remote", remote, "protocol", protoName, "error", perr)
				conn.Write([]byte("-" + perr.Error() + "\r\n"))
				return
			}
		}
		if err != nil {
			if err != io.EOF && !s.stopping.Load() {
				s.log.Warn("read error", "remote", remote, "error", err)
			}
			return
		}
	}
}

// Stop closes the listeners, then the live connections, and waits until
// every handler drained. Idempotent and safe from the signal-delivery
// goroutine.
func (s *TcpServer) Stop() {
	s.stopOnce.Do(func() {
		s.stopping.Store(true)
		close(s.shutdown)

		for _, ln := range s.listeners {
			ln.Close()
		}

		s.connMu.Lock()
		for conn := range s.conns {
			conn.Close()
		}
		s.connMu.Unlock()

		s.accepts.Wait()
		s.log.Info("server stopped")
	})
}

func init() {
	Register("TCP", func(con *storage.Connection, _ *query.QueryProcessor, settings config.ServerSettings) (Server, error) {
		if len(settings.Protocols) == 0 {
			return nil, errors.Wrap(errors.ErrBadSettings, "TCP server needs at least one protocol")
		}
		for _, p := range settings.Protocols {
			if p.Name != "RESP" && p.Name != "OpenTSDB" {
				return nil, errors.Wrapf(errors.ErrBadSettings, "TCP server can't serve protocol %q", p.Name)
			}
		}
		return NewTcpServer(con, settings.NWorkers, settings.Protocols), nil
	})
}
