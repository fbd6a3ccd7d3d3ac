package server

import (
	"context"
	"log/slog"
	"net"
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"

	"github.com/akumuli/akumulid/config"
	"github.com/akumuli/akumulid/internal/errors"
	"github.com/akumuli/akumulid/internal/logging"
	"github.com/akumuli/akumulid/internal/protocol/resp"
	"github.com/akumuli/akumulid/internal/query"
	"github.com/akumuli/akumulid/internal/storage"
)

// UdpServer ingests RESP datagrams with a pool of workers that all read
// from one port. Every worker binds its own SO_REUSEPORT socket so the
// kernel load-balances datagrams across the pool; batches are received
// with recvmmsg where the platform supports it and a single-message
// fallback elsewhere.
type UdpServer struct {
	db       *storage.Connection
	endpoint string
	nworkers int

	stop atomic.Int32

	connMu sync.Mutex
	conns  []net.PacketConn

	stopWG   sync.WaitGroup
	stopOnce sync.Once

	// Metrics
	pps atomic.Uint64
	bps atomic.Uint64

	log *slog.Logger
}

// NewUdpServer creates a UDP ingestion server. nworkers <= 0 selects
// the hardware concurrency.
func NewUdpServer(db *storage.Connection, nworkers int, endpoint string) *UdpServer {
	if nworkers <= 0 {
		nworkers = runtime.NumCPU()
	}
	return &UdpServer{
		db:       db,
		endpoint: endpoint,
		nworkers: nworkers,
		log:      logging.Component("udp-server"),
	}
}

// reusePort marks the socket so that every worker can bind the same
// endpoint and the kernel distributes datagrams across them.
func reusePort(network, address string, c syscall.RawConn) error {
	var serr error
	err := c.Control(func(fd uintptr) {
		serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
	})
	if err != nil {
		return err
	}
	return serr
}

// Start spawns the worker pool and returns once every worker owns a
// session and a bound socket. Any worker that fails setup aborts the
// startup.
func (s *UdpServer) Start(sig *SignalHandler, id int) error {
	sig.AddHandler(id, s.Stop)

	// Startup barrier: every worker reports setup success or failure
	// before Start returns.
	ready := make(chan error, s.nworkers)

	for i := 0; i < s.nworkers; i++ {
		s.stopWG.Add(1)
		go s.worker(i, ready)
	}

	var firstErr error
	for i := 0; i < s.nworkers; i++ {
		if err := <-ready; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		s.Stop()
		return errors.Wrap(firstErr, "UDP server startup")
	}

	s.log.Info("server started", "endpoint", s.endpoint, "workers", s.nworkers)
	return nil
}

// worker is one member of the pool. It owns a session, a reusable batch
// of receive buffers, and a fresh parser per datagram batch.
func (s *UdpServer) worker(index int, ready chan<- error) {
	defer s.stopWG.Done()

	session, err := s.db.NewSession()
	if err != nil {
		ready <- err
		return
	}
	defer session.Close()

	lc := net.ListenConfig{Control: reusePort}
	pc, err := lc.ListenPacket(context.Background(), "udp4", s.endpoint)
	if err != nil {
		ready <- errors.Wrapf(err, "worker %d bind %s", index, s.endpoint)
		return
	}

	s.connMu.Lock()
	s.conns = append(s.conns, pc)
	s.connMu.Unlock()

	ready <- nil

	batch := ipv4.NewPacketConn(pc)
	msgs := newMessageBatch()

	for {
		n, err := batch.ReadBatch(msgs, 0)
		if err != nil {
			if s.stop.Load() != 0 {
				break
			}
			if isTransient(err) {
				continue
			}
			s.log.Error("socket read error", "worker", index, "error", err)
			break
		}
		// Test the flag before parsing so the synthetic wake-up byte
		// is discarded.
		if s.stop.Load() != 0 {
			break
		}
		if n == 0 {
			// Spurious wakeup; keep the batch buffers.
			continue
		}

		s.parseBatch(session, msgs, n, index)
	}
}

// parseBatch runs one datagram batch through a fresh parser. A parse or
// database error discards the poisoned parser and the remainder of the
// offending datagram; the following datagrams continue with a clean
// parser, so corrupted state never persists. The parser is not started
// explicitly to keep per-batch log noise down.
func (s *UdpServer) parseBatch(session *storage.Session, msgs []ipv4.Message, n, index int) {
	parser := resp.NewParser(session)

	for i := 0; i < n; i++ {
		m := &msgs[i]
		payload := m.Buffers[0][:m.N]
		s.pps.Add(1)
		s.bps.Add(uint64(m.N))
		m.N = 0

		if err := parser.ParseNext(payload); err != nil {
			switch {
			case errors.IsProtocolError(err):
				s.log.Error("protocol error", "worker", index, "error", err)
			case errors.IsDatabaseError(err):
				s.log.Error("database error", "worker", index, "error", err)
			default:
				s.log.Error("ingestion error", "worker", index, "error", err)
			}
			parser.Close()
			parser = resp.NewParser(session)
		}
	}

	parser.Close()
}

// newMessageBatch allocates the receive buffers for one batch call.
func newMessageBatch() []ipv4.Message {
	msgs := make([]ipv4.Message, config.UDPBatchSize)
	for i := range msgs {
		msgs[i].Buffers = [][]byte{make([]byte, config.UDPDatagramSize)}
	}
	return msgs
}

// isTransient reports whether a receive error should be retried.
func isTransient(err error) bool {
	if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
		return true
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return true
	}
	return false
}

// Stop sets the stop flag, wakes the workers with a synthetic datagram
// sent to the server's own endpoint, waits for every worker to observe
// termination, and only then closes the sockets. Idempotent and safe to
// call from the signal-delivery goroutine.
func (s *UdpServer) Stop() {
	s.stopOnce.Do(func() {
		s.stop.Store(1)
		s.wakeWorkers()
		s.stopWG.Wait()

		s.connMu.Lock()
		for _, pc := range s.conns {
			pc.Close()
		}
		s.conns = nil
		s.connMu.Unlock()

		s.log.Info("server stopped", "pps", s.pps.Load(), "bps", s.bps.Load())
	})
}

// wakeWorkers sends one self-addressed byte to unblock a receiver, then
// arms a read deadline on every socket. The deadline guarantees workers
// that the kernel didn't hand the wake-up datagram to still observe the
// stop flag within one RTT.
func (s *UdpServer) wakeWorkers() {
	if conn, err := net.Dial("udp4", selfEndpoint(s.endpoint)); err == nil {
		conn.Write([]byte{0})
		conn.Close()
	} else {
		s.log.Warn("can't send wake-up datagram", "error", err)
	}

	s.connMu.Lock()
	defer s.connMu.Unlock()
	now := time.Now()
	for _, pc := range s.conns {
		pc.SetReadDeadline(now)
	}
}

// selfEndpoint rewrites a wildcard listen endpoint into a loopback
// destination for the wake-up datagram.
func selfEndpoint(endpoint string) string {
	host, port, err := net.SplitHostPort(endpoint)
	if err != nil {
		return endpoint
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}

// Stats returns the packets and bytes processed so far.
func (s *UdpServer) Stats() (pps, bps uint64) {
	return s.pps.Load(), s.bps.Load()
}

func init() {
	Register("UDP", func(con *storage.Connection, _ *query.QueryProcessor, settings config.ServerSettings) (Server, error) {
		if len(settings.Protocols) != 1 {
			return nil, errors.Wrap(errors.ErrBadSettings,
				"can't initialize UDP server, more than one protocol specified")
		}
		return NewUdpServer(con, settings.NWorkers, settings.Protocols[0].Endpoint), nil
	})
}
