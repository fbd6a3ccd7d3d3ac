// Package server provides the multi-protocol acceptor framework of the
// daemon: a registry of server factories keyed by protocol name, the
// signal handler coordinating graceful shutdown, and the concrete UDP,
// TCP, and HTTP servers.
package server

import (
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"

	"github.com/akumuli/akumulid/config"
	"github.com/akumuli/akumulid/internal/errors"
	"github.com/akumuli/akumulid/internal/logging"
	"github.com/akumuli/akumulid/internal/query"
	"github.com/akumuli/akumulid/internal/storage"
)

// Server is one network server instance. Start must register its own
// Stop with the signal handler under the supplied id and return only
// once all listeners and workers are ready. Stop must be idempotent and
// safe to invoke from the signal-delivery goroutine.
type Server interface {
	Start(sig *SignalHandler, id int) error
	Stop()
}

// Factory builds a server from a connection, a query builder, and its
// settings.
type Factory func(con *storage.Connection, qproc *query.QueryProcessor, settings config.ServerSettings) (Server, error)

var (
	factoryMu sync.RWMutex
	factories = make(map[string]Factory)
)

// Register adds a server factory under a protocol name. Servers
// self-register at module load; registration is idempotent and
// order-independent.
func Register(name string, f Factory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	factories[name] = f
}

// Create instantiates a server for the settings. An unknown protocol
// name is fatal at startup.
func Create(con *storage.Connection, qproc *query.QueryProcessor, settings config.ServerSettings) (Server, error) {
	factoryMu.RLock()
	f, ok := factories[settings.Name]
	factoryMu.RUnlock()
	if !ok {
		return nil, errors.Wrapf(errors.ErrUnknownProtocol, "%q", settings.Name)
	}
	return f(con, qproc, settings)
}

// =============================================================================
// Signal Handler
// =============================================================================

// SignalHandler maps integer ids to stop callables. On SIGINT or
// SIGTERM it invokes every registered callable from its own goroutine,
// in an unspecified order.
type SignalHandler struct {
	mu       sync.Mutex
	handlers map[int]func()

	log  *slog.Logger
	once sync.Once
	sigs chan os.Signal
}

// NewSignalHandler creates an empty handler listening for SIGINT and
// SIGTERM.
func NewSignalHandler() *SignalHandler {
	h := &SignalHandler{
		handlers: make(map[int]func()),
		log:      logging.Component("signal-handler"),
		sigs:     make(chan os.Signal, 1),
	}
	signal.Notify(h.sigs, syscall.SIGINT, syscall.SIGTERM)
	return h
}

// AddHandler registers a stop callable under id.
func (h *SignalHandler) AddHandler(id int, stop func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers[id] = stop
}

// Wait blocks until the OS delivers a termination signal, invokes every
// registered stop callable, and returns the ids that were stopped.
func (h *SignalHandler) Wait() []int {
	sig := <-h.sigs
	h.log.Info("caught signal, stopping servers", "signal", sig.String())
	done := make(chan []int, 1)
	go func() { done <- h.stopAll() }()
	return <-done
}

// Trigger invokes the registered handlers without an OS signal. Used by
// tests and by programmatic shutdown.
func (h *SignalHandler) Trigger() []int {
	return h.stopAll()
}

func (h *SignalHandler) stopAll() []int {
	var ids []int
	h.once.Do(func() {
		h.mu.Lock()
		handlers := make(map[int]func(), len(h.handlers))
		for id, stop := range h.handlers {
			handlers[id] = stop
		}
		h.mu.Unlock()

		for id, stop := range handlers {
			stop()
			ids = append(ids, id)
		}
		sort.Ints(ids)
	})
	return ids
}
