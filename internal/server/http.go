package server

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/akumuli/akumulid/config"
	"github.com/akumuli/akumulid/internal/errors"
	"github.com/akumuli/akumulid/internal/logging"
	"github.com/akumuli/akumulid/internal/query"
	"github.com/akumuli/akumulid/internal/storage"
)

// Version is the daemon version reported by the HTTP API, set by the
// main package at startup.
var Version = "dev"

// HttpServer serves the query API. It is the only server that uses the
// query pipeline: each query request gets a pooler from the processor,
// has the request body appended into it, and streams the response out
// of ReadSome with backpressure from the client connection.
type HttpServer struct {
	qproc    *query.QueryProcessor
	endpoint string

	srv      *http.Server
	stopOnce sync.Once

	log *slog.Logger
}

// NewHttpServer creates an HTTP query server.
func NewHttpServer(qproc *query.QueryProcessor, endpoint string) *HttpServer {
	return &HttpServer{
		qproc:    qproc,
		endpoint: endpoint,
		log:      logging.Component("http-server"),
	}
}

// Start binds the listener and serves in the background. It returns
// once the listener is ready.
func (s *HttpServer) Start(sig *SignalHandler, id int) error {
	sig.AddHandler(id, s.Stop)

	router := httprouter.New()
	router.HandlerFunc("POST", "/api/query", s.queryHandler(query.EndpointQuery))
	router.HandlerFunc("POST", "/api/suggest", s.queryHandler(query.EndpointSuggest))
	router.HandlerFunc("POST", "/api/search", s.queryHandler(query.EndpointSearch))
	router.HandlerFunc("GET", "/api/stats", s.statsHandler)
	router.HandlerFunc("GET", "/api/function-names", s.resourceHandler("function-names"))
	router.HandlerFunc("GET", "/api/series-names", s.resourceHandler("series-names"))
	router.HandlerFunc("GET", "/api/version", s.versionHandler)

	ln, err := net.Listen("tcp", s.endpoint)
	if err != nil {
		return errors.Wrapf(err, "listen %s", s.endpoint)
	}

	s.srv = &http.Server{
		Addr:    s.endpoint,
		Handler: router,
	}
	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.Error("serve error", "error", err)
		}
	}()

	s.log.Info("server started", "endpoint", s.endpoint)
	return nil
}

// Stop drains in-flight requests and closes the listener. Idempotent
// and safe from the signal-delivery goroutine.
func (s *HttpServer) Stop() {
	s.stopOnce.Do(func() {
		if s.srv != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := s.srv.Shutdown(ctx); err != nil {
				s.log.Warn("shutdown error", "error", err)
			}
		}
		s.log.Info("server stopped")
	})
}

// queryHandler runs one request through the streaming pipeline.
func (s *HttpServer) queryHandler(endpoint query.ApiEndpoint) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		op, err := s.qproc.Create(endpoint)
		if err != nil {
			http.Error(w, err.Error(), errors.HTTPStatus(err))
			return
		}
		defer op.Close()

		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "can't read request body", http.StatusBadRequest)
			return
		}
		if err := op.Append(body); err != nil {
			http.Error(w, err.Error(), errors.HTTPStatus(err))
			return
		}
		if err := op.Start(); err != nil {
			http.Error(w, op.GetErrorMessage(), errors.HTTPStatus(err))
			return
		}

		w.Header().Set("Content-Type", "text/plain; charset=utf-8")

		flusher, _ := w.(http.Flusher)
		buf := make([]byte, 4096)
		for {
			n, done, err := op.ReadSome(buf)
			if err != nil {
				http.Error(w, err.Error(), errors.HTTPStatus(err))
				return
			}
			if n > 0 {
				if _, werr := w.Write(buf[:n]); werr != nil {
					return
				}
				if flusher != nil {
					flusher.Flush()
				}
			}
			if done {
				return
			}
			if n == 0 {
				// One formatted sample exceeds the span; retry with a
				// larger buffer.
				buf = make([]byte, len(buf)*2)
			}
		}
	}
}

// statsHandler serves the engine statistics blob.
func (s *HttpServer) statsHandler(w http.ResponseWriter, r *http.Request) {
	stats, err := s.qproc.GetAllStats()
	if err != nil {
		http.Error(w, err.Error(), errors.HTTPStatus(err))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	io.WriteString(w, stats)
}

// resourceHandler serves an engine-exposed textual resource.
func (s *HttpServer) resourceHandler(name string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := s.qproc.GetResource(name)
		if err != nil {
			http.Error(w, err.Error(), errors.HTTPStatus(err))
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		io.WriteString(w, res)
	}
}

func (s *HttpServer) versionHandler(w http.ResponseWriter, r *http.Request) {
	io.WriteString(w, "akumulid "+Version)
}

func init() {
	Register("HTTP", func(_ *storage.Connection, qproc *query.QueryProcessor, settings config.ServerSettings) (Server, error) {
		if len(settings.Protocols) != 1 {
			return nil, errors.Wrap(errors.ErrBadSettings, "HTTP server needs exactly one endpoint")
		}
		return NewHttpServer(qproc, settings.Protocols[0].Endpoint), nil
	})
}
