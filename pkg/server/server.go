// Package server hosts the search proxy, the page session API and the
// websocket fanout behind one HTTP listener.
package server

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/turnsearch/pkg/events"
	"github.com/go-go-golems/turnsearch/pkg/session"
)

const shutdownTimeout = 30 * time.Second

// Server drives the HTTP listener, the session update subscriber and the idle
// session eviction loop.
type Server struct {
	httpSrv  *http.Server
	sessions *session.Manager
	bus      *events.Bus
	closers  []func() error
	signals  bool
}

type Option func(*Server)

// WithCloser registers a resource released after the HTTP server shut down.
func WithCloser(f func() error) Option {
	return func(s *Server) { s.closers = append(s.closers, f) }
}

// WithoutSignals stops Run from reacting to SIGINT and SIGTERM; cancel the
// context instead.
func WithoutSignals() Option {
	return func(s *Server) { s.signals = false }
}

func NewServer(addr string, handler http.Handler, sessions *session.Manager, bus *events.Bus, opts ...Option) (*Server, error) {
	if handler == nil {
		return nil, errors.New("server: nil handler")
	}
	if sessions == nil {
		return nil, errors.New("server: nil session manager")
	}
	s := &Server{
		httpSrv: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
		sessions: sessions,
		bus:      bus,
		signals:  true,
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

func (s *Server) HTTPServer() *http.Server { return s.httpSrv }

// Run serves until ctx is cancelled or a termination signal arrives, then
// shuts the listener down gracefully.
func (s *Server) Run(ctx context.Context) error {
	if ctx == nil {
		return errors.New("ctx is nil")
	}
	eg, egCtx := errgroup.WithContext(ctx)
	srvCtx, srvCancel := context.WithCancel(egCtx)
	defer srvCancel()

	s.sessions.StartEvictionLoop(srvCtx)

	if s.bus != nil {
		eg.Go(func() error {
			return s.bus.Run(srvCtx, fanout(s.sessions))
		})
	}

	eg.Go(func() error {
		if s.signals {
			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(sigChan)
			select {
			case <-sigChan:
				log.Info().Msg("received interrupt signal, shutting down gracefully...")
			case <-srvCtx.Done():
			}
		} else {
			<-srvCtx.Done()
		}
		srvCancel()

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("server shutdown error")
			return err
		}
		for _, c := range s.closers {
			if err := c(); err != nil {
				log.Error().Err(err).Msg("close error")
			}
		}
		log.Info().Msg("server shutdown complete")
		return nil
	})

	eg.Go(func() error {
		log.Info().Str("addr", s.httpSrv.Addr).Msg("starting turnsearch server")
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server listen error")
			return err
		}
		return nil
	})

	return eg.Wait()
}
