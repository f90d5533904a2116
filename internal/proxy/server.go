// Package proxy owns the accept loop: one net.Listener, one goroutine per
// accepted connection, each driving a fresh internal/session.Session to
// completion, with the whole loop stopped by context cancellation and
// drained via a WaitGroup.
package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"pgcrab/internal/config"
	"pgcrab/internal/metrics"
	"pgcrab/internal/registry"
	"pgcrab/internal/session"
	"pgcrab/internal/shardpool"
)

// Server is the Postgres-facing TCP proxy server.
type Server struct {
	reg    *registry.Registry
	pools  *shardpool.Manager
	mx     *metrics.Collector
	logger *slog.Logger
	policy session.ConflictPolicy

	listener net.Listener

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// NewServer creates a new proxy server.
func NewServer(reg *registry.Registry, pools *shardpool.Manager, mx *metrics.Collector, logger *slog.Logger, policy session.ConflictPolicy) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		reg:    reg,
		pools:  pools,
		mx:     mx,
		logger: logger,
		policy: policy,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Listen starts the Postgres proxy listener on lc.Host:lc.Port.
func (s *Server) Listen(lc config.ListenConfig) error {
	addr := fmt.Sprintf("%s:%d", lc.Host, lc.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	s.listener = ln
	s.logger.Info("postgres proxy listening", "addr", addr)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop(ln)
	}()
	return nil
}

func (s *Server) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
				s.logger.Warn("accept error", "error", err)
				continue
			}
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(conn)
		}()
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()
	sess := session.New(conn, s.reg, s.pools, s.mx, s.logger, s.policy)
	if err := sess.Run(s.ctx); err != nil {
		s.logger.Debug("session ended", "error", err)
	}
}

// Stop gracefully shuts down the listener and waits for in-flight
// sessions to finish.
func (s *Server) Stop() {
	s.cancel()
	if s.listener != nil {
		s.listener.Close()
	}
	s.wg.Wait()
	s.logger.Info("proxy server stopped")
}
