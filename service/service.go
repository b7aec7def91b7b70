package service

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/sync/errgroup"

	"github.com/ethereum-optimism/infra/op-dispatch/metrics"
)

const (
	HealthzHost = "0.0.0.0"
	HealthzPort = "8080"

	StatusHost = "0.0.0.0"
	StatusPort = "7300"
)

// Config holds the listen addresses. An empty address disables the server.
type Config struct {
	HealthzAddr string
	StatusAddr  string
}

// DefaultConfig listens on the default healthz and status ports
func DefaultConfig() Config {
	return Config{
		HealthzAddr: net.JoinHostPort(HealthzHost, HealthzPort),
		StatusAddr:  net.JoinHostPort(StatusHost, StatusPort),
	}
}

type Service struct {
	Healthz *HealthzServer
	Status  *StatusServer

	cfg   Config
	log   log.Logger
	group *errgroup.Group
}

func New(cfg Config, logger log.Logger, source ReportSource) *Service {
	logger = logger.New("component", "service")
	return &Service{
		Healthz: NewHealthzServer(logger),
		Status:  NewStatusServer(logger, source, nil),
		cfg:     cfg,
		log:     logger,
	}
}

// Start binds the enabled servers and serves them in the background. A
// server that fails after binding is recorded and logged; Shutdown returns
// its error.
func (s *Service) Start(ctx context.Context) error {
	s.log.Info("service starting")

	type server struct {
		name  string
		addr  string
		bind  func(string) error
		serve func() error
	}
	servers := []server{
		{name: "healthz", addr: s.cfg.HealthzAddr, bind: s.Healthz.Listen, serve: s.Healthz.serve},
		{name: "status", addr: s.cfg.StatusAddr, bind: s.Status.Listen, serve: s.Status.serve},
	}

	group := new(errgroup.Group)
	for _, srv := range servers {
		if srv.addr == "" {
			continue
		}
		if err := srv.bind(srv.addr); err != nil {
			metrics.RecordErrorDetails("error starting "+srv.name+" server", err)
			_ = s.shutdownServers(ctx)
			_ = group.Wait()
			return fmt.Errorf("failed to start %s server: %w", srv.name, err)
		}
		s.log.Info("starting "+srv.name+" server", "addr", srv.addr)
		group.Go(func() error {
			if err := srv.serve(); err != nil {
				s.log.Error("error serving "+srv.name+" server", "err", err)
				metrics.RecordErrorDetails("error serving "+srv.name+" server", err)
				return fmt.Errorf("%s server: %w", srv.name, err)
			}
			return nil
		})
	}
	s.group = group

	s.log.Info("service started")
	return nil
}

// Shutdown stops the servers and waits for them to return
func (s *Service) Shutdown(ctx context.Context) error {
	s.log.Info("service shutting down")
	err := s.shutdownServers(ctx)
	if s.group != nil {
		err = errors.Join(err, s.group.Wait())
	}
	s.log.Info("service stopped")
	return err
}

func (s *Service) shutdownServers(ctx context.Context) error {
	return errors.Join(s.Healthz.shutdown(ctx), s.Status.shutdown(ctx))
}
