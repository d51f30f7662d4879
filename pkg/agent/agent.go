// Package agent assembles the spoold process: storage domains, the pool
// role controller, the management API and the metrics server, all built
// from one Config.
package agent

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/svettore/spoold/internal/logger"
	"github.com/svettore/spoold/pkg/api"
	"github.com/svettore/spoold/pkg/blockio"
	"github.com/svettore/spoold/pkg/config"
	"github.com/svettore/spoold/pkg/metrics"
	"github.com/svettore/spoold/pkg/pool"
	"github.com/svettore/spoold/pkg/workerpool"
)

// Agent is one running spoold instance: a single pool connection plus the
// servers around it.
type Agent struct {
	cfg        *config.Config
	controller *pool.Controller
	apiServer  *api.Server
	metricsSrv *metrics.Server
}

// New builds an agent from configuration. Nothing is started yet; call Run.
func New(cfg *config.Config) (*Agent, error) {
	var pm *metrics.PoolMetrics
	var mm *metrics.MailboxMetrics
	var metricsSrv *metrics.Server
	if cfg.Metrics.Enabled {
		metrics.InitRegistry()
		pm = metrics.NewPoolMetrics()
		mm = metrics.NewMailboxMetrics()
		metricsSrv = metrics.NewServer(cfg.Metrics.Port)
	}

	domains := make(map[uuid.UUID]pool.Domain, len(cfg.Domains))
	roots := make(map[uuid.UUID]string, len(cfg.Domains))
	for _, dc := range cfg.Domains {
		d, err := pool.NewFileDomain(pool.FileDomainConfig{
			ID:                  dc.ID,
			Root:                dc.Root,
			InboxPath:           dc.Inbox,
			OutboxPath:          dc.Outbox,
			LeaseAcquireTimeout: dc.LeaseAcquireTimeout,
			LeaseRetryInterval:  dc.LeaseRetryInterval,
		})
		if err != nil {
			return nil, fmt.Errorf("domain %s: %w", dc.ID, err)
		}
		domains[dc.ID] = d
		roots[dc.ID] = dc.Root
	}
	master, ok := domains[cfg.Pool.MasterDomain]
	if !ok {
		return nil, fmt.Errorf("master domain %s is not configured", cfg.Pool.MasterDomain)
	}

	controller := pool.NewController(pool.ControllerConfig{
		PoolID:       cfg.Pool.ID,
		HostID:       cfg.Pool.HostID,
		MaxHosts:     cfg.Pool.MaxHosts,
		PollInterval: cfg.Pool.PollInterval,
		Workers: workerpool.Config{
			Workers:   cfg.Pool.Workers,
			QueueSize: cfg.Pool.QueueSize,
		},
		StopTimeout:   cfg.Pool.StopTimeout,
		ExtendTimeout: cfg.Pool.ExtendTimeout,
	}, pool.ControllerDeps{
		Master:         master,
		Domains:        domains,
		Transport:      blockio.NewDirectIO(),
		Extender:       &pool.FileVolumeExtender{Domains: roots},
		PoolMetrics:    pm,
		MailboxMetrics: mm,
	})

	return &Agent{
		cfg:        cfg,
		controller: controller,
		apiServer:  api.NewServer(cfg.API, controller),
		metricsSrv: metricsSrv,
	}, nil
}

// Pool exposes the agent's pool capability, mainly for tests.
func (a *Agent) Pool() pool.Pool {
	return a.controller
}

// Run starts the agent and blocks until the context is cancelled or a
// server fails. On return everything started has been shut down.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.controller.Start(ctx); err != nil {
		return fmt.Errorf("failed to start pool controller: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errChan := make(chan error, 2)

	go func() {
		if err := a.apiServer.Start(runCtx); err != nil {
			errChan <- err
		}
	}()

	if a.metricsSrv != nil {
		go func() {
			if err := a.metricsSrv.Start(); err != nil {
				errChan <- fmt.Errorf("metrics server failed: %w", err)
			}
		}()
	}

	logger.Info("agent running",
		logger.KeyPool, a.cfg.Pool.ID,
		logger.KeyHostID, a.cfg.Pool.HostID,
		"api_port", a.cfg.API.Port)

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case err := <-errChan:
		logger.Error("server failed, shutting down", logger.KeyError, err)
		runErr = err
	}
	cancel()

	a.shutdown()
	return runErr
}

// shutdown tears the agent down in reverse start order: servers first so no
// new operations arrive, then the pool controller, which releases the SPM
// role if held.
func (a *Agent) shutdown() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer cancel()

	if err := a.apiServer.Stop(shutdownCtx); err != nil {
		logger.Error("API server stop failed", logger.KeyError, err)
	}
	if a.metricsSrv != nil {
		if err := a.metricsSrv.Stop(); err != nil {
			logger.Error("metrics server stop failed", logger.KeyError, err)
		}
	}

	if err := a.controller.Shutdown(shutdownCtx); err != nil {
		logger.Error("pool controller shutdown failed", logger.KeyError, err)
	}

	logger.Info("agent stopped")
}
