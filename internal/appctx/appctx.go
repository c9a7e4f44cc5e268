// Package appctx assembles the process-wide services into one struct,
// so the HTTP server and CLI entrypoint share a single construction
// path and tests can build a fresh context per case rather than relying
// on package-level globals.
package appctx

import (
	"context"

	"github.com/esp32fleet/core/internal/broadcast"
	"github.com/esp32fleet/core/internal/buffer"
	"github.com/esp32fleet/core/internal/config"
	"github.com/esp32fleet/core/internal/fleet"
	"github.com/esp32fleet/core/internal/health"
	"github.com/esp32fleet/core/internal/installlog"
	"github.com/esp32fleet/core/internal/monitor"
	"github.com/esp32fleet/core/internal/ports"
)

// Context bundles every process-wide singleton the HTTP API and CLI
// entrypoint depend on.
type Context struct {
	Config      *config.Service
	Boards      *config.BoardCatalogService
	Broadcaster *broadcast.Broadcaster
	Buffers     *buffer.Manager
	Monitors    *monitor.Manager
	Enumerator  *ports.Enumerator
	InstallLogs *installlog.Ingester
	Health      *health.Monitor
	Fleet       *fleet.Orchestrator
	SPIFFS      *fleet.SPIFFSProxy

	// CORSOrigin is the value echoed in Access-Control-Allow-Origin.
	CORSOrigin string
}

// Options configures New.
type Options struct {
	WorkspaceRoot   string
	ConfigPath      string
	BoardCatalog    string
	InstallLogPath  string
	RingCapacity    int
	BuildToolPath   string
	RuntimeToolPath string
	CORSOrigin      string
}

// New wires every singleton together: the workspace config and board
// catalog are loaded from disk first since the enumerator and
// orchestrator both close over them.
func New(opts Options) (*Context, error) {
	cfgSvc, err := config.Open(opts.ConfigPath, opts.WorkspaceRoot)
	if err != nil {
		return nil, err
	}
	boards, err := config.OpenBoardCatalog(opts.BoardCatalog)
	if err != nil {
		return nil, err
	}

	bc := broadcast.New()
	bm := buffer.NewManager(opts.RingCapacity)
	healthMon := health.NewMonitor()

	enumerator := &ports.Enumerator{ToolPath: opts.RuntimeToolPath, Config: cfgSvc, Catalog: boards}

	ingester := installlog.New(opts.InstallLogPath, bc.Publish, cfgSvc.Nickname)
	if err := ingester.Load(); err != nil {
		return nil, err
	}

	ingest := func(port, line string) {
		ingester.Ingest(port, line)
	}

	monitors := monitor.NewManager(opts.RuntimeToolPath, opts.RuntimeToolPath, boards, bc, bm, ingest)

	orchestrator := fleet.New(opts.BuildToolPath, opts.RuntimeToolPath, cfgSvc, enumerator, monitors)

	corsOrigin := opts.CORSOrigin
	if corsOrigin == "" {
		corsOrigin = "*"
	}

	return &Context{
		Config:      cfgSvc,
		Boards:      boards,
		Broadcaster: bc,
		Buffers:     bm,
		Monitors:    monitors,
		Enumerator:  enumerator,
		InstallLogs: ingester,
		Health:      healthMon,
		Fleet:       orchestrator,
		SPIFFS:      fleet.NewSPIFFSProxy(),
		CORSOrigin:  corsOrigin,
	}, nil
}

// RunHealthObserver subscribes to the broadcaster and feeds every event
// to the health monitor until stop is closed. Run as a background
// goroutine for the server's lifetime.
func (c *Context) RunHealthObserver(stop <-chan struct{}) {
	sub := c.Broadcaster.Subscribe()
	defer c.Broadcaster.Unsubscribe(sub)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()
	for {
		ev, _, ok := sub.Next(ctx)
		if !ok {
			return
		}
		c.Health.Observe(ev)
	}
}

// Close releases resources owned directly by the Context.
func (c *Context) Close() {
	c.Broadcaster.Close()
}
