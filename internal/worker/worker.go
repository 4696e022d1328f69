// Package worker is the Design Notes §9 wiring layer: it builds every
// process-wide singleton spec.md describes (the Session Controller, the
// Watchdog, the Signaling Client Set, the REST Endpoint, the Signal/
// Lifecycle Handler) behind one Worker value and runs them under a
// thejerf/suture supervision tree, so a per-host signaling session or the
// REST listener restarts on failure without taking the rest of the process
// down with it (spec.md §9: "per-host signaling clients, the REST endpoint,
// the Watchdog, and the Signal/Lifecycle handler each run as an
// independently-restartable service").
package worker

import (
	"context"
	"crypto/tls"
	"fmt"

	"github.com/thejerf/suture/v4"

	"github.com/jitsi/jibri/internal/archive"
	"github.com/jitsi/jibri/internal/archive/providers"
	"github.com/jitsi/jibri/internal/audit"
	"github.com/jitsi/jibri/internal/browser"
	"github.com/jitsi/jibri/internal/config"
	"github.com/jitsi/jibri/internal/controller"
	"github.com/jitsi/jibri/internal/errorkind"
	"github.com/jitsi/jibri/internal/health"
	"github.com/jitsi/jibri/internal/lifecycle"
	"github.com/jitsi/jibri/internal/logging"
	"github.com/jitsi/jibri/internal/mtls"
	"github.com/jitsi/jibri/internal/rest"
	"github.com/jitsi/jibri/internal/scripts"
	"github.com/jitsi/jibri/internal/signaling"
	"github.com/jitsi/jibri/internal/supervisor"
	"github.com/jitsi/jibri/internal/watchdog"

	azblob "github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
)

var log = logging.L("worker")

// Worker owns every process-wide singleton and the suture supervision tree
// that runs them.
type Worker struct {
	cfg   *config.Config
	audit *audit.Trail
	ctrl  *controller.Controller
	wd    *watchdog.Watchdog
	rest  *rest.Server

	clients []*signaling.Client
	super   *suture.Supervisor
	cancel  context.CancelFunc
	handler *lifecycle.Handler
}

// serviceFunc adapts a plain func(ctx) error to suture.Service, for the
// components (Watchdog.Run, rest.Server.Serve) whose own signature predates
// being run under a supervision tree.
type serviceFunc func(ctx context.Context) error

func (f serviceFunc) Serve(ctx context.Context) error { return f(ctx) }

// New builds the full worker from a loaded, validated Config. Nothing
// starts running until Run is called.
func New(cfg *config.Config) (*Worker, error) {
	auditTrail, err := audit.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("open audit trail: %w", err)
	}

	catalog := scripts.NewCatalog("")
	sup := supervisor.New(catalog, supervisor.DefaultPaths())

	archiver := newArchiveManager(cfg)

	// Design Notes §9 / DESIGN.md: the Controller creates a fresh driver
	// per session via newDriver, but the Watchdog is constructed once with
	// a single fixed driver. Since at most one session runs at a time (the
	// RecordingSlot serializes them) and the Browser Driver Adapter's own
	// contract is "owns exactly one browser session at a time", newDriver
	// always returns the same shared singleton rather than constructing a
	// new one per session.
	sharedDriver := browser.NewCDPDriver(cfg.ChromeDebuggerURL, catalog)
	newDriver := func() browser.Driver { return sharedDriver }

	healthMonitor := health.NewMonitor()

	// wd.stop calls back into ctrl, which isn't constructed until after wd
	// is (controller.New takes the Watchdog as a dependency) — the closure
	// defers the lookup until the Watchdog actually fires it, by which
	// point ctrl below is always assigned.
	var ctrl *controller.Controller
	wd := watchdog.New(sup, sharedDriver, healthMonitor, func(sessionID string, kind errorkind.Kind) {
		ctrl.Stop(sessionID, kind)
	})

	ctrl = controller.New(sup, newDriver, wd, auditTrail, archiver)

	var tlsConfig *tls.Config
	if cfg.MTLSCertPEM != "" {
		tlsConfig, err = mtls.BuildTLSConfig(cfg.MTLSCertPEM, cfg.MTLSKeyPEM)
		if err != nil {
			log.Warn("failed to build mTLS config, continuing without it", "error", err)
			tlsConfig = nil
		}
	}

	clientConfigs := config.ResolveClientConfigs(cfg)
	clients := make([]*signaling.Client, 0, len(clientConfigs))
	for _, cc := range clientConfigs {
		c := signaling.New(cc, ctrl, tlsConfig)
		ctrl.RegisterClient(c)
		clients = append(clients, c)
	}

	restClients := make([]rest.ClientStatus, len(clients))
	for i, c := range clients {
		restClients[i] = c
	}
	restServer := rest.New(ctrl, cfg.RESTToken, restClients, healthMonitor)

	return &Worker{
		cfg:     cfg,
		audit:   auditTrail,
		ctrl:    ctrl,
		wd:      wd,
		rest:    restServer,
		clients: clients,
	}, nil
}

// newArchiveManager registers every archive provider this worker's config
// has credentials for. A provider named by a ClientConfig but never
// registered here fails loudly at upload time rather than silently.
func newArchiveManager(cfg *config.Config) *archive.Manager {
	m := archive.NewManager()
	m.Register("local", providers.NewLocalProvider(cfg.RecordingDirectory))

	if cfg.ArchiveRegion != "" {
		if p, err := providers.NewS3Provider(context.Background(), cfg.ArchiveBucket, cfg.ArchiveRegion); err != nil {
			log.Warn("failed to configure s3 archive provider", "error", err)
		} else {
			m.Register("s3", p)
		}
	}

	if cfg.ArchiveAzureAccountURL != "" && cfg.ArchiveAzureAccountName != "" {
		cred, err := azblob.NewSharedKeyCredential(cfg.ArchiveAzureAccountName, cfg.ArchiveAzureAccountKey)
		if err != nil {
			log.Warn("failed to build azure shared key credential", "error", err)
		} else if p, err := providers.NewAzureProvider(cfg.ArchiveAzureAccountURL, *cred); err != nil {
			log.Warn("failed to configure azure archive provider", "error", err)
		} else {
			m.Register("azure", p)
		}
	}

	if cfg.ArchiveB2Account != "" {
		if p, err := providers.NewB2Provider(context.Background(), cfg.ArchiveB2Account, cfg.ArchiveB2Key); err != nil {
			log.Warn("failed to configure b2 archive provider", "error", err)
		} else {
			m.Register("b2", p)
		}
	}

	if p, err := providers.NewGCSProvider(context.Background()); err != nil {
		log.Debug("gcs archive provider unavailable, skipping", "error", err)
	} else {
		m.Register("gcs", p)
	}

	return m
}

// Run builds the suture supervision tree and serves it until ctx is
// canceled or the Signal/Lifecycle Handler ends the process (spec.md §9).
func (w *Worker) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	w.super = suture.NewSimple("jibri")

	w.super.Add(serviceFunc(func(ctx context.Context) error {
		w.wd.Run(ctx)
		return nil
	}))

	w.super.Add(serviceFunc(func(ctx context.Context) error {
		return w.rest.Serve(ctx, w.cfg.RESTBindAddr)
	}))

	for _, c := range w.clients {
		w.super.Add(serviceFunc(c.Run))
	}

	sinks := make([]lifecycle.ClientSink, len(w.clients))
	for i, c := range w.clients {
		sinks[i] = c
	}
	w.handler = lifecycle.New(w.ctrl, w.wd, sinks, w.cfg.RESTBindAddr, w.cfg.PIDFile, cancel, w.audit)
	w.super.Add(serviceFunc(w.handler.Run))

	w.audit.Record(audit.EventWorkerStart, "", map[string]any{"signalingHosts": len(w.clients)})
	log.Info("worker starting", "signalingHosts", len(w.clients), "restBindAddr", w.cfg.RESTBindAddr)

	return w.super.Serve(runCtx)
}

// ExitCode reports the process exit status the Signal/Lifecycle Handler
// recorded for the last signal it handled. Zero if Run hasn't returned via a
// termination signal yet.
func (w *Worker) ExitCode() int {
	if w.handler == nil {
		return 0
	}
	return w.handler.ExitCode()
}
