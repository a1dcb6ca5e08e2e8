package bootstrap

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/target/strato-go/config"
	"github.com/target/strato-go/internal/adapters/detect"
	"github.com/target/strato-go/internal/adapters/entra"
	"github.com/target/strato-go/internal/adapters/oidcverify"
	"github.com/target/strato-go/internal/adapters/okta"
	"github.com/target/strato-go/internal/adapters/pingid"
	"github.com/target/strato-go/internal/cryptoutil"
	"github.com/target/strato-go/internal/observability/statsd"
	"github.com/target/strato-go/internal/ports"
	"github.com/target/strato-go/internal/request"
	"github.com/target/strato-go/internal/service"
	"github.com/target/strato-go/internal/transport"
)

// App is the fully wired client: the orchestrator signs in, the manager owns
// the session, and the engine executes API calls against it.
type App struct {
	Config       config.AppConfig
	Orchestrator *service.Orchestrator
	Sessions     *service.Manager
	Engine       *request.Engine

	metrics *statsd.Client
}

// AppOptions carries the pieces the environment cannot supply.
type AppOptions struct {
	Config   config.AppConfig
	Prompter ports.Prompter
	Logger   *slog.Logger
}

// NewApp assembles the client stack. The flow client carries a cookie jar
// and leaves redirects to the orchestrator; the API client follows them.
func NewApp(opts AppOptions) (*App, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg := opts.Config
	cfg.Sanitize()

	flowClient, err := transport.NewClient(transport.ClientConfig{
		Timeout:             cfg.Engine.RequestTimeout,
		DialTimeout:         10 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		IdleConnTimeout:     90 * time.Second,
		FollowRedirects:     false,
		WithCookieJar:       true,
	})
	if err != nil {
		return nil, fmt.Errorf("build flow client: %w", err)
	}

	apiClient, err := transport.NewClient(transport.DefaultClientConfig())
	if err != nil {
		return nil, fmt.Errorf("build api client: %w", err)
	}

	metrics, err := statsd.NewClient(statsd.Config{
		Enabled: cfg.Observability.Metrics.IsEnabled(),
		Address: cfg.Observability.Metrics.StatsdAddress,
		Prefix:  cfg.Observability.Metrics.Prefix,
		Logger:  logger,
	})
	if err != nil {
		logger.Warn("metrics sink unavailable; continuing without metrics", "error", err)
	}

	sealer, err := cryptoutil.NewProcessSealer()
	if err != nil {
		return nil, fmt.Errorf("build secret sealer: %w", err)
	}

	var verifier ports.TokenVerifier = oidcverify.Noop{}
	if cfg.Engine.VerifyIDToken {
		verifier = oidcverify.New(oidcverify.Options{
			IssuerURL: cfg.Endpoints.SSOURL,
			Client:    apiClient,
			Logger:    logger,
		})
	}

	sessions, err := service.NewManager(service.ManagerOptions{
		Client:    flowClient,
		Endpoints: cfg.Endpoints,
		Engine:    cfg.Engine,
		Sealer:    sealer,
		Verifier:  verifier,
		Metrics:   metrics,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}

	targets := request.NewTargets(cfg.Endpoints)
	engine, err := request.NewEngine(request.Options{
		Client:  apiClient,
		Source:  sessions,
		Targets: targets,
		Engine:  cfg.Engine,
		Logger:  logger,
		Metrics: metrics,
	})
	if err != nil {
		return nil, err
	}
	sessions.Bind(engine)

	orchestrator, err := service.NewOrchestrator(service.OrchestratorOptions{
		Client:    flowClient,
		Endpoints: cfg.Endpoints,
		Engine:    cfg.Engine,
		Adapters:  buildAdapters(flowClient, opts.Prompter, logger),
		Detector:  detect.New(),
		Prompter:  opts.Prompter,
		Sessions:  sessions,
		Targets:   targets,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}

	return &App{
		Config:       cfg,
		Orchestrator: orchestrator,
		Sessions:     sessions,
		Engine:       engine,
		metrics:      metrics,
	}, nil
}

// Close releases background resources. Session teardown is separate and
// explicit.
func (a *App) Close() error {
	return a.metrics.Close()
}

func buildAdapters(client *http.Client, prompter ports.Prompter, logger *slog.Logger) map[ports.ProviderKind]ports.IdPAdapter {
	return map[ports.ProviderKind]ports.IdPAdapter{
		ports.ProviderOkta:   okta.New(okta.Options{Client: client, Prompter: prompter, Logger: logger}),
		ports.ProviderEntra:  entra.New(entra.Options{Client: client, Logger: logger}),
		ports.ProviderPingID: pingid.New(pingid.Options{Client: client, Prompter: prompter, Logger: logger}),
	}
}
