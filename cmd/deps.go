package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/dk8moore/dr-website/internal/config"
	"github.com/dk8moore/dr-website/internal/driver"
	"github.com/dk8moore/dr-website/internal/metrics"
	"github.com/dk8moore/dr-website/internal/output"
	"github.com/dk8moore/dr-website/internal/repository"
	"github.com/dk8moore/dr-website/internal/service"
	"github.com/dk8moore/dr-website/internal/telemetry"
)

const (
	serviceName      = "drctl"
	storePingTimeout = 5 * time.Second
)

// deps holds the wired session stack for one command invocation
type deps struct {
	printer     *output.Printer
	registry    *prometheus.Registry
	metrics     *metrics.Collector
	repo        repository.TokenRepository
	fileRepo    *repository.EnvFileTokenRepository
	client      *driver.APIClient
	coordinator *service.RefreshCoordinator
	validator   *service.TokenValidator
	channel     *driver.VerificationChannel
	session     *service.SessionManager

	closers []func() error
}

// newDeps builds the token store, API client, refresh coordinator and session manager from cfg
func newDeps(cmd *cobra.Command) (*deps, error) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	d := &deps{
		printer:  newPrinter(cmd),
		registry: prometheus.NewRegistry(),
	}
	d.metrics = metrics.New(d.registry)

	shutdown, err := telemetry.InitProvider(ctx, telemetry.Config{
		ServiceName:    serviceName,
		ServiceVersion: version,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		Enabled:        cfg.Telemetry.Enabled,
		SampleRatio:    cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	d.closers = append(d.closers, func() error { return shutdown(context.Background()) })

	if err := d.openStore(ctx); err != nil {
		d.Close()
		return nil, err
	}

	d.client = driver.NewAPIClient(driver.APIClientConfig{
		BaseURL:   cfg.API.BaseURL,
		Timeout:   cfg.API.Timeout,
		RateLimit: cfg.API.RateLimit,
		RateBurst: cfg.API.RateBurst,
		Logger:    log,
		Metrics:   d.metrics,
	}, d.repo)

	d.coordinator = service.NewRefreshCoordinator(d.repo, d.client, log)
	d.coordinator.SetMetrics(d.metrics)

	d.validator = service.NewTokenValidator()

	var listener service.VerificationListener
	if cfg.API.WSURL != "" {
		d.channel = driver.NewVerificationChannel(cfg.API.WSURL, log)
		d.channel.SetMetrics(d.metrics)
		listener = d.channel
	}

	d.session = service.NewSessionManager(d.repo, d.validator, d.coordinator, d.client, listener,
		service.SessionConfig{
			RefreshLead:   cfg.Session.RefreshLead,
			CheckInterval: cfg.Session.CheckInterval,
		}, log)
	d.session.SetMetrics(d.metrics)
	d.closers = append(d.closers, d.session.Close)

	transport := d.client.Transport()
	transport.SetRefresher(d.coordinator)
	transport.SetLogoutHandler(d.session.OnForcedLogout)

	return d, nil
}

// openStore selects the token repository for the configured backend
func (d *deps) openStore(ctx context.Context) error {
	switch cfg.Store.Backend {
	case config.BackendFile:
		d.fileRepo = repository.NewEnvFileTokenRepository(cfg.Store.FilePath, log)
		d.repo = d.fileRepo
	case config.BackendMemory:
		repo, err := repository.NewMemoryTokenRepository()
		if err != nil {
			return fmt.Errorf("failed to create memory store: %w", err)
		}
		d.repo = repo
	case config.BackendRedis:
		repo, err := repository.NewRedisTokenRepository(cfg.Store.RedisURL, cfg.Store.RedisKey, log)
		if err != nil {
			return fmt.Errorf("failed to connect to redis store: %w", err)
		}
		d.closers = append(d.closers, repo.Close)
		pingCtx, cancel := context.WithTimeout(ctx, storePingTimeout)
		defer cancel()
		if err := repo.Ping(pingCtx); err != nil {
			return fmt.Errorf("failed to reach redis store: %w", err)
		}
		d.repo = repo
	case config.BackendKubernetes:
		repo, err := repository.NewKubernetesSecretRepository(cfg.Store.KubernetesNamespace, cfg.Store.KubernetesSecret, log)
		if err != nil {
			return fmt.Errorf("failed to create kubernetes store: %w", err)
		}
		d.repo = repo
	default:
		return fmt.Errorf("unsupported store backend: %s", cfg.Store.Backend)
	}

	log.Debug("Token store opened", "backend", cfg.Store.Backend)
	return nil
}

// storeDescription names the backend and, when known, where it keeps the pair
func (d *deps) storeDescription() string {
	if loc := repository.Location(d.repo); loc != "" {
		return fmt.Sprintf("%s (%s)", cfg.Store.Backend, loc)
	}
	return cfg.Store.Backend
}

// Close releases resources in reverse order of acquisition
func (d *deps) Close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			log.Debug("Failed to release resource", "error", err)
		}
	}
	d.closers = nil
}

// withDeps runs fn with a freshly wired stack and releases it afterwards
func withDeps(cmd *cobra.Command, fn func(ctx context.Context, d *deps) error) error {
	d, err := newDeps(cmd)
	if err != nil {
		return &output.CLIError{
			Summary:    "failed to initialize session client",
			Detail:     err.Error(),
			Suggestion: "Check the store settings with 'drctl config'",
			ExitCode:   output.ExitConfigError,
			Err:        err,
		}
	}
	defer d.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return fn(ctx, d)
}
