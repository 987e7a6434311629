package cli

import (
	"context"
	"fmt"
	"log/slog"

	"influence/internal/models"
	"influence/internal/platform/config"
	"influence/internal/resilience"
	"influence/internal/sources"
	"influence/internal/sources/contributions"
	"influence/internal/sources/financials"
	"influence/internal/sources/grants"
	"influence/internal/sources/lobbying"
	"influence/pkg/platform/strings"
)

func sourceConfigs(s config.SourcesConfig) map[models.SourceID]config.SourceConfig {
	return map[models.SourceID]config.SourceConfig{
		models.SourceContributions: s.Contributions.SourceConfig,
		models.SourceLobbying:      s.Lobbying.SourceConfig,
		models.SourceGrants:        s.Grants.SourceConfig,
		models.SourceFinancials:    s.Financials.SourceConfig,
	}
}

// policyFor overrides the default policy with every positive value of sc.
func policyFor(sc config.SourceConfig) resilience.Policy {
	p := resilience.DefaultPolicy()
	if sc.MaxAttempts > 0 {
		p.MaxAttempts = sc.MaxAttempts
	}
	if sc.BaseDelay > 0 {
		p.BaseDelay = sc.BaseDelay
	}
	if sc.MaxDelay > 0 {
		p.MaxDelay = sc.MaxDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if sc.FailureThreshold > 0 {
		p.FailureThreshold = sc.FailureThreshold
	}
	if sc.FailureWindow > 0 {
		p.FailureWindow = sc.FailureWindow
	}
	if sc.OpenDuration > 0 {
		p.OpenDuration = sc.OpenDuration
	}
	if sc.Timeout > 0 {
		p.Timeout = sc.Timeout
	}
	if sc.RequestsPerSecond > 0 {
		p.RequestsPerSecond = sc.RequestsPerSecond
	}
	if sc.Burst > 0 {
		p.Burst = sc.Burst
	}
	return p
}

// buildAdapters registers one adapter per source. Sources without an API
// key get their fixture adapter.
func buildAdapters(cfg config.SourcesConfig, client sources.Doer, logger *slog.Logger) (*sources.Registry, error) {
	foundations := make([]grants.Foundation, 0, len(cfg.Grants.Foundations))
	for _, f := range cfg.Grants.Foundations {
		foundations = append(foundations, grants.Foundation{EIN: f.EIN, Company: f.Company})
	}

	builders := []func() (sources.Adapter, error){
		func() (sources.Adapter, error) {
			return contributions.New(contributions.Config{
				BaseURL:      cfg.Contributions.BaseURL,
				APIKey:       cfg.Contributions.APIKey,
				CommitteeIDs: strings.DedupeAndTrim(cfg.Contributions.CommitteeIDs),
			}, client, logger)
		},
		func() (sources.Adapter, error) {
			return lobbying.New(lobbying.Config{
				BaseURL:    cfg.Lobbying.BaseURL,
				APIKey:     cfg.Lobbying.APIKey,
				ClientName: cfg.Lobbying.ClientName,
				Year:       cfg.Lobbying.Year,
			}, client, logger)
		},
		func() (sources.Adapter, error) {
			return grants.New(grants.Config{
				BaseURL:       cfg.Grants.BaseURL,
				APIKey:        cfg.Grants.APIKey,
				Foundations:   foundations,
				Year:          cfg.Grants.Year,
				MaxGrantPages: cfg.Grants.MaxGrantPages,
			}, client, logger)
		},
		func() (sources.Adapter, error) {
			return financials.New(financials.Config{
				BaseURL: cfg.Financials.BaseURL,
				APIKey:  cfg.Financials.APIKey,
				CIKs:    strings.DedupeAndTrim(cfg.Financials.CIKs),
				Year:    cfg.Financials.Year,
			}, client, logger)
		},
	}

	registry := sources.NewRegistry()
	for _, build := range builders {
		a, err := build()
		if err != nil {
			return nil, err
		}
		if err := registry.Register(a); err != nil {
			return nil, fmt.Errorf("register adapter: %w", err)
		}
		logger.DebugContext(context.Background(), "adapter registered", "source", a.Source(), "live", a.IsConfigured())
	}
	return registry, nil
}
