package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/thiago95macedo/webhost/internal/registry"
)

// Checkout brings the working tree to the configured ref
type Checkout interface {
	EnsureCheckout(ctx context.Context, url, ref, destDir string) (string, error)
}

// RegistryLoader reads the current client registry
type RegistryLoader interface {
	Load() (*registry.Registry, error)
}

// Runner deploys one target
type Runner interface {
	Run(ctx context.Context, target registry.Target) (*Result, error)
}

// Source is the repository an unattended pipeline deploys from
type Source struct {
	URL string
	Ref string
	Dir string
}

// Pipeline is the unattended deploy triggered by a push: update the checkout,
// reload the registry, then deploy the configured clients one at a time.
type Pipeline struct {
	checkout Checkout
	registry RegistryLoader
	runner   Runner
	source   Source
	clients  []string
	logger   *slog.Logger
}

// NewPipeline creates a pipeline. runner should be built with a
// pre-confirming asker.
func NewPipeline(checkout Checkout, loader RegistryLoader, runner Runner, source Source, clients []string, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		checkout: checkout,
		registry: loader,
		runner:   runner,
		source:   source,
		clients:  clients,
		logger:   logger,
	}
}

// Deploy runs the pipeline once. A failing client does not stop the others;
// their errors are joined.
func (p *Pipeline) Deploy(ctx context.Context) error {
	p.logger.Info("updating checkout", "repo", p.source.URL, "ref", p.source.Ref, "dest", p.source.Dir)
	commit, err := p.checkout.EnsureCheckout(ctx, p.source.URL, p.source.Ref, p.source.Dir)
	if err != nil {
		return fmt.Errorf("failed to checkout repository: %w", err)
	}
	p.logger.Info("repository checked out", "commit", commit)

	reg, err := p.registry.Load()
	if err != nil {
		return fmt.Errorf("failed to load client registry: %w", err)
	}

	var errs []error
	for _, key := range p.clients {
		target, err := reg.Get(key)
		if err != nil {
			p.logger.Warn("skipping unknown client", "client", key)
			continue
		}
		if !target.Active() {
			p.logger.Warn("skipping inactive client", "client", key)
			continue
		}

		res, err := p.runner.Run(ctx, target)
		if err != nil {
			p.logger.Error("deploy failed", "client", key, "error", err)
			errs = append(errs, fmt.Errorf("client %s: %w", key, err))
			continue
		}
		if res.Failed() > 0 {
			errs = append(errs, fmt.Errorf("client %s: %d of %d uploads failed", key, res.Failed(), len(res.Outcomes)))
		}
	}
	return errors.Join(errs...)
}
