// Package startup brings service dependencies up in dependency order with
// retry, and tears them down in reverse.
package startup

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/Gobusters/ectologger"
)

// Dependency is one startable unit of the service: a database pool, a
// consumer loop, the HTTP listener.
type Dependency interface {
	Name() string
	DependsOn() []string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

type status int

const (
	statusPending status = iota
	statusStarted
	statusStopped
	statusFailed
)

// Registry starts dependencies in dependency order. A failed attempt retries
// the whole set with fibonacci backoff; dependencies that already started
// are not started twice.
type Registry struct {
	logger       ectologger.Logger
	dependencies map[string]Dependency
	statuses     map[string]status
	maxAttempts  int
}

func NewRegistry(logger ectologger.Logger, maxAttempts int) *Registry {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	return &Registry{
		logger:       logger,
		dependencies: make(map[string]Dependency),
		statuses:     make(map[string]status),
		maxAttempts:  maxAttempts,
	}
}

func (r *Registry) Add(dependency Dependency) {
	r.dependencies[dependency.Name()] = dependency
}

// names returns the registered names in a stable order so start attempts are
// deterministic.
func (r *Registry) names() []string {
	names := make([]string, 0, len(r.dependencies))
	for name := range r.dependencies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) Start(ctx context.Context) error {
	var lastErr error

	a, b := 1, 1
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		r.logger.WithField("attempt", attempt).Infof("Beginning startup attempt %d", attempt)

		lastErr = nil
		for _, name := range r.names() {
			if err := r.start(ctx, r.dependencies[name]); err != nil {
				lastErr = err
				break
			}
		}
		if lastErr == nil {
			return nil
		}
		if attempt == r.maxAttempts {
			return fmt.Errorf("startup failed after %d attempts: %w", attempt, lastErr)
		}

		r.logger.Infof("Retrying in %d seconds (attempt %d/%d)", a, attempt, r.maxAttempts)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(a) * time.Second):
		}
		a, b = b, a+b
	}

	return lastErr
}

func (r *Registry) start(ctx context.Context, dependency Dependency) error {
	if r.statuses[dependency.Name()] == statusStarted {
		return nil
	}

	for _, name := range dependency.DependsOn() {
		upstream, ok := r.dependencies[name]
		if !ok {
			return fmt.Errorf("dependency '%s' requires unknown dependency '%s'", dependency.Name(), name)
		}
		if r.statuses[name] != statusStarted {
			if err := r.start(ctx, upstream); err != nil {
				return err
			}
		}
	}

	r.logger.WithField("dependency", dependency.Name()).Infof("Starting dependency '%s'", dependency.Name())
	if err := dependency.Start(ctx); err != nil {
		r.statuses[dependency.Name()] = statusFailed
		r.logger.WithError(err).Errorf("Failed to start dependency '%s'", dependency.Name())
		return err
	}
	r.statuses[dependency.Name()] = statusStarted
	return nil
}

// Stop tears started dependencies down, dependents before the things they
// depend on.
func (r *Registry) Stop(ctx context.Context) error {
	names := r.names()
	for i, j := 0, len(names)-1; i < j; i, j = i+1, j-1 {
		names[i], names[j] = names[j], names[i]
	}

	var firstErr error
	for _, name := range names {
		if r.statuses[name] != statusStarted {
			continue
		}
		dependency := r.dependencies[name]
		r.logger.WithField("dependency", name).Infof("Stopping dependency '%s'", name)
		if err := dependency.Stop(ctx); err != nil {
			r.logger.WithError(err).Errorf("Failed to stop dependency '%s'", name)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		r.statuses[name] = statusStopped
	}
	return firstErr
}

// Func adapts start/stop closures into a Dependency.
type Func struct {
	DependencyName string
	Requires       []string
	StartFunc      func(ctx context.Context) error
	StopFunc       func(ctx context.Context) error
}

func (f *Func) Name() string        { return f.DependencyName }
func (f *Func) DependsOn() []string { return f.Requires }

func (f *Func) Start(ctx context.Context) error {
	if f.StartFunc == nil {
		return nil
	}
	return f.StartFunc(ctx)
}

func (f *Func) Stop(ctx context.Context) error {
	if f.StopFunc == nil {
		return nil
	}
	return f.StopFunc(ctx)
}
