// Package startup brings process dependencies (database, migrations, redis, kafka) up in dependency order.
package startup

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/Gobusters/ectologger"
)

type StartupDependency interface {
	GetName() string
	DependsOn() []string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

type StartupStatus int

const (
	StartupStatusPending StartupStatus = iota
	StartupStatusStarted
	StartupStatusStopped
	StartupStatusFailed
)

type Startup struct {
	dependencies map[string]StartupDependency
	logger       ectologger.Logger
	statuses     map[string]StartupStatus
	started      []string
	attempt      int
	maxAttempts  int
	// unit is the base of the fibonacci backoff between attempts
	unit time.Duration
}

func NewStartup(logger ectologger.Logger, maxAttempts int) *Startup {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Startup{
		logger:       logger,
		dependencies: make(map[string]StartupDependency),
		statuses:     make(map[string]StartupStatus),
		maxAttempts:  maxAttempts,
		unit:         time.Second,
	}
}

// WithBackoffUnit overrides the one-second base delay between attempts.
func (s *Startup) WithBackoffUnit(unit time.Duration) *Startup {
	s.unit = unit
	return s
}

func (s *Startup) AddDependency(dependency StartupDependency) {
	s.dependencies[dependency.GetName()] = dependency
}

func (s *Startup) Status(name string) StartupStatus {
	return s.statuses[name]
}

func (s *Startup) Start(ctx context.Context) error {
	s.attempt = 0
	var lastErr error

	names := make([]string, 0, len(s.dependencies))
	for name := range s.dependencies {
		names = append(names, name)
	}
	sort.Strings(names)

	a, b := 1, 1
	for s.attempt < s.maxAttempts {
		s.attempt++
		s.logger.WithField("attempt", s.attempt).Infof("Beginning startup attempt %d", s.attempt)

		lastErr = nil
		for _, name := range names {
			if err := s.startDependency(ctx, s.dependencies[name], map[string]bool{}); err != nil {
				s.logger.WithError(err).Errorf("Startup dependency '%s' attempt %d failed", name, s.attempt)
				lastErr = err
				break
			}
		}

		if lastErr == nil {
			return nil
		}

		if s.attempt >= s.maxAttempts {
			break
		}

		wait := time.Duration(a) * s.unit
		s.logger.Infof("Retrying in %s (attempt %d/%d)", wait, s.attempt, s.maxAttempts)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}

		a, b = b, a+b
	}

	return fmt.Errorf("startup failed after %d attempts: %w", s.attempt, lastErr)
}

func (s *Startup) startDependency(ctx context.Context, dependency StartupDependency, visiting map[string]bool) error {
	name := dependency.GetName()
	if s.statuses[name] == StartupStatusStarted {
		return nil
	}
	if visiting[name] {
		return fmt.Errorf("startup dependency cycle at '%s'", name)
	}
	visiting[name] = true

	for _, dependencyName := range dependency.DependsOn() {
		upstream, ok := s.dependencies[dependencyName]
		if !ok {
			return fmt.Errorf("startup dependency '%s' depends on unknown '%s'", name, dependencyName)
		}
		if err := s.startDependency(ctx, upstream, visiting); err != nil {
			return err
		}
	}

	s.logger.WithField("dependency", name).Infof("Starting dependency '%s'", name)
	s.statuses[name] = StartupStatusPending
	if err := dependency.Start(ctx); err != nil {
		s.statuses[name] = StartupStatusFailed
		return err
	}
	s.statuses[name] = StartupStatusStarted
	s.started = append(s.started, name)
	return nil
}

// Stop stops started dependencies in reverse start order.
func (s *Startup) Stop(ctx context.Context) error {
	var firstErr error
	for i := len(s.started) - 1; i >= 0; i-- {
		name := s.started[i]
		s.logger.WithField("dependency", name).Infof("Stopping dependency '%s'", name)
		if err := s.dependencies[name].Stop(ctx); err != nil {
			s.logger.WithError(err).WithField("dependency", name).Errorf("Failed to stop dependency '%s'", name)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		s.statuses[name] = StartupStatusStopped
	}
	s.started = nil
	return firstErr
}

// Func adapts a pair of closures to StartupDependency.
type Func struct {
	Name      string
	Requires  []string
	StartFunc func(ctx context.Context) error
	StopFunc  func(ctx context.Context) error
}

func (f Func) GetName() string {
	return f.Name
}

func (f Func) DependsOn() []string {
	return f.Requires
}

func (f Func) Start(ctx context.Context) error {
	if f.StartFunc == nil {
		return nil
	}
	return f.StartFunc(ctx)
}

func (f Func) Stop(ctx context.Context) error {
	if f.StopFunc == nil {
		return nil
	}
	return f.StopFunc(ctx)
}
