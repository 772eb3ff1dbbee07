package startup_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/Ramsey-B/fern/pkg/startup"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

func TestStartupOrder(t *testing.T) {
	var order []string
	record := func(name string) func(context.Context) error {
		return func(context.Context) error {
			order = append(order, name)
			return nil
		}
	}

	s := startup.NewStartup(testLogger(), 1)
	s.AddDependency(startup.Func{Name: "api", Requires: []string{"migrations", "redis"}, StartFunc: record("api")})
	s.AddDependency(startup.Func{Name: "migrations", Requires: []string{"database"}, StartFunc: record("migrations")})
	s.AddDependency(startup.Func{Name: "database", StartFunc: record("database")})
	s.AddDependency(startup.Func{Name: "redis", StartFunc: record("redis")})

	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, []string{"database", "migrations", "redis", "api"}, order)
	assert.Equal(t, startup.StartupStatusStarted, s.Status("api"))

	order = nil
	s2 := startup.NewStartup(testLogger(), 1)
	s2.AddDependency(startup.Func{Name: "a", StopFunc: record("a")})
	s2.AddDependency(startup.Func{Name: "b", Requires: []string{"a"}, StopFunc: record("b")})
	require.NoError(t, s2.Start(context.Background()))
	require.NoError(t, s2.Stop(context.Background()))
	assert.Equal(t, []string{"b", "a"}, order)
}

func TestStartupRetries(t *testing.T) {
	calls := 0
	s := startup.NewStartup(testLogger(), 3).WithBackoffUnit(time.Millisecond)
	s.AddDependency(startup.Func{Name: "database", StartFunc: func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("connection refused")
		}
		return nil
	}})

	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, 3, calls)
}

func TestStartupGivesUp(t *testing.T) {
	s := startup.NewStartup(testLogger(), 2).WithBackoffUnit(time.Millisecond)
	s.AddDependency(startup.Func{Name: "database", StartFunc: func(context.Context) error {
		return errors.New("connection refused")
	}})

	err := s.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 2 attempts")
	assert.Equal(t, startup.StartupStatusFailed, s.Status("database"))
}

func TestStartupUnknownDependency(t *testing.T) {
	s := startup.NewStartup(testLogger(), 1)
	s.AddDependency(startup.Func{Name: "api", Requires: []string{"ghost"}})

	err := s.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ghost")
}
