// Package testhelpers starts shared database containers for integration
// tests. Every helper skips under -short because it requires Docker.
package testhelpers

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/ekaya-inc/dbhandler/pkg/config"
)

const (
	MySQLImage    = "mysql:8.4"
	PostgresImage = "postgres:17-alpine"

	testUser     = "dbhandler"
	testPassword = "test_password"
	testDatabase = "dbhandler_test"
)

// TestBackend is a running database container and the backend settings
// that reach it.
type TestBackend struct {
	Container testcontainers.Container
	Backend   config.BackendConfig
}

// Config returns a complete configuration for the backend with small pool
// and retry settings suited to tests.
func (b *TestBackend) Config() *config.Config {
	return &config.Config{
		Backend: b.Backend,
		Pool: config.PoolConfig{
			MinSize:         1,
			MaxSize:         4,
			MaxLifetime:     30 * time.Minute,
			IdleTimeout:     10 * time.Minute,
			AcquireTimeout:  10 * time.Second,
			TestQuery:       "SELECT 1",
			ConnectAttempts: 5,
			ConnectBackoff:  200 * time.Millisecond,
			LeakThreshold:   time.Minute,
		},
		Executor: config.ExecutorConfig{MaxRetries: 3, RetryBackoff: 50 * time.Millisecond},
		Gateway:  config.GatewayConfig{Workers: 2},
		Log:      config.LogConfig{Level: "debug", Development: true},
	}
}

type shared struct {
	once    sync.Once
	backend *TestBackend
	err     error
}

var (
	sharedMySQL    shared
	sharedPostgres shared
)

// GetMySQL returns a shared MySQL container. The container is created once
// and reused across all tests in the run.
func GetMySQL(t *testing.T) *TestBackend {
	t.Helper()
	return get(t, &sharedMySQL, setupMySQL)
}

// GetPostgres returns a shared PostgreSQL container.
func GetPostgres(t *testing.T) *TestBackend {
	t.Helper()
	return get(t, &sharedPostgres, setupPostgres)
}

func get(t *testing.T, s *shared, setup func(context.Context) (*TestBackend, error)) *TestBackend {
	t.Helper()

	if testing.Short() {
		t.Skip("Skipping integration test in short mode (requires Docker)")
	}

	s.once.Do(func() {
		s.backend, s.err = setup(context.Background())
	})
	if s.err != nil {
		t.Fatalf("Failed to setup test database: %v", s.err)
	}
	return s.backend
}

func setupMySQL(ctx context.Context) (*TestBackend, error) {
	req := testcontainers.ContainerRequest{
		Image:        MySQLImage,
		ExposedPorts: []string{"3306/tcp"},
		Env: map[string]string{
			"MYSQL_ROOT_PASSWORD": testPassword,
			"MYSQL_DATABASE":      testDatabase,
			"MYSQL_USER":          testUser,
			"MYSQL_PASSWORD":      testPassword,
		},
		// The entrypoint runs a temporary server first.
		WaitingFor: wait.ForLog("ready for connections").
			WithOccurrence(2).
			WithStartupTimeout(120 * time.Second),
	}
	return start(ctx, req, "3306", config.BackendConfig{
		Kind:     "mysql",
		User:     testUser,
		Password: testPassword,
		Database: testDatabase,
		Charset:  "utf8mb4",
	})
}

func setupPostgres(ctx context.Context) (*TestBackend, error) {
	req := testcontainers.ContainerRequest{
		Image:        PostgresImage,
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_DB":       testDatabase,
			"POSTGRES_USER":     testUser,
			"POSTGRES_PASSWORD": testPassword,
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}
	return start(ctx, req, "5432", config.BackendConfig{
		Kind:     "postgres",
		User:     testUser,
		Password: testPassword,
		Database: testDatabase,
		Params:   map[string]string{"sslmode": "disable"},
	})
}

func start(ctx context.Context, req testcontainers.ContainerRequest, port string, backend config.BackendConfig) (*TestBackend, error) {
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start %s container: %w", req.Image, err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get container host: %w", err)
	}
	mapped, err := container.MappedPort(ctx, nat.Port(port))
	if err != nil {
		return nil, fmt.Errorf("failed to get container port: %w", err)
	}
	n, err := strconv.Atoi(mapped.Port())
	if err != nil {
		return nil, fmt.Errorf("invalid mapped port %q: %w", mapped.Port(), err)
	}

	backend.Host = host
	backend.Port = n
	return &TestBackend{Container: container, Backend: backend}, nil
}
