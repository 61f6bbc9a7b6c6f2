// Package tester starts throwaway backing services in containers for
// integration tests. Containers are terminated through t.Cleanup.
package tester

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// Endpoint is a started container's mapped address.
type Endpoint struct {
	Host string
	Port string
}

func start(t testing.TB, req testcontainers.ContainerRequest, port string) Endpoint {
	t.Helper()
	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("failed to start %s container: %v", req.Image, err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate %s container: %v", req.Image, err)
		}
	})
	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("failed to get %s host: %v", req.Image, err)
	}
	mapped, err := container.MappedPort(ctx, nat.Port(port))
	if err != nil {
		t.Fatalf("failed to get %s port: %v", req.Image, err)
	}
	return Endpoint{Host: host, Port: mapped.Port()}
}

// Postgres starts Postgres and returns a lib/pq DSN.
func Postgres(t testing.TB) string {
	ep := start(t, testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_DB":       "test_db",
			"POSTGRES_USER":     "test_user",
			"POSTGRES_PASSWORD": "test_password",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").WithOccurrence(2).WithStartupTimeout(time.Minute),
	}, "5432/tcp")
	return fmt.Sprintf("host=%s port=%s user=test_user password=test_password dbname=test_db sslmode=disable", ep.Host, ep.Port)
}

// Redis starts Redis without a password.
func Redis(t testing.TB) Endpoint {
	return start(t, testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(time.Minute),
	}, "6379/tcp")
}

// RabbitMQ starts a broker and returns its AMQP URL.
func RabbitMQ(t testing.TB) string {
	ep := start(t, testcontainers.ContainerRequest{
		Image:        "rabbitmq:3.13-alpine",
		ExposedPorts: []string{"5672/tcp"},
		WaitingFor:   wait.ForLog("Server startup complete").WithStartupTimeout(2 * time.Minute),
	}, "5672/tcp")
	return fmt.Sprintf("amqp://guest:guest@%s:%s/", ep.Host, ep.Port)
}
