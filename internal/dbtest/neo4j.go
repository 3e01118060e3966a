// Package dbtest starts database containers for tests. It is not for
// production use.
package dbtest

import (
	"context"
	"flag"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/docker/go-connections/nat"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/log"
	neo4jtest "github.com/testcontainers/testcontainers-go/modules/neo4j"
)

// Neo4jImage is the image SetupNeo4j runs.
const Neo4jImage = "docker.io/neo4j:5"

const neo4jHTTP = nat.Port("7474/tcp")

// Inspect keeps a failed test's container running until it is reaped, so the
// graph can be examined in the browser.
var Inspect = flag.Bool("dbtest.inspect", false, "log connection details of the neo4j container after a failed test")

// SetupNeo4j runs a Neo4j container and returns a driver connected to it.
// Container and driver are released during cleanup of t. The test is skipped
// with -short and marked parallel.
func SetupNeo4j(t *testing.T) neo4j.DriverWithContext {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping container-based test in short mode...")
	}
	t.Parallel()

	ctx := context.Background()
	container, err := neo4jtest.Run(ctx, Neo4jImage,
		testcontainers.WithLogger(log.TestLogger(t)),
		neo4jtest.WithoutAuthentication(),
	)
	if err != nil {
		t.Fatal("Failed to run neo4j container:", err)
	}
	t.Cleanup(func() {
		if t.Failed() && *Inspect {
			return
		}
		if err := container.Terminate(ctx); err != nil {
			t.Error("Failed to terminate neo4j container:", err)
		}
	})

	boltURL, err := container.BoltUrl(ctx)
	if err != nil {
		t.Fatal("Failed to get bolt url:", err)
	}
	httpEndpoint, err := container.PortEndpoint(ctx, neo4jHTTP, "http")
	if err != nil {
		t.Fatal("Failed to get http endpoint:", err)
	}
	t.Cleanup(func() {
		if t.Failed() && *Inspect {
			t.Logf("Container %s kept for inspection: browser %s, bolt %s", container.GetContainerID(), httpEndpoint, boltURL)
		}
	})

	driver, err := neo4j.NewDriverWithContext(boltURL, neo4j.NoAuth())
	if err != nil {
		t.Fatal("Failed to open neo4j driver:", err)
	}
	t.Cleanup(func() {
		if err := driver.Close(ctx); err != nil {
			t.Error("Failed to close neo4j driver:", err)
		}
	})

	// The container may report ready before bolt accepts sessions.
	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(100*time.Millisecond), 5)
	if err := backoff.Retry(func() error { return driver.VerifyConnectivity(ctx) }, backoff.WithContext(b, ctx)); err != nil {
		t.Fatalf("Failed to connect to neo4j after retries: %v", err)
	}
	return driver
}
