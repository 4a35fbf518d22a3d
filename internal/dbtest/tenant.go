package dbtest

import (
	"context"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/go-twinstack/go-twinstack/neo4jstore"
)

// SetupTenant bootstraps a disposable tenant database on the given driver and
// returns its name. Each call yields a fresh tenant, so tests sharing one
// container never observe each other's documents.
//
// The tenant database is not dropped during cleanup; the whole container is
// torn down by SetupNeo4j, which is both faster and more reliable than
// dropping databases one by one.
func SetupTenant(t *testing.T, driver neo4j.DriverWithContext) string {
	t.Helper()

	// Neo4j database names must start with a letter and stay within ASCII
	// letters, digits, dots and dashes.
	tenant := "test-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]

	if err := neo4jstore.BootstrapTenant(context.Background(), driver, tenant); err != nil {
		t.Fatal("Failed to bootstrap tenant database:", err)
	}
	t.Logf("Bootstrapped tenant database %q", tenant)
	return tenant
}
