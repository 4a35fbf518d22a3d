package neo4jstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/go-twinstack/go-twinstack"
)

// KnownCollections lists every collection label a tenant database carries.
func KnownCollections() []string {
	return []string{
		twinstack.CollectionAssets,
		twinstack.CollectionDevices,
		twinstack.CollectionMeasures,
		twinstack.CollectionHistory,
		twinstack.CollectionModels,
	}
}

// BootstrapTenant creates the necessary constraints and indexes for the
// tenant's database to be suitable for use as a document store.
//
// Index by document id for optimised lookups, and constraint uniqueness by
// document id to prevent duplicate documents (caused by concurrent writes).
//
// To execute queries against the created database, open a session with the
// database name as the default database. For example:
//
//	s := d.NewSession(ctx, neo4j.SessionConfig{DatabaseName: tenant})
//	defer func() { _ = s.Close(ctx) }()
//	... use s ...
//
// This function is idempotent.
func BootstrapTenant(ctx context.Context, d neo4j.DriverWithContext, tenant string) error {
	if err := createDatabase(ctx, d, tenant); err != nil {
		return fmt.Errorf("create database: %w", err)
	}

	s := d.NewSession(ctx, neo4j.SessionConfig{DatabaseName: tenant})
	defer func() { _ = s.Close(ctx) }()

	// create constraints and indexes for all known collection labels
	_, err := s.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (interface{}, error) {
		for _, collection := range KnownCollections() {
			// we use key constraint instead of uniqueness constraint because we
			// can (it is only available in the enterprise edition).
			_, err := s.Run(ctx, `
				CREATE CONSTRAINT IF NOT EXISTS
				FOR (n:`+label(collection)+`)
				REQUIRE n._docId IS NODE KEY
			`, nil)
			if err != nil {
				return nil, fmt.Errorf("key constraint: collection %v: %w", collection, err)
			}
		}
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("create constraints: %w", err)
	}
	return s.Close(ctx)
}

func createDatabase(ctx context.Context, d neo4j.DriverWithContext, name string) error {
	if name == "" {
		panic("neo4jstore: database name must not be empty")
	}
	if name == "neo4j" {
		panic("neo4jstore: database name must not be neo4j: reserved for system database")
	}
	if strings.HasPrefix(name, "system") || strings.HasPrefix(name, "_") {
		panic("neo4jstore: Names that begin with an underscore and with the prefix system are reserved for internal use")
	}

	s := d.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer func() { _ = s.Close(ctx) }()

	// create a new database if it does not exist
	_, err := s.Run(ctx, `
			CREATE DATABASE $name IF NOT EXISTS
		`, map[string]interface{}{
		"name": name,
	})
	return err
}
