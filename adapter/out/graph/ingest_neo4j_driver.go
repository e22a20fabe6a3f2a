// Package graph implements the classification repository on Neo4j.
package graph

import (
	"context"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// NewDriver creates a Neo4j driver and verifies connectivity.
func NewDriver(url, username, password string) (neo4j.DriverWithContext, error) {
	auth := neo4j.NoAuth()
	if username != "" && password != "" {
		auth = neo4j.BasicAuth(username, password, "")
	}

	driver, err := neo4j.NewDriverWithContext(url, auth)
	if err != nil {
		return nil, fmt.Errorf("failed to create Neo4j driver: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := driver.VerifyConnectivity(ctx); err != nil {
		driver.Close(ctx)
		return nil, fmt.Errorf("failed to verify Neo4j connectivity: %w", err)
	}

	return driver, nil
}

func getStringValue(record *neo4j.Record, key string) string {
	if val, ok := record.Get(key); ok && val != nil {
		if s, ok := val.(string); ok {
			return s
		}
	}
	return ""
}

func getInt64Value(record *neo4j.Record, key string) int64 {
	if val, ok := record.Get(key); ok && val != nil {
		switch v := val.(type) {
		case int64:
			return v
		case int:
			return int64(v)
		case float64:
			return int64(v)
		}
	}
	return 0
}

func getFloatValue(record *neo4j.Record, key string) float64 {
	if val, ok := record.Get(key); ok && val != nil {
		switch v := val.(type) {
		case float64:
			return v
		case int64:
			return float64(v)
		}
	}
	return 0
}

func getBoolValue(record *neo4j.Record, key string) bool {
	if val, ok := record.Get(key); ok && val != nil {
		if b, ok := val.(bool); ok {
			return b
		}
	}
	return false
}

func isNull(record *neo4j.Record, key string) bool {
	val, ok := record.Get(key)
	return !ok || val == nil
}

// Timestamps are stored as Unix nanoseconds so ordering is exact.
func getTimeValue(record *neo4j.Record, key string) time.Time {
	return time.Unix(0, getInt64Value(record, key)).UTC()
}

func getOptionalTime(record *neo4j.Record, key string) *time.Time {
	if isNull(record, key) {
		return nil
	}
	t := getTimeValue(record, key)
	return &t
}

func optionalNanos(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}
