package store

import (
	"context"
	"errors"
	"time"
)

// Common errors returned by store implementations. Backend-specific
// errors are mapped to these so callers never depend on the backend.
var (
	// ErrKeyNotFound is returned when a key does not exist.
	ErrKeyNotFound = errors.New("key not found")

	// ErrKeyExists is returned by PutIfAbsent when the key is already
	// present.
	ErrKeyExists = errors.New("key already exists")
)

// Store defines the interface for distributed key/value storage. It backs
// the branch job registry, so the conditional write must be atomic with
// respect to all concurrent callers across the cluster.
type Store interface {
	// Put stores a value with an optional TTL.
	// If ttl is 0, the key will not expire.
	Put(ctx context.Context, key string, value interface{}, ttl time.Duration) error

	// PutIfAbsent stores a value only if the key does not exist. It
	// returns ErrKeyExists when the key is already present. This is the
	// single atomic conditional write the registry builds on.
	PutIfAbsent(ctx context.Context, key string, value interface{}, ttl time.Duration) error

	// Get retrieves a value for the given key.
	// Returns ErrKeyNotFound if the key does not exist.
	Get(ctx context.Context, key string) (interface{}, error)

	// Delete removes a value for the given key.
	// Returns nil if the key doesn't exist (idempotent operation).
	Delete(ctx context.Context, key string) error

	// Exists checks if a key exists in the store.
	Exists(ctx context.Context, key string) (bool, error)

	// Ping verifies connectivity to the store.
	// This is used for health checks.
	Ping(ctx context.Context) error

	// Stats returns current statistics about the store.
	Stats(ctx context.Context) (*StoreStats, error)

	// Close gracefully shuts down the store connection. For embedded
	// stores this also leaves the cluster properly.
	Close(ctx context.Context) error
}

// StoreStats represents statistics about the distributed store.
type StoreStats struct {
	// ClusterMembers is the number of active members in the cluster.
	ClusterMembers int

	// PartitionCount is the total number of partitions in the cluster.
	PartitionCount int

	// BackupCount is the number of backup replicas for partitions.
	BackupCount int

	// ReplicationFactor is the number of copies of each partition,
	// primary included.
	ReplicationFactor int

	// TotalKeys is the total number of keys stored across all partitions.
	TotalKeys int64

	// MemoryUsage is the total memory used by the store in bytes.
	MemoryUsage int64
}
