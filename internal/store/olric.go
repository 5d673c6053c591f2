package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"time"

	"github.com/hashicorp/logutils"
	"github.com/olric-data/olric"
	"github.com/olric-data/olric/config"
	"go.uber.org/zap"
)

// OlricStore implements the Store interface using the Olric distributed
// key/value store. It runs an embedded Olric server and provides
// replicated storage with atomic conditional writes.
type OlricStore struct {
	config  *OlricConfig
	logger  *zap.Logger
	metrics *OlricMetrics
	db      *olric.Olric
	client  *olric.EmbeddedClient
	dmap    olric.DMap
}

// NewOlricStore creates a new Olric-based store.
// It initializes and starts an embedded Olric server, optionally joining
// a cluster. The metrics parameter may be nil.
func NewOlricStore(ctx context.Context, cfg *OlricConfig, logger *zap.Logger, metrics *OlricMetrics) (*OlricStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid olric configuration: %w", err)
	}

	store := &OlricStore{
		config:  cfg,
		logger:  logger,
		metrics: metrics,
	}

	olricCfg, err := store.createOlricConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to create olric config: %w", err)
	}

	logger.Info("Starting Olric embedded server",
		zap.String("bind_addr", fmt.Sprintf("%s:%d", cfg.BindAddr, cfg.BindPort)),
		zap.Bool("single_node", cfg.IsSingleNode()),
		zap.Strings("join_addrs", cfg.JoinAddrs),
		zap.Int("replication_factor", cfg.ReplicationFactor),
		zap.Uint64("partition_count", cfg.PartitionCount),
	)

	db, err := olric.New(olricCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create olric instance: %w", err)
	}

	if err := db.Start(); err != nil {
		return nil, fmt.Errorf("failed to start olric: %w", err)
	}

	store.db = db

	client := db.NewEmbeddedClient()
	store.client = client

	if err := store.waitForCluster(ctx); err != nil {
		_ = db.Shutdown(context.Background())
		return nil, fmt.Errorf("cluster not ready: %w", err)
	}

	dmap, err := client.NewDMap(cfg.DMapName)
	if err != nil {
		_ = db.Shutdown(context.Background())
		return nil, fmt.Errorf("failed to create dmap: %w", err)
	}
	store.dmap = dmap

	members, err := client.Members(ctx)
	if err != nil {
		logger.Warn("Failed to get members", zap.Error(err))
	}

	logger.Info("Olric store initialized successfully",
		zap.Int("cluster_members", len(members)),
	)

	return store, nil
}

// createOlricConfig creates an Olric configuration from the OlricConfig.
func (s *OlricStore) createOlricConfig() (*config.Config, error) {
	// Olric logs through the standard library logger; filter by level and
	// keep it off stderr unless verbose.
	logFilter := &logutils.LevelFilter{
		Levels:   []logutils.LogLevel{"DEBUG", "INFO", "WARN", "ERROR"},
		MinLevel: logutils.LogLevel(s.config.LogLevel),
		Writer:   io.Discard,
	}
	if s.config.LogLevel == "DEBUG" || s.config.LogLevel == "INFO" {
		logFilter.Writer = os.Stdout
	}

	olricLogger := log.New(logFilter, "", log.LstdFlags)

	c := config.New("lan")
	c.BindAddr = s.config.BindAddr
	c.BindPort = s.config.BindPort
	c.KeepAlivePeriod = s.config.KeepAlivePeriod
	c.PartitionCount = s.config.PartitionCount
	c.ReplicaCount = s.config.ReplicationFactor
	c.ReadQuorum = 1
	c.WriteQuorum = 1
	c.MemberCountQuorum = int32(s.config.MemberCountQuorum)
	c.LogLevel = s.config.LogLevel
	c.Logger = olricLogger
	c.JoinRetryInterval = s.config.JoinRetryInterval
	c.MaxJoinAttempts = s.config.MaxJoinAttempts

	if s.config.ReplicationMode == "sync" {
		c.ReplicationMode = config.SyncReplicationMode
	} else {
		c.ReplicationMode = config.AsyncReplicationMode
	}

	if len(s.config.JoinAddrs) > 0 {
		c.Peers = s.config.JoinAddrs
	}

	return c, nil
}

// waitForCluster waits for the cluster to be ready based on member count
// quorum.
func (s *OlricStore) waitForCluster(ctx context.Context) error {
	if s.config.IsSingleNode() {
		s.logger.Info("Running in single-node mode, cluster ready")
		return nil
	}

	ticker := time.NewTicker(s.config.JoinRetryInterval)
	defer ticker.Stop()

	attempts := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			attempts++

			members, err := s.client.Members(context.Background())
			memberCount := len(members)
			if err != nil {
				s.logger.Warn("Failed to get members", zap.Error(err))
				memberCount = 0
			}

			s.logger.Debug("Waiting for cluster members",
				zap.Int("current_members", memberCount),
				zap.Int("required_members", s.config.MemberCountQuorum),
				zap.Int("attempt", attempts),
			)

			if memberCount >= s.config.MemberCountQuorum {
				s.logger.Info("Cluster member quorum reached",
					zap.Int("member_count", memberCount),
					zap.Int("quorum", s.config.MemberCountQuorum),
				)
				return nil
			}

			if attempts >= s.config.MaxJoinAttempts {
				return fmt.Errorf("max join attempts (%d) reached, only %d/%d members present",
					s.config.MaxJoinAttempts, memberCount, s.config.MemberCountQuorum)
			}
		}
	}
}

// record tracks an operation's outcome for metrics, if metrics are wired.
func (s *OlricStore) record(operation string, start time.Time, err error) {
	if s.metrics == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "failure"
	}
	s.metrics.RecordOperation(operation, status, time.Since(start))
}

// Put stores a value with an optional TTL.
func (s *OlricStore) Put(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	start := time.Now()
	var err error
	if ttl > 0 {
		err = s.dmap.Put(ctx, key, value, olric.EX(ttl))
	} else {
		err = s.dmap.Put(ctx, key, value)
	}
	s.record("put", start, err)
	return err
}

// PutIfAbsent stores a value only if the key does not already exist.
// Olric's NX option makes this a single atomic conditional write on the
// partition owner, which is what keeps concurrent acquisitions safe.
func (s *OlricStore) PutIfAbsent(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	start := time.Now()
	var err error
	if ttl > 0 {
		err = s.dmap.Put(ctx, key, value, olric.NX(), olric.EX(ttl))
	} else {
		err = s.dmap.Put(ctx, key, value, olric.NX())
	}
	if errors.Is(err, olric.ErrKeyFound) {
		s.record("put_nx", start, nil)
		return ErrKeyExists
	}
	s.record("put_nx", start, err)
	return err
}

// Get retrieves a value for the given key.
func (s *OlricStore) Get(ctx context.Context, key string) (interface{}, error) {
	start := time.Now()
	resp, err := s.dmap.Get(ctx, key)
	if err != nil {
		if errors.Is(err, olric.ErrKeyNotFound) {
			s.record("get", start, nil)
			return nil, ErrKeyNotFound
		}
		s.record("get", start, err)
		return nil, err
	}

	var result interface{}
	if err := resp.Scan(&result); err != nil {
		s.record("get", start, err)
		return nil, err
	}
	s.record("get", start, nil)
	return result, nil
}

// Delete removes a value for the given key. Deleting a missing key is
// not an error.
func (s *OlricStore) Delete(ctx context.Context, key string) error {
	start := time.Now()
	_, err := s.dmap.Delete(ctx, key)
	if err != nil && !errors.Is(err, olric.ErrKeyNotFound) {
		s.record("delete", start, err)
		return err
	}
	s.record("delete", start, nil)
	return nil
}

// Exists checks if a key exists in the store.
func (s *OlricStore) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.dmap.Get(ctx, key)
	if err != nil {
		if errors.Is(err, olric.ErrKeyNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Ping verifies connectivity to the store.
func (s *OlricStore) Ping(ctx context.Context) error {
	addr := net.JoinHostPort(s.config.BindAddr, fmt.Sprintf("%d", s.config.BindPort))
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		return fmt.Errorf("failed to connect to olric: %w", err)
	}
	defer conn.Close()

	if s.db == nil {
		return fmt.Errorf("olric db is nil")
	}

	return nil
}

// Stats returns current statistics about the store.
func (s *OlricStore) Stats(ctx context.Context) (*StoreStats, error) {
	stats := &StoreStats{}

	members, err := s.client.Members(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get members: %w", err)
	}
	stats.ClusterMembers = len(members)

	stats.PartitionCount = int(s.config.PartitionCount)
	stats.BackupCount = s.config.BackupCount
	stats.ReplicationFactor = s.config.ReplicationFactor

	return stats, nil
}

// Close gracefully shuts down the store.
func (s *OlricStore) Close(ctx context.Context) error {
	s.logger.Info("Shutting down Olric store")

	if s.db == nil {
		return nil
	}

	if err := s.db.Shutdown(ctx); err != nil {
		s.logger.Error("Error shutting down Olric", zap.Error(err))
		return err
	}

	s.logger.Info("Olric store shut down successfully")
	return nil
}
