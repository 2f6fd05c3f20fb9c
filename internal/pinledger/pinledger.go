// Package pinledger keeps an optional Redis-backed record of every pin this
// worker has made: when it was pinned, how sync to the wider network is
// going, and whether a supernode has verified it. The worker runs fine
// without it; a nil *Ledger is a no-op.
package pinledger

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// SyncStatus tracks how far a pinned CID has propagated.
type SyncStatus string

const (
	SyncPending SyncStatus = "pending"
	SyncSyncing SyncStatus = "syncing"
	SyncSynced  SyncStatus = "synced"
	SyncFailed  SyncStatus = "failed"
)

// Entry is one pinned CID's ledger record.
type Entry struct {
	Hash              string
	JobID             string
	ContentType       string
	SizeBytes         int64
	PinTimestamp      time.Time
	LastSyncAttempt   time.Time
	SyncAttempts      int
	SyncStatus        SyncStatus
	SupernodeVerified bool
	Metadata          string
}

// Stats summarizes ledger contents by sync status.
type Stats struct {
	Total    int64
	ByStatus map[SyncStatus]int64
}

type Config struct {
	Addr      string
	Username  string
	Password  string
	DB        int
	KeyPrefix string
	Logger    *slog.Logger
}

// Ledger wraps the Redis client. Keys are one hash per CID plus a set of
// known hashes for enumeration.
type Ledger struct {
	client redis.UniversalClient
	prefix string
	logger *slog.Logger
}

// Open connects to Redis and verifies reachability. Returns an error rather
// than a ledger when the instance cannot be pinged; callers treat that as
// "ledger disabled".
func Open(ctx context.Context, cfg Config) (*Ledger, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, fmt.Errorf("pinledger: redis addr is required")
	}
	prefix := strings.TrimSpace(cfg.KeyPrefix)
	if prefix == "" {
		prefix = "peertide:pins"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:      []string{addr},
		Username:   strings.TrimSpace(cfg.Username),
		Password:   cfg.Password,
		DB:         cfg.DB,
		MaxRetries: 2,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("pinledger: ping redis: %w", err)
	}
	return &Ledger{client: client, prefix: prefix, logger: logger}, nil
}

func (l *Ledger) Close() error {
	if l == nil {
		return nil
	}
	return l.client.Close()
}

func (l *Ledger) entryKey(hash string) string {
	return l.prefix + ":" + hash
}

func (l *Ledger) indexKey() string {
	return l.prefix + ":index"
}

// Record writes or overwrites the ledger entry for a CID.
func (l *Ledger) Record(ctx context.Context, entry Entry) error {
	if l == nil {
		return nil
	}
	if entry.Hash == "" {
		return fmt.Errorf("pinledger: empty hash")
	}
	if entry.SyncStatus == "" {
		entry.SyncStatus = SyncPending
	}
	if entry.PinTimestamp.IsZero() {
		entry.PinTimestamp = time.Now().UTC()
	}
	fields := map[string]any{
		"hash":               entry.Hash,
		"job_id":             entry.JobID,
		"content_type":       entry.ContentType,
		"size_bytes":         entry.SizeBytes,
		"pin_timestamp":      entry.PinTimestamp.Format(time.RFC3339),
		"sync_attempts":      entry.SyncAttempts,
		"sync_status":        string(entry.SyncStatus),
		"supernode_verified": strconv.FormatBool(entry.SupernodeVerified),
		"metadata":           entry.Metadata,
	}
	if !entry.LastSyncAttempt.IsZero() {
		fields["last_sync_attempt"] = entry.LastSyncAttempt.Format(time.RFC3339)
	}
	pipe := l.client.TxPipeline()
	pipe.HSet(ctx, l.entryKey(entry.Hash), fields)
	pipe.SAdd(ctx, l.indexKey(), entry.Hash)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("pinledger: record %s: %w", entry.Hash, err)
	}
	return nil
}

// MarkSync updates the sync status of a pinned CID and bumps the attempt
// counter for non-terminal transitions.
func (l *Ledger) MarkSync(ctx context.Context, hash string, status SyncStatus) error {
	if l == nil {
		return nil
	}
	key := l.entryKey(hash)
	pipe := l.client.TxPipeline()
	pipe.HSet(ctx, key, map[string]any{
		"sync_status":       string(status),
		"last_sync_attempt": time.Now().UTC().Format(time.RFC3339),
	})
	if status == SyncSyncing || status == SyncFailed {
		pipe.HIncrBy(ctx, key, "sync_attempts", 1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("pinledger: mark %s %s: %w", hash, status, err)
	}
	return nil
}

// MarkVerified records supernode verification of a pin.
func (l *Ledger) MarkVerified(ctx context.Context, hash string) error {
	if l == nil {
		return nil
	}
	if err := l.client.HSet(ctx, l.entryKey(hash), "supernode_verified", "true").Err(); err != nil {
		return fmt.Errorf("pinledger: verify %s: %w", hash, err)
	}
	return nil
}

// Get reads one entry; the second return is false when the CID is unknown.
func (l *Ledger) Get(ctx context.Context, hash string) (Entry, bool, error) {
	if l == nil {
		return Entry{}, false, nil
	}
	fields, err := l.client.HGetAll(ctx, l.entryKey(hash)).Result()
	if err != nil {
		return Entry{}, false, fmt.Errorf("pinledger: get %s: %w", hash, err)
	}
	if len(fields) == 0 {
		return Entry{}, false, nil
	}
	return entryFromFields(fields), true, nil
}

// Remove drops a CID from the ledger, used after an explicit unpin.
func (l *Ledger) Remove(ctx context.Context, hash string) error {
	if l == nil {
		return nil
	}
	pipe := l.client.TxPipeline()
	pipe.Del(ctx, l.entryKey(hash))
	pipe.SRem(ctx, l.indexKey(), hash)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("pinledger: remove %s: %w", hash, err)
	}
	return nil
}

// Stats counts ledger entries per sync status.
func (l *Ledger) Stats(ctx context.Context) (Stats, error) {
	stats := Stats{ByStatus: make(map[SyncStatus]int64)}
	if l == nil {
		return stats, nil
	}
	hashes, err := l.client.SMembers(ctx, l.indexKey()).Result()
	if err != nil {
		return stats, fmt.Errorf("pinledger: stats: %w", err)
	}
	stats.Total = int64(len(hashes))
	for _, hash := range hashes {
		status, err := l.client.HGet(ctx, l.entryKey(hash), "sync_status").Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return stats, fmt.Errorf("pinledger: stats for %s: %w", hash, err)
		}
		stats.ByStatus[SyncStatus(status)]++
	}
	return stats, nil
}

func entryFromFields(fields map[string]string) Entry {
	entry := Entry{
		Hash:        fields["hash"],
		JobID:       fields["job_id"],
		ContentType: fields["content_type"],
		SyncStatus:  SyncStatus(fields["sync_status"]),
		Metadata:    fields["metadata"],
	}
	if v, err := strconv.ParseInt(fields["size_bytes"], 10, 64); err == nil {
		entry.SizeBytes = v
	}
	if v, err := strconv.Atoi(fields["sync_attempts"]); err == nil {
		entry.SyncAttempts = v
	}
	if v, err := strconv.ParseBool(fields["supernode_verified"]); err == nil {
		entry.SupernodeVerified = v
	}
	if ts, err := time.Parse(time.RFC3339, fields["pin_timestamp"]); err == nil {
		entry.PinTimestamp = ts
	}
	if ts, err := time.Parse(time.RFC3339, fields["last_sync_attempt"]); err == nil {
		entry.LastSyncAttempt = ts
	}
	return entry
}
