// Package jobdb is the direct line to the shared job database. The gateway
// is the normal authority over job state; this package exists for the cases
// where the gateway misbehaves and the worker needs ground truth, a forced
// assignment, or a forced completion.
package jobdb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"peertide/internal/identity"
)

var (
	// ErrNotEnabled is returned by every method when the verifier was not
	// configured or has been closed.
	ErrNotEnabled = errors.New("jobdb: not enabled")
	// ErrConnectionLost is returned after a network-level failure; the
	// caller may Reconnect.
	ErrConnectionLost = errors.New("jobdb: connection lost")
)

// Ownership is the database's answer to "who owns this job".
type Ownership struct {
	Exists      bool
	IsOwned     bool
	ActualOwner string
	Status      string
}

// Record is the subset of a job row the worker reads back.
type Record struct {
	ID          string
	AssignedTo  string
	Status      string
	ResultCID   string
	Progress    float64
	AssignedAt  time.Time
	CompletedAt time.Time
}

type Config struct {
	DSN             string
	MaxConns        int32
	ConnectTimeout  time.Duration
	ApplicationName string
	Logger          *slog.Logger
}

// pool is the slice of pgxpool.Pool the verifier uses; tests substitute a
// fake.
type pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// Verifier wraps the Postgres pool. A nil Verifier is the disabled state;
// all methods return ErrNotEnabled.
type Verifier struct {
	cfg    Config
	logger *slog.Logger

	mu        sync.Mutex
	pool      pool
	connected bool
}

// Open connects to the job database and pings it. Callers that run without
// a database keep a nil *Verifier instead.
func Open(ctx context.Context, cfg Config) (*Verifier, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("jobdb: dsn required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("jobdb: parse dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.ConnectTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}
	pgPool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("jobdb: open pool: %w", err)
	}
	if err := pgPool.Ping(ctx); err != nil {
		pgPool.Close()
		return nil, fmt.Errorf("jobdb: ping: %w", err)
	}
	return &Verifier{cfg: cfg, logger: logger, pool: pgPool, connected: true}, nil
}

func (v *Verifier) Close() {
	if v == nil {
		return
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.pool != nil {
		v.pool.Close()
		v.pool = nil
	}
	v.connected = false
}

// Reconnect re-establishes the pool after a connection loss.
func (v *Verifier) Reconnect(ctx context.Context) error {
	if v == nil {
		return ErrNotEnabled
	}
	v.mu.Lock()
	currentPool := v.pool
	v.mu.Unlock()
	if currentPool == nil {
		return ErrNotEnabled
	}
	if err := currentPool.Ping(ctx); err == nil {
		v.mu.Lock()
		v.connected = true
		v.mu.Unlock()
		return nil
	}
	poolCfg, err := pgxpool.ParseConfig(v.cfg.DSN)
	if err != nil {
		return fmt.Errorf("jobdb: parse dsn: %w", err)
	}
	fresh, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return fmt.Errorf("jobdb: reconnect: %w", err)
	}
	if err := fresh.Ping(ctx); err != nil {
		fresh.Close()
		return fmt.Errorf("jobdb: reconnect ping: %w", err)
	}
	v.mu.Lock()
	v.pool.Close()
	v.pool = fresh
	v.connected = true
	v.mu.Unlock()
	v.logger.Info("job database reconnected")
	return nil
}

// acquire returns the pool or the well-defined failure state.
func (v *Verifier) acquire() (pool, error) {
	if v == nil {
		return nil, ErrNotEnabled
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.pool == nil {
		return nil, ErrNotEnabled
	}
	if !v.connected {
		return nil, ErrConnectionLost
	}
	return v.pool, nil
}

// fail classifies an operation error. Network-level failures flip the
// connected flag so subsequent calls fail fast until Reconnect.
func (v *Verifier) fail(op string, err error) error {
	if isConnectionError(err) {
		v.mu.Lock()
		v.connected = false
		v.mu.Unlock()
		v.logger.Error("job database connection lost", "op", op, "error", err)
		return fmt.Errorf("jobdb: %s: %w", op, ErrConnectionLost)
	}
	return fmt.Errorf("jobdb: %s: %w", op, err)
}

func isConnectionError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return true
	}
	return pgconn.Timeout(err)
}

// VerifyOwnership reads the job row and compares its assignee to ourDID in
// canonical form. Format mismatches that resolve to the same key are logged
// and treated as owned.
func (v *Verifier) VerifyOwnership(ctx context.Context, id, ourDID string) (Ownership, error) {
	p, err := v.acquire()
	if err != nil {
		return Ownership{}, err
	}
	var assignedTo, status *string
	row := p.QueryRow(ctx, `SELECT assigned_to, status FROM jobs WHERE id = $1`, id)
	if err := row.Scan(&assignedTo, &status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Ownership{Exists: false}, nil
		}
		return Ownership{}, v.fail("verify ownership", err)
	}
	result := Ownership{Exists: true}
	if status != nil {
		result.Status = *status
	}
	if assignedTo != nil {
		result.ActualOwner = identity.Canonical(*assignedTo)
		result.IsOwned = identity.SameDID(*assignedTo, ourDID)
		if result.IsOwned && identity.FormatMismatch(*assignedTo, ourDID) {
			v.logger.Warn("job owner DID stored in non-canonical form",
				"job_id", id, "stored", *assignedTo)
		}
	}
	return result, nil
}

// GetJobDetails reads the worker-relevant columns of a job row.
func (v *Verifier) GetJobDetails(ctx context.Context, id string) (Record, bool, error) {
	p, err := v.acquire()
	if err != nil {
		return Record{}, false, err
	}
	var (
		rec         Record
		assignedTo  *string
		status      *string
		resultCID   *string
		progress    *float64
		assignedAt  *time.Time
		completedAt *time.Time
	)
	row := p.QueryRow(ctx, `
		SELECT id, assigned_to, status, result->>'cid', progress, assigned_date, completed_at
		FROM jobs WHERE id = $1`, id)
	if err := row.Scan(&rec.ID, &assignedTo, &status, &resultCID, &progress, &assignedAt, &completedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, false, nil
		}
		return Record{}, false, v.fail("get job details", err)
	}
	if assignedTo != nil {
		rec.AssignedTo = identity.Canonical(*assignedTo)
	}
	if status != nil {
		rec.Status = *status
	}
	if resultCID != nil {
		rec.ResultCID = *resultCID
	}
	if progress != nil {
		rec.Progress = *progress
	}
	if assignedAt != nil {
		rec.AssignedAt = *assignedAt
	}
	if completedAt != nil {
		rec.CompletedAt = *completedAt
	}
	return rec, true, nil
}

// patchColumns is the whitelist for UpdateJob. Anything else in a patch is
// rejected rather than interpolated.
var patchColumns = map[string]struct{}{
	"assigned_to":  {},
	"status":       {},
	"progress":     {},
	"last_pinged":  {},
	"completed_at": {},
	"result":       {},
}

// UpdateJob applies an arbitrary column patch to a job row.
func (v *Verifier) UpdateJob(ctx context.Context, id string, patch map[string]any) error {
	p, err := v.acquire()
	if err != nil {
		return err
	}
	if len(patch) == 0 {
		return nil
	}
	assignments := make([]string, 0, len(patch))
	args := []any{id}
	for column, value := range patch {
		if _, ok := patchColumns[column]; !ok {
			return fmt.Errorf("jobdb: column %q not patchable", column)
		}
		args = append(args, value)
		assignments = append(assignments, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	query := fmt.Sprintf(`UPDATE jobs SET %s WHERE id = $1`, strings.Join(assignments, ", "))
	tag, err := p.Exec(ctx, query, args...)
	if err != nil {
		return v.fail("update job", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("jobdb: update job: no row for %s", id)
	}
	return nil
}

// ForceAssign writes our ownership into the job row directly, for the case
// where the gateway lost the claim but the work must proceed.
func (v *Verifier) ForceAssign(ctx context.Context, id, ourDID string) error {
	p, err := v.acquire()
	if err != nil {
		return err
	}
	tag, err := p.Exec(ctx, `
		UPDATE jobs
		SET assigned_to = $2, status = 'assigned', assigned_date = now(), last_pinged = now()
		WHERE id = $1`, id, identity.Canonical(ourDID))
	if err != nil {
		return v.fail("force assign", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("jobdb: force assign: no row for %s", id)
	}
	v.logger.Warn("job force-assigned via database", "job_id", id)
	return nil
}

// ForceComplete records a finished job directly in the database when the
// gateway's finish endpoint cannot be made to accept it.
func (v *Verifier) ForceComplete(ctx context.Context, id, cid string) error {
	p, err := v.acquire()
	if err != nil {
		return err
	}
	tag, err := p.Exec(ctx, `
		UPDATE jobs
		SET status = 'complete',
		    completed_at = now(),
		    progress = 100,
		    result = coalesce(result, '{}'::jsonb) || jsonb_build_object('cid', $2::text)
		WHERE id = $1`, id, cid)
	if err != nil {
		return v.fail("force complete", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("jobdb: force complete: no row for %s", id)
	}
	v.logger.Warn("job force-completed via database", "job_id", id, "cid", cid)
	return nil
}
