package breaker

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// IncidentStore provides persistence for the incident log.
type IncidentStore struct {
	pool *pgxpool.Pool
}

func NewIncidentStore(pool *pgxpool.Pool) *IncidentStore {
	return &IncidentStore{pool: pool}
}

// Insert appends an incident and returns its generated id.
func (s *IncidentStore) Insert(ctx context.Context, inc *Incident) (string, error) {
	metrics, err := json.Marshal(inc.Metrics)
	if err != nil {
		return "", err
	}

	var id string
	err = s.pool.QueryRow(ctx,
		`INSERT INTO incidents (service, type, severity, status, started_at, ended_at, message, metrics)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING id`,
		inc.Service, inc.Type, inc.Severity, inc.Status, inc.StartedAt, inc.EndedAt, inc.Message, metrics,
	).Scan(&id)
	if err != nil {
		return "", err
	}
	return id, nil
}

// Resolve marks an incident resolved with the given end time.
func (s *IncidentStore) Resolve(ctx context.Context, id string, endedAt time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE incidents SET status = $1, ended_at = $2 WHERE id = $3`,
		StatusResolved, endedAt, id,
	)
	return err
}

// List returns incidents matching the filter, newest first, plus the total
// count before pagination.
func (s *IncidentStore) List(ctx context.Context, f IncidentFilter) ([]Incident, int, error) {
	if f.Limit <= 0 || f.Limit > 100 {
		f.Limit = 50
	}

	query := `SELECT id, service, type, severity, status, started_at, ended_at, message, metrics
	          FROM incidents WHERE 1=1`
	countQuery := `SELECT COUNT(*) FROM incidents WHERE 1=1`
	args := []interface{}{}
	argIdx := 1

	add := func(clause string, value interface{}) {
		query += ` AND ` + clause + `$` + strconv.Itoa(argIdx)
		countQuery += ` AND ` + clause + `$` + strconv.Itoa(argIdx)
		args = append(args, value)
		argIdx++
	}

	if f.Service != "" {
		add(`service = `, f.Service)
	}
	if f.Severity != "" {
		add(`severity = `, f.Severity)
	}
	if f.Status != "" {
		add(`status = `, f.Status)
	}
	if !f.From.IsZero() {
		add(`started_at >= `, f.From)
	}
	if !f.To.IsZero() {
		add(`started_at <= `, f.To)
	}

	var total int
	if err := s.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query += ` ORDER BY started_at DESC LIMIT $` + strconv.Itoa(argIdx) + ` OFFSET $` + strconv.Itoa(argIdx+1)
	args = append(args, f.Limit, f.Offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var incidents []Incident
	for rows.Next() {
		var inc Incident
		var metrics []byte
		if err := rows.Scan(&inc.ID, &inc.Service, &inc.Type, &inc.Severity, &inc.Status,
			&inc.StartedAt, &inc.EndedAt, &inc.Message, &metrics); err != nil {
			return nil, 0, err
		}
		if len(metrics) > 0 {
			_ = json.Unmarshal(metrics, &inc.Metrics)
		}
		incidents = append(incidents, inc)
	}
	return incidents, total, rows.Err()
}

// ConfigStore persists per-service breaker config overrides.
type ConfigStore struct {
	pool *pgxpool.Pool
}

func NewConfigStore(pool *pgxpool.Pool) *ConfigStore {
	return &ConfigStore{pool: pool}
}

// LoadAll returns every persisted config keyed by service name.
func (s *ConfigStore) LoadAll(ctx context.Context) (map[string]Config, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT service, failure_threshold, recovery_timeout_ms, request_limit, monitoring_window_ms, minimum_requests
		 FROM breaker_configs`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	configs := make(map[string]Config)
	for rows.Next() {
		var service string
		var cfg Config
		var recoveryMs, windowMs int64
		if err := rows.Scan(&service, &cfg.FailureThreshold, &recoveryMs, &cfg.RequestLimit, &windowMs, &cfg.MinimumRequests); err != nil {
			return nil, err
		}
		cfg.RecoveryTimeout = time.Duration(recoveryMs) * time.Millisecond
		cfg.MonitoringWindow = time.Duration(windowMs) * time.Millisecond
		configs[service] = cfg
	}
	return configs, rows.Err()
}

// Save upserts the config for a service.
func (s *ConfigStore) Save(ctx context.Context, service string, cfg Config) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO breaker_configs (service, failure_threshold, recovery_timeout_ms, request_limit, monitoring_window_ms, minimum_requests)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (service) DO UPDATE SET
		   failure_threshold = EXCLUDED.failure_threshold,
		   recovery_timeout_ms = EXCLUDED.recovery_timeout_ms,
		   request_limit = EXCLUDED.request_limit,
		   monitoring_window_ms = EXCLUDED.monitoring_window_ms,
		   minimum_requests = EXCLUDED.minimum_requests`,
		service, cfg.FailureThreshold, cfg.RecoveryTimeout.Milliseconds(),
		cfg.RequestLimit, cfg.MonitoringWindow.Milliseconds(), cfg.MinimumRequests,
	)
	return err
}
