package store

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/fabiojbg/LLMApiGateway/internal/usage"
)

// UsageStore writes token usage records and serves the usage reporting
// queries. It implements usage.Plugin so the manager can deliver records
// asynchronously.
type UsageStore struct {
	db *DB
}

// NewUsageStore creates a usage store over the shared database.
func NewUsageStore(db *DB) *UsageStore {
	return &UsageStore{db: db}
}

// HandleUsage implements usage.Plugin.
func (s *UsageStore) HandleUsage(ctx context.Context, record usage.Record) {
	if s == nil || s.db == nil {
		return
	}
	ts := record.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	_, err := s.db.sql.ExecContext(ctx,
		`INSERT INTO tokens_usage (timestamp, prompt_tokens, completion_tokens, total_tokens, reasoning_tokens, cached_tokens, cost, model, provider)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ts.UTC().Format(time.RFC3339),
		record.Detail.PromptTokens,
		record.Detail.CompletionTokens,
		record.Detail.TotalTokens,
		record.Detail.ReasoningTokens,
		record.Detail.CachedTokens,
		record.Cost,
		record.Model,
		record.Provider,
	)
	if err != nil {
		log.WithFields(log.Fields{"model": record.Model, "provider": record.Provider}).Errorf("usage insert failed: %v", err)
	}
}

// StoredRecord is one persisted usage row.
type StoredRecord struct {
	ID              int64     `json:"id"`
	Timestamp       time.Time `json:"timestamp"`
	PromptTokens    int64     `json:"prompt_tokens"`
	CompletionToken int64     `json:"completion_tokens"`
	TotalTokens     int64     `json:"total_tokens"`
	ReasoningTokens int64     `json:"reasoning_tokens"`
	CachedTokens    int64     `json:"cached_tokens"`
	Cost            float64   `json:"cost"`
	Model           string    `json:"model"`
	Provider        string    `json:"provider"`
}

// Latest returns the newest records, newest first.
func (s *UsageStore) Latest(ctx context.Context, limit, offset int) ([]StoredRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := s.db.sql.QueryContext(ctx,
		`SELECT id, timestamp, prompt_tokens, completion_tokens, total_tokens, reasoning_tokens, cached_tokens, cost, model, provider
		 FROM tokens_usage ORDER BY id DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var records []StoredRecord
	for rows.Next() {
		var rec StoredRecord
		var ts string
		if err = rows.Scan(&rec.ID, &ts, &rec.PromptTokens, &rec.CompletionToken, &rec.TotalTokens,
			&rec.ReasoningTokens, &rec.CachedTokens, &rec.Cost, &rec.Model, &rec.Provider); err != nil {
			return nil, err
		}
		rec.Timestamp, _ = time.Parse(time.RFC3339, ts)
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Count returns the total number of stored records.
func (s *UsageStore) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.sql.QueryRowContext(ctx, `SELECT COUNT(*) FROM tokens_usage`).Scan(&n)
	return n, err
}

// Aggregate is per model+provider usage over a period.
type Aggregate struct {
	Model           string  `json:"model"`
	Provider        string  `json:"provider"`
	Requests        int64   `json:"requests"`
	PromptTokens    int64   `json:"prompt_tokens"`
	CompletionToken int64   `json:"completion_tokens"`
	TotalTokens     int64   `json:"total_tokens"`
	ReasoningTokens int64   `json:"reasoning_tokens"`
	CachedTokens    int64   `json:"cached_tokens"`
	Cost            float64 `json:"cost"`
}

// Aggregated groups usage since the given time by model and provider.
// A zero since aggregates everything.
func (s *UsageStore) Aggregated(ctx context.Context, since time.Time) ([]Aggregate, error) {
	query := `SELECT model, provider, COUNT(*), SUM(prompt_tokens), SUM(completion_tokens), SUM(total_tokens), SUM(reasoning_tokens), SUM(cached_tokens), SUM(cost)
		 FROM tokens_usage`
	args := []any{}
	if !since.IsZero() {
		query += ` WHERE timestamp >= ?`
		args = append(args, since.UTC().Format(time.RFC3339))
	}
	query += ` GROUP BY model, provider ORDER BY SUM(total_tokens) DESC`
	rows, err := s.db.sql.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var aggregates []Aggregate
	for rows.Next() {
		var a Aggregate
		if err = rows.Scan(&a.Model, &a.Provider, &a.Requests, &a.PromptTokens, &a.CompletionToken,
			&a.TotalTokens, &a.ReasoningTokens, &a.CachedTokens, &a.Cost); err != nil {
			return nil, err
		}
		aggregates = append(aggregates, a)
	}
	return aggregates, rows.Err()
}

// CleanupOlderThan removes records before the cutoff and reports the count.
func (s *UsageStore) CleanupOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.sql.ExecContext(ctx,
		`DELETE FROM tokens_usage WHERE timestamp < ?`, cutoff.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
