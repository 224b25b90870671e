package storage

import (
	"context"
	"crypto/md5"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"
)

// FeedItem is a stored feed entry. Published is nil when the source gave no
// resolvable date.
type FeedItem struct {
	ID          int64      `json:"id"`
	SourceName  string     `json:"source_name"`
	Title       string     `json:"title"`
	Summary     string     `json:"summary"`
	URL         string     `json:"url,omitempty"`
	Published   *time.Time `json:"published,omitempty"`
	ContentHash string     `json:"content_hash"`
	FetchedAt   time.Time  `json:"fetched_at"`
}

// SignalValue is one computed signal observation. Country is empty for a
// global (unfiltered) computation.
type SignalValue struct {
	ID          int64     `json:"id"`
	SignalName  string    `json:"signal_name"`
	Value       float64   `json:"value"`
	SourceCount int       `json:"source_count"`
	ItemCount   int       `json:"item_count"`
	Country     string    `json:"country,omitempty"`
	ComputedAt  time.Time `json:"computed_at"`
}

// HypothesisEval is one stored hypothesis evaluation. The Monte Carlo fields
// are nil for a deterministic evaluation.
type HypothesisEval struct {
	ID             int64     `json:"id"`
	HypothesisName string    `json:"hypothesis_name"`
	Probability    float64   `json:"probability"`
	MCMean         *float64  `json:"mc_mean,omitempty"`
	CILow          *float64  `json:"ci_low,omitempty"`
	CIHigh         *float64  `json:"ci_high,omitempty"`
	Trials         int       `json:"trials"`
	Country        string    `json:"country,omitempty"`
	EvaluatedAt    time.Time `json:"evaluated_at"`
}

// SourceStatus records the outcome of the most recent fetch per source.
type SourceStatus struct {
	SourceName string    `json:"source_name"`
	LastFetch  time.Time `json:"last_fetch"`
	OK         bool      `json:"ok"`
	ItemCount  int       `json:"item_count"`
	Error      string    `json:"error,omitempty"`
}

// ContentHash returns the dedup hash for a feed entry: the hex MD5 of the
// title concatenated with the summary. MD5 is an identity here, not a
// security boundary.
func ContentHash(title, summary string) string {
	sum := md5.Sum([]byte(title + summary))
	return hex.EncodeToString(sum[:])
}

// StoreFeedItem inserts a feed item, deduplicating on (source, content hash).
// It returns the row id and whether the item was newly inserted.
func (s *Store) StoreFeedItem(ctx context.Context, item FeedItem) (int64, bool, error) {
	if item.ContentHash == "" {
		item.ContentHash = ContentHash(item.Title, item.Summary)
	}
	if item.FetchedAt.IsZero() {
		item.FetchedAt = time.Now()
	}
	var published any
	if item.Published != nil {
		published = formatTime(*item.Published)
	}

	var (
		id       int64
		inserted bool
	)
	err := withRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO feed_items
			 (source_name, title, summary, url, published, content_hash, fetched_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			item.SourceName, item.Title, item.Summary, item.URL, published,
			item.ContentHash, formatTime(item.FetchedAt))
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n > 0 {
			inserted = true
			id, err = res.LastInsertId()
			return err
		}
		return s.db.QueryRowContext(ctx,
			`SELECT id FROM feed_items WHERE source_name = ? AND content_hash = ?`,
			item.SourceName, item.ContentHash).Scan(&id)
	})
	if err != nil {
		return 0, false, fmt.Errorf("storage: store feed item: %w", err)
	}
	return id, inserted, nil
}

// StoreSignalValue appends a signal observation.
func (s *Store) StoreSignalValue(ctx context.Context, v SignalValue) (int64, error) {
	if v.ComputedAt.IsZero() {
		v.ComputedAt = time.Now()
	}
	var id int64
	err := withRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO signal_values (signal_name, value, source_count, item_count, country, computed_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			v.SignalName, v.Value, v.SourceCount, v.ItemCount, v.Country, formatTime(v.ComputedAt))
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("storage: store signal value: %w", err)
	}
	return id, nil
}

// StoreHypothesisEval appends a hypothesis evaluation.
func (s *Store) StoreHypothesisEval(ctx context.Context, e HypothesisEval) (int64, error) {
	if e.EvaluatedAt.IsZero() {
		e.EvaluatedAt = time.Now()
	}
	var id int64
	err := withRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO hypothesis_evaluations
			 (hypothesis_name, probability, mc_mean, ci_low, ci_high, trials, country, evaluated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			e.HypothesisName, e.Probability, nullFloat(e.MCMean), nullFloat(e.CILow),
			nullFloat(e.CIHigh), e.Trials, e.Country, formatTime(e.EvaluatedAt))
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("storage: store evaluation: %w", err)
	}
	return id, nil
}

// UpdateSourceStatus upserts the per-source fetch status row.
func (s *Store) UpdateSourceStatus(ctx context.Context, st SourceStatus) error {
	if st.LastFetch.IsZero() {
		st.LastFetch = time.Now()
	}
	err := withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO source_status (source_name, last_fetch, ok, item_count, error)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(source_name) DO UPDATE SET
			   last_fetch = excluded.last_fetch,
			   ok = excluded.ok,
			   item_count = excluded.item_count,
			   error = excluded.error`,
			st.SourceName, formatTime(st.LastFetch), st.OK, st.ItemCount, st.Error)
		return err
	})
	if err != nil {
		return fmt.Errorf("storage: update source status: %w", err)
	}
	return nil
}

// GetFeedItems returns items fetched within the last `days` days, newest
// first, optionally filtered by source. limit <= 0 means no limit.
func (s *Store) GetFeedItems(ctx context.Context, source string, days, limit int) ([]FeedItem, error) {
	query := `SELECT id, source_name, title, summary, url, published, content_hash, fetched_at
	          FROM feed_items WHERE fetched_at >= ?`
	args := []any{cutoff(time.Now(), days)}
	if source != "" {
		query += ` AND source_name = ?`
		args = append(args, source)
	}
	query += ` ORDER BY fetched_at DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: get feed items: %w", err)
	}
	defer rows.Close()

	var items []FeedItem
	for rows.Next() {
		var (
			it        FeedItem
			published sql.NullString
			fetched   string
		)
		if err := rows.Scan(&it.ID, &it.SourceName, &it.Title, &it.Summary,
			&it.URL, &published, &it.ContentHash, &fetched); err != nil {
			return nil, fmt.Errorf("storage: scan feed item: %w", err)
		}
		if published.Valid {
			if t, err := time.Parse(time.RFC3339, published.String); err == nil {
				it.Published = &t
			}
		}
		if t, err := time.Parse(time.RFC3339, fetched); err == nil {
			it.FetchedAt = t
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// GetSignalHistory returns stored values for a signal within the last `days`
// days, newest first. A non-empty country restricts to observations computed
// with that filter.
func (s *Store) GetSignalHistory(ctx context.Context, name, country string, days int) ([]SignalValue, error) {
	query := `SELECT id, signal_name, value, source_count, item_count, country, computed_at
	          FROM signal_values
	          WHERE signal_name = ? AND computed_at >= ?`
	args := []any{name, cutoff(time.Now(), days)}
	if country != "" {
		query += ` AND country = ?`
		args = append(args, country)
	}
	query += ` ORDER BY computed_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: get signal history: %w", err)
	}
	defer rows.Close()

	var values []SignalValue
	for rows.Next() {
		var (
			v  SignalValue
			at string
		)
		if err := rows.Scan(&v.ID, &v.SignalName, &v.Value, &v.SourceCount,
			&v.ItemCount, &v.Country, &at); err != nil {
			return nil, fmt.Errorf("storage: scan signal value: %w", err)
		}
		if t, err := time.Parse(time.RFC3339, at); err == nil {
			v.ComputedAt = t
		}
		values = append(values, v)
	}
	return values, rows.Err()
}

// GetHypothesisHistory returns stored evaluations for a hypothesis within the
// last `days` days, newest first. A non-empty country restricts to
// evaluations computed with that filter.
func (s *Store) GetHypothesisHistory(ctx context.Context, name, country string, days int) ([]HypothesisEval, error) {
	query := `SELECT id, hypothesis_name, probability, mc_mean, ci_low, ci_high, trials, country, evaluated_at
	          FROM hypothesis_evaluations
	          WHERE hypothesis_name = ? AND evaluated_at >= ?`
	args := []any{name, cutoff(time.Now(), days)}
	if country != "" {
		query += ` AND country = ?`
		args = append(args, country)
	}
	query += ` ORDER BY evaluated_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: get hypothesis history: %w", err)
	}
	defer rows.Close()

	var evals []HypothesisEval
	for rows.Next() {
		var (
			e                  HypothesisEval
			mcMean, ciLo, ciHi sql.NullFloat64
			at                 string
		)
		if err := rows.Scan(&e.ID, &e.HypothesisName, &e.Probability, &mcMean,
			&ciLo, &ciHi, &e.Trials, &e.Country, &at); err != nil {
			return nil, fmt.Errorf("storage: scan evaluation: %w", err)
		}
		e.MCMean, e.CILow, e.CIHigh = floatPtr(mcMean), floatPtr(ciLo), floatPtr(ciHi)
		if t, err := time.Parse(time.RFC3339, at); err == nil {
			e.EvaluatedAt = t
		}
		evals = append(evals, e)
	}
	return evals, rows.Err()
}

// LatestEvaluation returns the most recent stored evaluation for a
// hypothesis, or ErrNotFound when it has never been evaluated.
func (s *Store) LatestEvaluation(ctx context.Context, name string) (HypothesisEval, error) {
	var (
		e                  HypothesisEval
		mcMean, ciLo, ciHi sql.NullFloat64
		at                 string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, hypothesis_name, probability, mc_mean, ci_low, ci_high, trials, country, evaluated_at
		 FROM hypothesis_evaluations
		 WHERE hypothesis_name = ?
		 ORDER BY evaluated_at DESC, id DESC LIMIT 1`,
		name).Scan(&e.ID, &e.HypothesisName, &e.Probability, &mcMean,
		&ciLo, &ciHi, &e.Trials, &e.Country, &at)
	if err == sql.ErrNoRows {
		return HypothesisEval{}, fmt.Errorf("%w: hypothesis %q", ErrNotFound, name)
	}
	if err != nil {
		return HypothesisEval{}, fmt.Errorf("storage: latest evaluation: %w", err)
	}
	e.MCMean, e.CILow, e.CIHigh = floatPtr(mcMean), floatPtr(ciLo), floatPtr(ciHi)
	if t, err := time.Parse(time.RFC3339, at); err == nil {
		e.EvaluatedAt = t
	}
	return e, nil
}

func nullFloat(p *float64) any {
	if p == nil {
		return nil
	}
	return *p
}

func floatPtr(n sql.NullFloat64) *float64 {
	if !n.Valid {
		return nil
	}
	v := n.Float64
	return &v
}

// SourceStatuses returns the latest status row for every source.
func (s *Store) SourceStatuses(ctx context.Context) ([]SourceStatus, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT source_name, last_fetch, ok, item_count, error
		 FROM source_status ORDER BY source_name`)
	if err != nil {
		return nil, fmt.Errorf("storage: get source statuses: %w", err)
	}
	defer rows.Close()

	var statuses []SourceStatus
	for rows.Next() {
		var (
			st SourceStatus
			at string
		)
		if err := rows.Scan(&st.SourceName, &at, &st.OK, &st.ItemCount, &st.Error); err != nil {
			return nil, fmt.Errorf("storage: scan source status: %w", err)
		}
		if t, err := time.Parse(time.RFC3339, at); err == nil {
			st.LastFetch = t
		}
		statuses = append(statuses, st)
	}
	return statuses, rows.Err()
}
