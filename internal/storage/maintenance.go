package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// CleanupCounts reports how many rows each retention pass removed.
type CleanupCounts struct {
	FeedItems   int64 `json:"feed_items"`
	Signals     int64 `json:"signals"`
	Evaluations int64 `json:"evaluations"`
}

// CleanupOldData deletes rows older than the retention horizon.
func (s *Store) CleanupOldData(ctx context.Context, retentionDays int) (CleanupCounts, error) {
	horizon := cutoff(time.Now(), retentionDays)

	var counts CleanupCounts
	passes := []struct {
		stmt string
		dst  *int64
	}{
		{`DELETE FROM feed_items WHERE fetched_at < ?`, &counts.FeedItems},
		{`DELETE FROM signal_values WHERE computed_at < ?`, &counts.Signals},
		{`DELETE FROM hypothesis_evaluations WHERE evaluated_at < ?`, &counts.Evaluations},
	}
	for _, p := range passes {
		err := withRetry(ctx, func() error {
			res, err := s.db.ExecContext(ctx, p.stmt, horizon)
			if err != nil {
				return err
			}
			n, err := res.RowsAffected()
			*p.dst = n
			return err
		})
		if err != nil {
			return counts, fmt.Errorf("storage: cleanup: %w", err)
		}
	}
	s.logger.Info("retention cleanup complete",
		slog.Int64("feed_items", counts.FeedItems),
		slog.Int64("signals", counts.Signals),
		slog.Int64("evaluations", counts.Evaluations))
	return counts, nil
}

// ExportJSON writes recent feed items and source statuses to path as JSON.
// The file is written to a temp name and renamed so readers never see a
// partial export.
func (s *Store) ExportJSON(ctx context.Context, path string, days int) error {
	items, err := s.GetFeedItems(ctx, "", days, 0)
	if err != nil {
		return err
	}
	statuses, err := s.SourceStatuses(ctx)
	if err != nil {
		return err
	}

	export := map[string]any{
		"feed_items":    items,
		"source_status": statuses,
		"exported_at":   formatTime(time.Now()),
	}
	data, err := json.MarshalIndent(export, "", "  ")
	if err != nil {
		return fmt.Errorf("storage: encode export: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("storage: write export: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("storage: finalize export: %w", err)
	}
	return nil
}

const backupPrefix = "pam_backup_"

// Backup snapshots the database into dir as pam_backup_YYYYMMDD_HHMMSS.db and
// prunes old backups down to `keep` files. It returns the backup path.
func (s *Store) Backup(ctx context.Context, dir string, keep int) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("storage: create backup dir: %w", err)
	}
	name := backupPrefix + time.Now().UTC().Format("20060102_150405") + ".db"
	dest := filepath.Join(dir, name)

	// VACUUM INTO produces a consistent single-file snapshot even under WAL.
	err := withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `VACUUM INTO ?`, dest)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("storage: backup: %w", err)
	}

	if err := pruneBackups(dir, keep); err != nil {
		s.logger.Warn("backup pruning failed", slog.Any("error", err))
	}
	s.logger.Info("backup written", slog.String("path", dest))
	return dest, nil
}

func pruneBackups(dir string, keep int) error {
	if keep <= 0 {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	var backups []string
	for _, e := range entries {
		name := e.Name()
		if !e.IsDir() && strings.HasPrefix(name, backupPrefix) && strings.HasSuffix(name, ".db") {
			backups = append(backups, name)
		}
	}
	if len(backups) <= keep {
		return nil
	}
	// Timestamped names sort chronologically.
	sort.Strings(backups)
	for _, name := range backups[:len(backups)-keep] {
		if err := os.Remove(filepath.Join(dir, name)); err != nil {
			return err
		}
	}
	return nil
}

// Stats summarizes row counts per table.
func (s *Store) Stats(ctx context.Context) (map[string]int64, error) {
	stats := make(map[string]int64)
	for _, table := range []string{
		"feed_items", "signal_values", "hypothesis_evaluations", "source_status",
	} {
		var n int64
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+table).Scan(&n); err != nil {
			return nil, fmt.Errorf("storage: count %s: %w", table, err)
		}
		stats[table] = n
	}
	return stats, nil
}
