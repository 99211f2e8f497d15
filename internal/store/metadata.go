package store

import (
	"context"
	"fmt"
)

// SetActors replaces the metadata entries of a document.
func (s *Store) SetActors(ctx context.Context, docID string, entries []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("set actors %s: %w", docID, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM doc_actors WHERE doc_id = ?`, docID); err != nil {
		return fmt.Errorf("set actors %s: %w", docID, err)
	}
	for _, entry := range entries {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO doc_actors (doc_id, entry) VALUES (?, ?)
			ON CONFLICT DO NOTHING
		`, docID, entry); err != nil {
			return fmt.Errorf("set actors %s: %w", docID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("set actors %s: %w", docID, err)
	}
	return nil
}

// Actors returns the metadata entries of a document in sorted order.
// An unknown document has no entries.
func (s *Store) Actors(ctx context.Context, docID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT entry FROM doc_actors WHERE doc_id = ?
		ORDER BY entry ASC COLLATE BINARY
	`, docID)
	if err != nil {
		return nil, fmt.Errorf("actors %s: %w", docID, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var entry string
		if err := rows.Scan(&entry); err != nil {
			return nil, fmt.Errorf("actors %s: %w", docID, err)
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

// Documents returns every document with metadata, sorted.
func (s *Store) Documents(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT doc_id FROM doc_actors
		ORDER BY doc_id ASC COLLATE BINARY
	`)
	if err != nil {
		return nil, fmt.Errorf("documents: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var docID string
		if err := rows.Scan(&docID); err != nil {
			return nil, fmt.Errorf("documents: %w", err)
		}
		out = append(out, docID)
	}
	return out, rows.Err()
}
