package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/robertmeta/tumblelog/model"
)

const importerColumns = "id, blog_id, source, source_url, username, password, tags, last_update"

// SaveImporter saves an importer record. The watermark is only written on
// insert; use UpdateWatermark to move it afterwards.
func (s *Store) SaveImporter(i *model.Importer) error {
	if err := i.Validate(); err != nil {
		return err
	}
	if i.ID == 0 {
		result, err := s.db.Exec(
			"INSERT INTO importers (blog_id, source, source_url, username, password, tags, last_update) VALUES (?, ?, ?, ?, ?, ?, ?)",
			i.BlogID, i.Source, i.SourceURL, i.Username, i.Password, i.Tags, i.LastUpdate,
		)
		if err != nil {
			return fmt.Errorf("failed to insert importer for blog %d: %w", i.BlogID, err)
		}

		id, err := result.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to get last insert ID: %w", err)
		}
		i.ID = id
		return nil
	}

	_, err := s.db.Exec(
		"UPDATE importers SET blog_id = ?, source = ?, source_url = ?, username = ?, password = ?, tags = ? WHERE id = ?",
		i.BlogID, i.Source, i.SourceURL, i.Username, i.Password, i.Tags, i.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update importer %d: %w", i.ID, err)
	}
	return nil
}

// GetImporter retrieves an importer by ID.
func (s *Store) GetImporter(id int64) (*model.Importer, error) {
	imp := &model.Importer{}
	err := s.db.QueryRow(
		"SELECT "+importerColumns+" FROM importers WHERE id = ?",
		id,
	).Scan(&imp.ID, &imp.BlogID, &imp.Source, &imp.SourceURL, &imp.Username, &imp.Password, &imp.Tags, &imp.LastUpdate)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.NotFound("get importer", "importer", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get importer %d: %w", id, err)
	}

	return imp, nil
}

// GetAllImporters retrieves all importers, or those of one blog when blogID
// is non-zero.
func (s *Store) GetAllImporters(blogID int64) ([]*model.Importer, error) {
	query := "SELECT " + importerColumns + " FROM importers"
	args := []interface{}{}
	if blogID != 0 {
		query += " WHERE blog_id = ?"
		args = append(args, blogID)
	}
	query += " ORDER BY id"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query importers: %w", err)
	}
	defer rows.Close()

	var importers []*model.Importer
	for rows.Next() {
		imp := &model.Importer{}
		err := rows.Scan(&imp.ID, &imp.BlogID, &imp.Source, &imp.SourceURL, &imp.Username, &imp.Password, &imp.Tags, &imp.LastUpdate)
		if err != nil {
			return nil, fmt.Errorf("failed to scan importer: %w", err)
		}
		importers = append(importers, imp)
	}

	return importers, rows.Err()
}

// UpdateWatermark stores the last known external update time of an importer.
func (s *Store) UpdateWatermark(id int64, lastUpdate int64) error {
	result, err := s.db.Exec("UPDATE importers SET last_update = ? WHERE id = ?", lastUpdate, id)
	if err != nil {
		return fmt.Errorf("failed to update watermark of importer %d: %w", id, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return model.NotFound("update watermark", "importer", id)
	}
	return nil
}

// AcquireLease marks an importer as being run by owner until ttl elapses.
// It fails with model.ErrLeaseHeld while another owner holds an unexpired
// lease.
func (s *Store) AcquireLease(id int64, owner string, ttl time.Duration) error {
	now := s.now()
	result, err := s.db.Exec(
		`UPDATE importers SET lease_owner = ?, lease_expires = ?
		 WHERE id = ? AND (lease_owner IS NULL OR lease_owner = ? OR lease_expires <= ?)`,
		owner, now.Add(ttl).Unix(), id, owner, now.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to acquire lease on importer %d: %w", id, err)
	}
	if n, _ := result.RowsAffected(); n == 1 {
		return nil
	}

	if _, err := s.GetImporter(id); err != nil {
		return err
	}
	return fmt.Errorf("importer %d: %w", id, model.ErrLeaseHeld)
}

// ReleaseLease clears the lease if owner still holds it.
func (s *Store) ReleaseLease(id int64, owner string) error {
	_, err := s.db.Exec(
		"UPDATE importers SET lease_owner = NULL, lease_expires = NULL WHERE id = ? AND lease_owner = ?",
		id, owner,
	)
	if err != nil {
		return fmt.Errorf("failed to release lease on importer %d: %w", id, err)
	}
	return nil
}
