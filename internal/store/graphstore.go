package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/capstan-dev/capstan/pkg/models"
)

// ErrPlanNotFound indicates no document exists for the plan ID.
var ErrPlanNotFound = errors.New("plan not found")

// ErrStaleVersion indicates the document changed since it was loaded.
// The caller should reload and reapply its mutation.
var ErrStaleVersion = errors.New("stale document version")

// GraphStore persists whole-graph documents keyed by plan ID.
type GraphStore struct {
	db *DB
}

// NewGraphStore creates a GraphStore over an opened, migrated database.
func NewGraphStore(db *DB) *GraphStore {
	return &GraphStore{db: db}
}

// Save writes the document. The document's Version field must match the
// persisted version (or be zero for a new plan); on success the stored
// version is incremented and the incremented value returned. A mismatch
// returns ErrStaleVersion and leaves the stored document unchanged.
func (s *GraphStore) Save(doc *models.GraphDocument) (int64, error) {
	payload := doc.Clone()
	newVersion := payload.Version + 1
	payload.Version = newVersion
	payload.UpdatedAt = time.Now().UTC()

	raw, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal graph document: %w", err)
	}

	err = s.db.Transaction(func(tx *sql.Tx) error {
		var stored int64
		row := tx.QueryRow("SELECT version FROM plans WHERE plan_id = ?", doc.PlanID)
		switch err := row.Scan(&stored); {
		case errors.Is(err, sql.ErrNoRows):
			if doc.Version != 0 {
				return fmt.Errorf("%w: %s", ErrStaleVersion, doc.PlanID)
			}
			_, err := tx.Exec(`
				INSERT INTO plans (plan_id, document, version, status, updated_at)
				VALUES (?, ?, ?, ?, ?)
			`, doc.PlanID, string(raw), newVersion, string(payload.OverallStatus), formatTime(payload.UpdatedAt))
			return err
		case err != nil:
			return fmt.Errorf("read stored version: %w", err)
		}

		if stored != doc.Version {
			return fmt.Errorf("%w: %s has version %d, save carried %d",
				ErrStaleVersion, doc.PlanID, stored, doc.Version)
		}
		_, err := tx.Exec(`
			UPDATE plans SET document = ?, version = ?, status = ?, updated_at = ?
			WHERE plan_id = ? AND version = ?
		`, string(raw), newVersion, string(payload.OverallStatus), formatTime(payload.UpdatedAt), doc.PlanID, doc.Version)
		return err
	})
	if err != nil {
		return 0, err
	}
	return newVersion, nil
}

// Load reads the document for the given plan ID.
func (s *GraphStore) Load(planID string) (*models.GraphDocument, error) {
	var raw string
	row := s.db.queryRow("SELECT document FROM plans WHERE plan_id = ?", planID)
	if err := row.Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrPlanNotFound, planID)
		}
		return nil, fmt.Errorf("load plan %s: %w", planID, err)
	}

	doc := &models.GraphDocument{}
	if err := json.Unmarshal([]byte(raw), doc); err != nil {
		return nil, fmt.Errorf("unmarshal plan %s: %w", planID, err)
	}
	return doc, nil
}

// PlanSummary is one row of the plan listing.
type PlanSummary struct {
	PlanID    string
	Status    models.PlanStatus
	Version   int64
	UpdatedAt time.Time
}

// List returns summaries of all persisted plans, most recently updated first.
func (s *GraphStore) List() ([]PlanSummary, error) {
	rows, err := s.db.query(`
		SELECT plan_id, status, version, updated_at
		FROM plans ORDER BY updated_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	defer rows.Close()

	var out []PlanSummary
	for rows.Next() {
		var ps PlanSummary
		var status, updated string
		if err := rows.Scan(&ps.PlanID, &status, &ps.Version, &updated); err != nil {
			return nil, fmt.Errorf("scan plan row: %w", err)
		}
		ps.Status = models.PlanStatus(status)
		if t, err := parseTime(updated); err == nil {
			ps.UpdatedAt = t
		}
		out = append(out, ps)
	}
	return out, rows.Err()
}

// Delete removes a plan document. Deleting an absent plan is a no-op.
func (s *GraphStore) Delete(planID string) error {
	return s.db.Transaction(func(tx *sql.Tx) error {
		_, err := tx.Exec("DELETE FROM plans WHERE plan_id = ?", planID)
		return err
	})
}
