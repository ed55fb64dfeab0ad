package store

import (
	"context"
	"database/sql"
	"errors"
)

// Site is a point of sale participations are collected at.
type Site struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	City string `json:"city"`
}

// Setting keys used by the setup flow.
const (
	SettingOperator = "operator"
	SettingSiteID   = "site_id"
)

// ReplaceSites swaps the cached site list for a fresh copy in one transaction.
func (s *Store) ReplaceSites(ctx context.Context, sites []Site) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("begin replace sites", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM sites`); err != nil {
		return storageErr("clear sites", err)
	}

	for _, site := range sites {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO sites (id, name, city) VALUES (?, ?, ?)`,
			site.ID, site.Name, site.City,
		); err != nil {
			return storageErr("insert site", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return storageErr("commit replace sites", err)
	}
	return nil
}

// Sites returns the cached sites ordered by city, then name.
func (s *Store) Sites(ctx context.Context) ([]Site, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT id, name, city FROM sites ORDER BY city ASC, name ASC`)
	if err != nil {
		return nil, storageErr("list sites", err)
	}
	defer rows.Close()

	var sites []Site
	for rows.Next() {
		var site Site
		if err := rows.Scan(&site.ID, &site.Name, &site.City); err != nil {
			return nil, storageErr("scan site", err)
		}
		sites = append(sites, site)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate sites", err)
	}
	return sites, nil
}

// GetSetting returns a stored setting and whether it was present.
func (s *Store) GetSetting(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.conn.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, storageErr("get setting", err)
	}
	return value, true, nil
}

// SetSetting stores a setting, replacing any previous value.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.conn.ExecContext(ctx, `
	INSERT INTO settings (key, value) VALUES (?, ?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return storageErr("set setting", err)
	}
	return nil
}
