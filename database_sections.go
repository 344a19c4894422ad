package main

import (
	"context"
	"database/sql"
	"errors"
)

var ErrSectionNotEmpty = errors.New("database: section still contains photos")

func (s *SQLDatabase) ListSections(ctx context.Context) ([]Section, error) {
	const listSections = `
	SELECT id, name, COALESCE(description, ''), created_at
	FROM sections
	ORDER BY name ASC
	`

	rows, err := s.db.QueryContext(ctx, listSections)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := []Section{}
	for rows.Next() {
		var sec Section
		if err := rows.Scan(&sec.ID, &sec.Name, &sec.Description, &sec.CreatedAt); err != nil {
			return nil, err
		}
		items = append(items, sec)
	}

	return items, rows.Err()
}

func (s *SQLDatabase) GetSection(ctx context.Context, id int64) (Section, error) {
	const getSection = `
	SELECT id, name, COALESCE(description, ''), created_at
	FROM sections
	WHERE id = ?
	`

	var sec Section
	err := s.db.QueryRowContext(ctx, s.rebind(getSection), id).
		Scan(&sec.ID, &sec.Name, &sec.Description, &sec.CreatedAt)

	return sec, err
}

func (s *SQLDatabase) CreateSection(ctx context.Context, name, description string) (int64, error) {
	const createSection = `
	INSERT INTO sections (name, description)
	VALUES (?, ?)
	RETURNING id
	`

	var id int64
	err := s.db.QueryRowContext(ctx, s.rebind(createSection), name, description).Scan(&id)
	if isUniqueViolation(err) {
		return 0, ErrDuplicateName
	}

	return id, err
}

// UpdateSection renames a section. It fails with ErrDuplicateName when another
// section already uses name.
func (s *SQLDatabase) UpdateSection(ctx context.Context, id int64, name, description string) error {
	const nameTaken = `SELECT COUNT(*) FROM sections WHERE name = ? AND id <> ?`

	var n int64
	if err := s.db.QueryRowContext(ctx, s.rebind(nameTaken), name, id).Scan(&n); err != nil {
		return err
	}
	if n > 0 {
		return ErrDuplicateName
	}

	const updateSection = `UPDATE sections SET name = ?, description = ? WHERE id = ?`

	err := s.execOne(ctx, updateSection, name, description, id)
	if isUniqueViolation(err) {
		return ErrDuplicateName
	}

	return err
}

func (s *SQLDatabase) DeleteSection(ctx context.Context, id int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var n int64
		if err := tx.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*) FROM photos WHERE section_id = ?`), id).Scan(&n); err != nil {
			return err
		}
		if n > 0 {
			return ErrSectionNotEmpty
		}

		res, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM sections WHERE id = ?`), id)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return sql.ErrNoRows
		}

		return nil
	})
}
