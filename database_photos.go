package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const photoViewSelect = `
	SELECT
		p.id,
		p.user_id,
		p.section_id,
		p.filename,
		p.title,
		p.created_at,
		u.username,
		s.name,
		(SELECT COUNT(*) FROM votes WHERE photo_id = p.id) AS votes,
		(SELECT COUNT(*) FROM comments WHERE photo_id = p.id) AS comments
	FROM photos p
	JOIN users u ON u.id = p.user_id
	JOIN sections s ON s.id = p.section_id
`

func scanPhotoViews(rows *sql.Rows) ([]PhotoView, error) {
	defer rows.Close()

	items := []PhotoView{}
	for rows.Next() {
		var p PhotoView
		if err := rows.Scan(
			&p.ID,
			&p.UserID,
			&p.SectionID,
			&p.Filename,
			&p.Title,
			&p.CreatedAt,
			&p.Username,
			&p.SectionName,
			&p.Votes,
			&p.Comments,
		); err != nil {
			return nil, err
		}
		items = append(items, p)
	}

	return items, rows.Err()
}

func (s *SQLDatabase) CreatePhoto(ctx context.Context, userID, sectionID int64, filename string, title *string) (Photo, error) {
	const createPhoto = `
	INSERT INTO photos (user_id, section_id, filename, title)
	VALUES (?, ?, ?, ?)
	RETURNING id
	`

	var id int64
	if err := s.db.QueryRowContext(ctx, s.rebind(createPhoto), userID, sectionID, filename, title).Scan(&id); err != nil {
		return Photo{}, err
	}

	return s.GetPhoto(ctx, id)
}

func (s *SQLDatabase) GetPhoto(ctx context.Context, id int64) (Photo, error) {
	const getPhoto = `
	SELECT id, user_id, section_id, filename, title, created_at
	FROM photos
	WHERE id = ?
	`

	var p Photo
	err := s.db.QueryRowContext(ctx, s.rebind(getPhoto), id).
		Scan(&p.ID, &p.UserID, &p.SectionID, &p.Filename, &p.Title, &p.CreatedAt)

	return p, err
}

func (s *SQLDatabase) GetPhotoView(ctx context.Context, id int64) (PhotoView, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(photoViewSelect+` WHERE p.id = ?`), id)
	if err != nil {
		return PhotoView{}, err
	}

	items, err := scanPhotoViews(rows)
	if err != nil {
		return PhotoView{}, err
	}
	if len(items) == 0 {
		return PhotoView{}, sql.ErrNoRows
	}

	return items[0], nil
}

// ListPhotos returns all photos newest first, optionally limited to one section.
func (s *SQLDatabase) ListPhotos(ctx context.Context, sectionID *int64) ([]PhotoView, error) {
	var (
		query = photoViewSelect
		args  []any
	)

	if sectionID != nil {
		query += ` WHERE p.section_id = ?`
		args = append(args, *sectionID)
	}
	query += ` ORDER BY p.created_at DESC, p.id DESC`

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, err
	}

	return scanPhotoViews(rows)
}

func (s *SQLDatabase) ListUserPhotos(ctx context.Context, userID int64) ([]PhotoView, error) {
	const listUserPhotos = photoViewSelect + `
	WHERE p.user_id = ?
	ORDER BY p.created_at DESC, p.id DESC
	`

	rows, err := s.db.QueryContext(ctx, s.rebind(listUserPhotos), userID)
	if err != nil {
		return nil, err
	}

	return scanPhotoViews(rows)
}

// ListTaggedPhotos returns the photos userID marked themselves in, most recently tagged first.
func (s *SQLDatabase) ListTaggedPhotos(ctx context.Context, userID int64) ([]PhotoView, error) {
	const listTaggedPhotos = photoViewSelect + `
	JOIN photo_tags t ON t.photo_id = p.id
	WHERE t.user_id = ?
	ORDER BY t.created_at DESC, t.id DESC
	`

	rows, err := s.db.QueryContext(ctx, s.rebind(listTaggedPhotos), userID)
	if err != nil {
		return nil, err
	}

	return scanPhotoViews(rows)
}

// TopPhotos ranks by vote count, newest first among equals.
func (s *SQLDatabase) TopPhotos(ctx context.Context, limit int) ([]PhotoView, error) {
	const topPhotos = photoViewSelect + `
	ORDER BY votes DESC, p.created_at DESC, p.id DESC
	LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, s.rebind(topPhotos), limit)
	if err != nil {
		return nil, err
	}

	return scanPhotoViews(rows)
}

// DeletePhoto removes the photo with its votes, comments and tags.
func (s *SQLDatabase) DeletePhoto(ctx context.Context, id int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		stmts := []string{
			`DELETE FROM votes WHERE photo_id = ?`,
			`DELETE FROM comments WHERE photo_id = ?`,
			`DELETE FROM photo_tags WHERE photo_id = ?`,
		}
		for _, stmt := range stmts {
			if _, err := tx.ExecContext(ctx, s.rebind(stmt), id); err != nil {
				return fmt.Errorf("delete photo %d: %w", id, err)
			}
		}

		res, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM photos WHERE id = ?`), id)
		if err != nil {
			return fmt.Errorf("delete photo %d: %w", id, err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return sql.ErrNoRows
		}

		return nil
	})
}

func (s *SQLDatabase) CreateVote(ctx context.Context, userID, photoID int64) error {
	const createVote = `INSERT INTO votes (user_id, photo_id) VALUES (?, ?)`

	_, err := s.db.ExecContext(ctx, s.rebind(createVote), userID, photoID)
	if isUniqueViolation(err) {
		return ErrAlreadyVoted
	}

	return err
}

func (s *SQLDatabase) CreateComment(ctx context.Context, userID, photoID int64, text string) (Comment, error) {
	const createComment = `
	INSERT INTO comments (user_id, photo_id, comment)
	VALUES (?, ?, ?)
	RETURNING id
	`

	var id int64
	if err := s.db.QueryRowContext(ctx, s.rebind(createComment), userID, photoID, text).Scan(&id); err != nil {
		return Comment{}, err
	}

	const getComment = `
	SELECT c.id, c.user_id, c.photo_id, c.comment, c.created_at, u.username
	FROM comments c
	JOIN users u ON u.id = c.user_id
	WHERE c.id = ?
	`

	var c Comment
	err := s.db.QueryRowContext(ctx, s.rebind(getComment), id).
		Scan(&c.ID, &c.UserID, &c.PhotoID, &c.Text, &c.CreatedAt, &c.Username)

	return c, err
}

func (s *SQLDatabase) ListComments(ctx context.Context, photoID int64) ([]Comment, error) {
	const listComments = `
	SELECT c.id, c.user_id, c.photo_id, c.comment, c.created_at, u.username
	FROM comments c
	JOIN users u ON u.id = c.user_id
	WHERE c.photo_id = ?
	ORDER BY c.created_at ASC, c.id ASC
	`

	rows, err := s.db.QueryContext(ctx, s.rebind(listComments), photoID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := []Comment{}
	for rows.Next() {
		var c Comment
		if err := rows.Scan(&c.ID, &c.UserID, &c.PhotoID, &c.Text, &c.CreatedAt, &c.Username); err != nil {
			return nil, err
		}
		items = append(items, c)
	}

	return items, rows.Err()
}

func (s *SQLDatabase) IsTagged(ctx context.Context, userID, photoID int64) (bool, error) {
	const isTagged = `SELECT id FROM photo_tags WHERE user_id = ? AND photo_id = ?`

	var id int64
	err := s.db.QueryRowContext(ctx, s.rebind(isTagged), userID, photoID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}

	return err == nil, err
}

// ToggleTag marks or unmarks userID in the photo and reports the new state.
func (s *SQLDatabase) ToggleTag(ctx context.Context, userID, photoID int64) (bool, error) {
	var tagged bool

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM photo_tags WHERE user_id = ? AND photo_id = ?`), userID, photoID)
		if err != nil {
			return err
		}

		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n > 0 {
			tagged = false
			return nil
		}

		if _, err := tx.ExecContext(ctx, s.rebind(`INSERT INTO photo_tags (user_id, photo_id) VALUES (?, ?)`), userID, photoID); err != nil {
			return err
		}
		tagged = true

		return nil
	})
	if isUniqueViolation(err) {
		// A concurrent toggle inserted the same tag first.
		return true, nil
	}

	return tagged, err
}
