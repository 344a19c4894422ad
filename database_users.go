package main

import (
	"context"
	"database/sql"
	"fmt"
)

const userColumns = `
	id,
	username,
	email,
	password_hash,
	role,
	is_banned,
	profile_picture,
	created_at
`

// userStatsColumns expects the users table to be aliased as u.
const userStatsColumns = `
	(SELECT COUNT(*) FROM photos WHERE user_id = u.id) AS total_photos,
	(SELECT COUNT(*) FROM votes WHERE photo_id IN (SELECT id FROM photos WHERE user_id = u.id)) AS total_likes
`

func scanUser(row interface{ Scan(...any) error }) (User, error) {
	var u User
	err := row.Scan(
		&u.ID,
		&u.Username,
		&u.Email,
		&u.PasswordHash,
		&u.Role,
		&u.IsBanned,
		&u.ProfilePicture,
		&u.CreatedAt,
	)

	return u, err
}

func (s *SQLDatabase) CreateUser(ctx context.Context, username, email, passwordHash, role string) (int64, error) {
	const createUser = `
	INSERT INTO users (username, email, password_hash, role)
	VALUES (?, ?, ?, ?)
	RETURNING id
	`

	var id int64
	err := s.db.QueryRowContext(ctx, s.rebind(createUser), username, email, passwordHash, role).Scan(&id)
	if uniqueViolationOn(err, "email") {
		return 0, ErrDuplicateEmail
	}
	if isUniqueViolation(err) {
		return 0, ErrDuplicateName
	}

	return id, err
}

func (s *SQLDatabase) GetUserByID(ctx context.Context, id int64) (User, error) {
	const getUserByID = `SELECT ` + userColumns + ` FROM users WHERE id = ?`

	return scanUser(s.db.QueryRowContext(ctx, s.rebind(getUserByID), id))
}

func (s *SQLDatabase) GetUserByUsername(ctx context.Context, username string) (User, error) {
	const getUserByUsername = `SELECT ` + userColumns + ` FROM users WHERE username = ?`

	return scanUser(s.db.QueryRowContext(ctx, s.rebind(getUserByUsername), username))
}

func (s *SQLDatabase) UsernameExists(ctx context.Context, username string) (bool, error) {
	const usernameExists = `SELECT COUNT(*) FROM users WHERE username = ?`

	var n int64
	err := s.db.QueryRowContext(ctx, s.rebind(usernameExists), username).Scan(&n)

	return n > 0, err
}

func (s *SQLDatabase) EmailExists(ctx context.Context, email string) (bool, error) {
	const emailExists = `SELECT COUNT(*) FROM users WHERE LOWER(email) = LOWER(?)`

	var n int64
	err := s.db.QueryRowContext(ctx, s.rebind(emailExists), email).Scan(&n)

	return n > 0, err
}

func (s *SQLDatabase) ListUsers(ctx context.Context) ([]UserSummary, error) {
	const listUsers = `
	SELECT u.id, u.username, u.created_at,` + userStatsColumns + `
	FROM users u
	ORDER BY u.username ASC
	`

	rows, err := s.db.QueryContext(ctx, listUsers)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := []UserSummary{}
	for rows.Next() {
		var u UserSummary
		if err := rows.Scan(&u.ID, &u.Username, &u.CreatedAt, &u.TotalPhotos, &u.TotalLikes); err != nil {
			return nil, err
		}
		items = append(items, u)
	}

	return items, rows.Err()
}

func (s *SQLDatabase) GetUserSummary(ctx context.Context, id int64) (UserSummary, error) {
	const getUserSummary = `
	SELECT u.id, u.username, u.created_at,` + userStatsColumns + `
	FROM users u
	WHERE u.id = ?
	`

	var u UserSummary
	err := s.db.QueryRowContext(ctx, s.rebind(getUserSummary), id).
		Scan(&u.ID, &u.Username, &u.CreatedAt, &u.TotalPhotos, &u.TotalLikes)

	return u, err
}

func (s *SQLDatabase) GetUserStats(ctx context.Context, id int64) (UserStats, error) {
	const getUserStats = `
	SELECT
		(SELECT COUNT(*) FROM photos WHERE user_id = ?),
		(SELECT COUNT(*) FROM votes WHERE photo_id IN (SELECT id FROM photos WHERE user_id = ?))
	`

	var st UserStats
	err := s.db.QueryRowContext(ctx, s.rebind(getUserStats), id, id).Scan(&st.TotalPhotos, &st.TotalLikes)

	return st, err
}

func (s *SQLDatabase) ListUsersForAdmin(ctx context.Context) ([]AdminUserSummary, error) {
	const listUsersForAdmin = `
	SELECT u.id, u.username, u.created_at, u.email, u.role, u.is_banned,` + userStatsColumns + `
	FROM users u
	WHERE u.role <> 'admin'
	ORDER BY u.created_at DESC, u.id DESC
	`

	rows, err := s.db.QueryContext(ctx, listUsersForAdmin)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := []AdminUserSummary{}
	for rows.Next() {
		u, err := scanAdminUserSummary(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, u)
	}

	return items, rows.Err()
}

// GetUserForAdmin never returns administrator accounts.
func (s *SQLDatabase) GetUserForAdmin(ctx context.Context, id int64) (AdminUserSummary, error) {
	const getUserForAdmin = `
	SELECT u.id, u.username, u.created_at, u.email, u.role, u.is_banned,` + userStatsColumns + `
	FROM users u
	WHERE u.id = ? AND u.role <> 'admin'
	`

	return scanAdminUserSummary(s.db.QueryRowContext(ctx, s.rebind(getUserForAdmin), id))
}

func scanAdminUserSummary(row interface{ Scan(...any) error }) (AdminUserSummary, error) {
	var u AdminUserSummary
	err := row.Scan(
		&u.ID,
		&u.Username,
		&u.CreatedAt,
		&u.Email,
		&u.Role,
		&u.IsBanned,
		&u.TotalPhotos,
		&u.TotalLikes,
	)

	return u, err
}

func (s *SQLDatabase) SetUserBanned(ctx context.Context, id int64, banned bool) error {
	const setUserBanned = `UPDATE users SET is_banned = ? WHERE id = ?`

	return s.execOne(ctx, setUserBanned, banned, id)
}

func (s *SQLDatabase) SetProfilePicture(ctx context.Context, id int64, filename *string) error {
	const setProfilePicture = `UPDATE users SET profile_picture = ? WHERE id = ?`

	return s.execOne(ctx, setProfilePicture, filename, id)
}

// DeleteUser removes the user and everything referencing them or their photos.
// It returns the stored filenames that are no longer referenced.
func (s *SQLDatabase) DeleteUser(ctx context.Context, id int64) ([]string, error) {
	var files []string

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var picture sql.NullString
		err := tx.QueryRowContext(ctx, s.rebind(`SELECT profile_picture FROM users WHERE id = ?`), id).Scan(&picture)
		if err != nil {
			return err
		}
		if picture.Valid && picture.String != "" {
			files = append(files, picture.String)
		}

		rows, err := tx.QueryContext(ctx, s.rebind(`SELECT filename FROM photos WHERE user_id = ?`), id)
		if err != nil {
			return err
		}
		for rows.Next() {
			var name string
			if err := rows.Scan(&name); err != nil {
				rows.Close()
				return err
			}
			files = append(files, name)
		}
		if err := rows.Close(); err != nil {
			return err
		}
		if err := rows.Err(); err != nil {
			return err
		}

		stmts := []string{
			`DELETE FROM votes WHERE photo_id IN (SELECT id FROM photos WHERE user_id = ?)`,
			`DELETE FROM comments WHERE photo_id IN (SELECT id FROM photos WHERE user_id = ?)`,
			`DELETE FROM photo_tags WHERE photo_id IN (SELECT id FROM photos WHERE user_id = ?)`,
			`DELETE FROM votes WHERE user_id = ?`,
			`DELETE FROM comments WHERE user_id = ?`,
			`DELETE FROM photo_tags WHERE user_id = ?`,
			`DELETE FROM photos WHERE user_id = ?`,
			`DELETE FROM admin_logs WHERE admin_id = ?`,
			`DELETE FROM users WHERE id = ?`,
		}
		for _, stmt := range stmts {
			if _, err := tx.ExecContext(ctx, s.rebind(stmt), id); err != nil {
				return fmt.Errorf("delete user %d: %w", id, err)
			}
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return files, nil
}

// execOne runs a statement that must touch exactly one row.
func (s *SQLDatabase) execOne(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, s.rebind(query), args...)
	if err != nil {
		return err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}

	return nil
}
