package main

import "context"

const (
	ActionBanUser     = "ban_user"
	ActionUnbanUser   = "unban_user"
	ActionDeleteUser  = "delete_user"
	ActionDeletePhoto = "delete_photo"
	ActionClearLogs   = "clear_logs"

	TargetUser   = "user"
	TargetPhoto  = "photo"
	TargetSystem = "system"
)

func (s *SQLDatabase) CreateAdminLog(ctx context.Context, adminID int64, action, targetType string, targetID *int64, details string) error {
	const createAdminLog = `
	INSERT INTO admin_logs (admin_id, action, target_type, target_id, details)
	VALUES (?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, s.rebind(createAdminLog), adminID, action, targetType, targetID, details)

	return err
}

func (s *SQLDatabase) ListAdminLogs(ctx context.Context, limit int) ([]AdminLog, error) {
	const listAdminLogs = `
	SELECT l.id, l.admin_id, l.action, l.target_type, l.target_id, l.details, l.created_at, u.username
	FROM admin_logs l
	JOIN users u ON u.id = l.admin_id
	ORDER BY l.created_at DESC, l.id DESC
	LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, s.rebind(listAdminLogs), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := []AdminLog{}
	for rows.Next() {
		var l AdminLog
		if err := rows.Scan(
			&l.ID,
			&l.AdminID,
			&l.Action,
			&l.TargetType,
			&l.TargetID,
			&l.Details,
			&l.CreatedAt,
			&l.AdminUsername,
		); err != nil {
			return nil, err
		}
		items = append(items, l)
	}

	return items, rows.Err()
}

func (s *SQLDatabase) ClearAdminLogs(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM admin_logs`)

	return err
}

func (s *SQLDatabase) GetDashboardStats(ctx context.Context) (DashboardStats, error) {
	const getDashboardStats = `
	SELECT
		(SELECT COUNT(*) FROM users WHERE role <> 'admin'),
		(SELECT COUNT(*) FROM photos),
		(SELECT COUNT(*) FROM sections),
		(SELECT COUNT(*) FROM users WHERE is_banned = TRUE)
	`

	var st DashboardStats
	err := s.db.QueryRowContext(ctx, getDashboardStats).
		Scan(&st.TotalUsers, &st.TotalPhotos, &st.TotalSections, &st.BannedUsers)

	return st, err
}
