package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"

	"golang.org/x/exp/slog"
)

const adminLogsLimit = 100

type BanRequest struct {
	IsBanned *bool `json:"is_banned" validate:"required"`
}

type DashboardResponse struct {
	Stats DashboardStats `json:"stats"`
}

// logAdminAction records an audit entry. Failures are logged and never fail the request.
func (s *APIServer) logAdminAction(ctx context.Context, admin User, action, targetType string, targetID *int64, details string) {
	if err := s.db.CreateAdminLog(ctx, admin.ID, action, targetType, targetID, details); err != nil {
		slog.Error("Failed to write admin log", "admin_id", admin.ID, "action", action, "error", err)
	}
}

func (s *APIServer) HandleAdminDashboard(_ User, w http.ResponseWriter, r *http.Request) error {
	stats, err := s.db.GetDashboardStats(r.Context())
	if err != nil {
		return err
	}

	return writeJSON(w, DashboardResponse{Stats: stats})
}

func (s *APIServer) HandleAdminListUsers(_ User, w http.ResponseWriter, r *http.Request) error {
	users, err := s.db.ListUsersForAdmin(r.Context())
	if err != nil {
		return err
	}

	return writeJSON(w, users)
}

func (s *APIServer) loadManagedUser(ctx context.Context, id int64) (AdminUserSummary, error) {
	user, err := s.db.GetUserForAdmin(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return user, notFound(ErrUserNotFound)
	}

	return user, err
}

func (s *APIServer) HandleAdminGetUser(_ User, w http.ResponseWriter, r *http.Request) error {
	id, err := pathID(r)
	if err != nil {
		return err
	}

	ctx := r.Context()

	user, err := s.loadManagedUser(ctx, id)
	if err != nil {
		return err
	}

	photos, err := s.db.ListUserPhotos(ctx, id)
	if err != nil {
		return err
	}

	return writeJSON(w, UserDetailResponse{User: user, Photos: s.decoratePhotos(photos)})
}

func (s *APIServer) HandleAdminBanUser(admin User, w http.ResponseWriter, r *http.Request) error {
	id, err := pathID(r)
	if err != nil {
		return err
	}

	var req BanRequest
	if err := s.decodeJSON(r, &req); err != nil {
		return err
	}
	if err := s.validateRequest(&req); err != nil {
		return err
	}

	ctx := r.Context()

	user, err := s.loadManagedUser(ctx, id)
	if err != nil {
		return err
	}

	if err := s.db.SetUserBanned(ctx, id, *req.IsBanned); err != nil {
		return err
	}

	action, verb := ActionUnbanUser, "unbanned"
	if *req.IsBanned {
		action, verb = ActionBanUser, "banned"
	}
	s.logAdminAction(ctx, admin, action, TargetUser, &id, fmt.Sprintf("User %s %s", user.Username, verb))

	return writeJSON(w, MessageResponse{OK: true, Message: fmt.Sprintf("User %s successfully", verb)})
}

func (s *APIServer) HandleAdminDeleteUser(admin User, w http.ResponseWriter, r *http.Request) error {
	id, err := pathID(r)
	if err != nil {
		return err
	}

	ctx := r.Context()

	user, err := s.loadManagedUser(ctx, id)
	if err != nil {
		return err
	}

	files, err := s.db.DeleteUser(ctx, id)
	if err != nil {
		return err
	}

	s.removeFiles(ctx, files...)
	s.cache.Invalidate(ctx)

	s.logAdminAction(ctx, admin, ActionDeleteUser, TargetUser, &id,
		fmt.Sprintf("Deleted user %s with %d photo(s)", user.Username, user.TotalPhotos))

	return writeJSON(w, MessageResponse{OK: true, Message: "User deleted successfully"})
}

func (s *APIServer) HandleAdminListPhotos(_ User, w http.ResponseWriter, r *http.Request) error {
	photos, err := s.db.ListPhotos(r.Context(), nil)
	if err != nil {
		return err
	}

	return writeJSON(w, s.decoratePhotos(photos))
}

func (s *APIServer) HandleAdminDeletePhoto(admin User, w http.ResponseWriter, r *http.Request) error {
	id, err := pathID(r)
	if err != nil {
		return err
	}

	ctx := r.Context()

	view, err := s.db.GetPhotoView(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return notFound(ErrPhotoNotFound)
	}
	if err != nil {
		return err
	}

	if err := s.removePhoto(ctx, view.Photo, admin); err != nil {
		return err
	}

	s.logAdminAction(ctx, admin, ActionDeletePhoto, TargetPhoto, &id,
		fmt.Sprintf("Deleted photo %s by %s", view.Filename, view.Username))

	return writeJSON(w, MessageResponse{OK: true, Message: "Photo deleted successfully"})
}

func (s *APIServer) HandleAdminListLogs(_ User, w http.ResponseWriter, r *http.Request) error {
	logs, err := s.db.ListAdminLogs(r.Context(), adminLogsLimit)
	if err != nil {
		return err
	}

	return writeJSON(w, logs)
}

func (s *APIServer) HandleAdminClearLogs(admin User, w http.ResponseWriter, r *http.Request) error {
	ctx := r.Context()

	if err := s.db.ClearAdminLogs(ctx); err != nil {
		return err
	}

	s.logAdminAction(ctx, admin, ActionClearLogs, TargetSystem, nil, "Cleared admin logs")

	return writeJSON(w, MessageResponse{OK: true, Message: "Logs cleared"})
}
