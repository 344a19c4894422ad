package main

import (
	"database/sql"
	"errors"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/exp/slog"
)

var (
	ErrUserNotFound          = errors.New("user not found")
	ErrProfilePictureMissing = errors.New("profile_picture file is required")
	ErrOnlyImages            = errors.New("only image files are allowed")
)

type ProfilePictureResponse struct {
	ProfilePicture *string `json:"profile_picture"`
	URL            *string `json:"url"`
}

type ProfilePictureUploadResponse struct {
	Message  string `json:"message"`
	Filename string `json:"filename"`
	URL      string `json:"url"`
}

type UserDetailResponse struct {
	User   any         `json:"user"`
	Photos []PhotoView `json:"photos"`
}

func (s *APIServer) HandleUserPhotos(user User, w http.ResponseWriter, r *http.Request) error {
	photos, err := s.db.ListUserPhotos(r.Context(), user.ID)
	if err != nil {
		return err
	}

	return writeJSON(w, s.decoratePhotos(photos))
}

func (s *APIServer) HandleUserStats(user User, w http.ResponseWriter, r *http.Request) error {
	stats, err := s.db.GetUserStats(r.Context(), user.ID)
	if err != nil {
		return err
	}

	return writeJSON(w, stats)
}

func (s *APIServer) HandleTaggedPhotos(user User, w http.ResponseWriter, r *http.Request) error {
	photos, err := s.db.ListTaggedPhotos(r.Context(), user.ID)
	if err != nil {
		return err
	}

	return writeJSON(w, s.decoratePhotos(photos))
}

func (s *APIServer) HandleUploadProfilePicture(user User, w http.ResponseWriter, r *http.Request) error {
	if err := s.parseMultipart(w, r); err != nil {
		return err
	}
	defer r.MultipartForm.RemoveAll()

	files := r.MultipartForm.File["profile_picture"]
	if len(files) == 0 {
		return badRequest(ErrProfilePictureMissing)
	}

	data, err := readUpload(files[0])
	if err != nil {
		return err
	}

	if _, err := detectImage(data); err != nil {
		return badRequest(ErrOnlyImages)
	}

	square, err := makeProfilePicture(data)
	if errors.Is(err, ErrNotAnImage) {
		return badRequest(ErrOnlyImages)
	}
	if err != nil {
		return err
	}

	original := files[0].Filename
	name := "avatar-" + storedName(strings.TrimSuffix(original, filepath.Ext(original))+".jpg", time.Now())

	ctx := r.Context()

	if err := s.files.Save(ctx, name, square, "image/jpeg"); err != nil {
		return err
	}

	if err := s.db.SetProfilePicture(ctx, user.ID, &name); err != nil {
		s.removeFiles(ctx, name)
		return err
	}

	if user.ProfilePicture != nil {
		if err := s.files.Delete(ctx, *user.ProfilePicture); err != nil {
			slog.Warn("Failed to delete previous profile picture", "file", *user.ProfilePicture, "error", err)
		}
	}

	return writeJSON(w, ProfilePictureUploadResponse{
		Message:  "Profile picture updated",
		Filename: name,
		URL:      s.files.URL(name),
	})
}

func (s *APIServer) HandleGetProfilePicture(user User, w http.ResponseWriter, r *http.Request) error {
	resp := ProfilePictureResponse{ProfilePicture: user.ProfilePicture}
	if user.ProfilePicture != nil {
		url := s.files.URL(*user.ProfilePicture)
		resp.URL = &url
	}

	return writeJSON(w, resp)
}

func (s *APIServer) HandleListUsers(_ User, w http.ResponseWriter, r *http.Request) error {
	users, err := s.db.ListUsers(r.Context())
	if err != nil {
		return err
	}

	return writeJSON(w, users)
}

func (s *APIServer) HandleGetUser(_ User, w http.ResponseWriter, r *http.Request) error {
	id, err := pathID(r)
	if err != nil {
		return err
	}

	ctx := r.Context()

	summary, err := s.db.GetUserSummary(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return notFound(ErrUserNotFound)
	}
	if err != nil {
		return err
	}

	photos, err := s.db.ListUserPhotos(ctx, id)
	if err != nil {
		return err
	}

	return writeJSON(w, UserDetailResponse{User: summary, Photos: s.decoratePhotos(photos)})
}
