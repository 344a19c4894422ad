package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/exp/slog"
)

const (
	maxPhotosPerUpload = 50
	maxCommentLength   = 1000
	topPhotosLimit     = 10
	multipartMemory    = 32 << 20
)

var (
	ErrNoPhotos         = errors.New("at least one photo is required")
	ErrTooManyPhotos    = fmt.Errorf("at most %d photos can be uploaded at once", maxPhotosPerUpload)
	ErrSectionRequired  = errors.New("section_id is required")
	ErrUnknownSection   = errors.New("section does not exist")
	ErrPhotoNotFound    = errors.New("photo not found")
	ErrDuplicateVote    = errors.New("already voted")
	ErrEmptyComment     = errors.New("comment is required")
	ErrCommentTooLong   = fmt.Errorf("comment must be at most %d characters", maxCommentLength)
	ErrUploadTooLarge   = errors.New("upload exceeds the maximum allowed size")
	ErrInvalidMultipart = errors.New("invalid multipart form")
)

type UploadResponse struct {
	OK      bool        `json:"ok"`
	Message string      `json:"message"`
	Photos  []PhotoView `json:"photos"`
}

type CommentRequest struct {
	Comment string `json:"comment"`
}

type CommentResponse struct {
	OK      bool    `json:"ok"`
	Comment Comment `json:"comment"`
}

type TaggedResponse struct {
	Tagged bool `json:"tagged"`
}

type pendingUpload struct {
	name        string
	contentType string
	data        []byte
}

func (s *APIServer) decoratePhoto(p *PhotoView) {
	p.URL = s.files.URL(p.Filename)
	p.ThumbnailURL = "/api/photos/" + strconv.FormatInt(p.ID, 10) + "/thumbnail"
}

func (s *APIServer) decoratePhotos(photos []PhotoView) []PhotoView {
	for i := range photos {
		s.decoratePhoto(&photos[i])
	}

	return photos
}

// parseMultipart limits the request body to the configured upload size.
func (s *APIServer) parseMultipart(w http.ResponseWriter, r *http.Request) error {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadSize)

	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return &StatusError{Err: ErrUploadTooLarge, Status: http.StatusRequestEntityTooLarge}
		}
		return badRequest(ErrInvalidMultipart)
	}

	return nil
}

func readUpload(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return io.ReadAll(f)
}

func (s *APIServer) HandleUploadPhotos(user User, w http.ResponseWriter, r *http.Request) error {
	if err := s.parseMultipart(w, r); err != nil {
		return err
	}
	defer r.MultipartForm.RemoveAll()

	ctx := r.Context()

	rawSection := strings.TrimSpace(r.FormValue("section_id"))
	if rawSection == "" {
		return badRequest(ErrSectionRequired)
	}
	sectionID, err := strconv.ParseInt(rawSection, 10, 64)
	if err != nil {
		return badRequest(ErrUnknownSection)
	}
	if _, err := s.db.GetSection(ctx, sectionID); errors.Is(err, sql.ErrNoRows) {
		return badRequest(ErrUnknownSection)
	} else if err != nil {
		return err
	}

	var title *string
	if t := strings.TrimSpace(r.FormValue("title")); t != "" {
		title = &t
	}

	headers := r.MultipartForm.File["photos"]
	if len(headers) == 0 {
		return badRequest(ErrNoPhotos)
	}
	if len(headers) > maxPhotosPerUpload {
		return badRequest(ErrTooManyPhotos)
	}

	// Every file is checked before anything is stored.
	now := time.Now()
	pending := make([]pendingUpload, 0, len(headers))
	for _, fh := range headers {
		data, err := readUpload(fh)
		if err != nil {
			return fmt.Errorf("read upload %q: %w", fh.Filename, err)
		}

		data, contentType, original, err := prepareUpload(fh.Filename, data)
		if err != nil {
			return badRequest(fmt.Errorf("only image files are allowed (%s)", fh.Filename))
		}

		pending = append(pending, pendingUpload{
			name:        storedName(original, now),
			contentType: contentType,
			data:        data,
		})
	}

	photos := make([]PhotoView, 0, len(pending))
	for _, p := range pending {
		view, err := s.storePhoto(ctx, user, sectionID, title, p)
		if err != nil {
			// Photos stored before the failure stay, so they are announced anyway.
			s.announceUploads(ctx, user, photos)
			return err
		}
		photos = append(photos, view)
	}

	s.announceUploads(ctx, user, photos)

	slog.Info("Uploaded photos", "user_id", user.ID, "section_id", sectionID, "count", len(photos))

	return writeJSON(w, UploadResponse{
		OK:      true,
		Message: fmt.Sprintf("%d photo(s) uploaded successfully", len(photos)),
		Photos:  photos,
	})
}

func (s *APIServer) announceUploads(ctx context.Context, user User, photos []PhotoView) {
	if len(photos) == 0 {
		return
	}

	s.cache.Invalidate(ctx)

	for _, p := range photos {
		s.hub.Publish(Event{Type: EventPhotoUploaded, PhotoID: p.ID, UserID: user.ID, Username: user.Username})
	}
}

func (s *APIServer) storePhoto(ctx context.Context, user User, sectionID int64, title *string, p pendingUpload) (PhotoView, error) {
	if err := s.files.Save(ctx, p.name, p.data, p.contentType); err != nil {
		return PhotoView{}, fmt.Errorf("save %s: %w", p.name, err)
	}

	if thumb, err := makeThumbnail(p.data); err != nil {
		slog.Warn("Skipping thumbnail", "file", p.name, "error", err)
	} else if err := s.files.Save(ctx, thumbnailName(p.name), thumb, "image/jpeg"); err != nil {
		slog.Warn("Failed to store thumbnail", "file", p.name, "error", err)
	}

	photo, err := s.db.CreatePhoto(ctx, user.ID, sectionID, p.name, title)
	if err != nil {
		s.removeFiles(ctx, p.name)
		return PhotoView{}, fmt.Errorf("create photo %s: %w", p.name, err)
	}

	view, err := s.db.GetPhotoView(ctx, photo.ID)
	if err != nil {
		return PhotoView{}, err
	}
	s.decoratePhoto(&view)

	return view, nil
}

// removeFiles deletes stored files together with their thumbnails.
func (s *APIServer) removeFiles(ctx context.Context, names ...string) {
	for _, name := range names {
		for _, n := range []string{name, thumbnailName(name)} {
			if err := s.files.Delete(ctx, n); err != nil {
				slog.Warn("Failed to delete stored file", "file", n, "error", err)
			}
		}
	}
}

func (s *APIServer) removePhoto(ctx context.Context, photo Photo, actor User) error {
	if err := s.db.DeletePhoto(ctx, photo.ID); err != nil {
		return err
	}

	s.removeFiles(ctx, photo.Filename)
	s.cache.Invalidate(ctx)
	s.hub.Publish(Event{Type: EventPhotoDeleted, PhotoID: photo.ID, UserID: actor.ID, Username: actor.Username})

	return nil
}

func (s *APIServer) HandleListPhotos(w http.ResponseWriter, r *http.Request) error {
	var sectionID *int64
	if raw := r.URL.Query().Get("section_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return badRequest(ErrInvalidID)
		}
		sectionID = &id
	}

	photos, err := s.db.ListPhotos(r.Context(), sectionID)
	if err != nil {
		return err
	}

	return writeJSON(w, s.decoratePhotos(photos))
}

func (s *APIServer) HandleTopPhotos(w http.ResponseWriter, r *http.Request) error {
	ctx := r.Context()

	if photos, ok := s.cache.Get(ctx); ok {
		return writeJSON(w, photos)
	}

	photos, err := s.db.TopPhotos(ctx, topPhotosLimit)
	if err != nil {
		return err
	}
	photos = s.decoratePhotos(photos)

	s.cache.Set(ctx, photos)

	return writeJSON(w, photos)
}

func (s *APIServer) HandleGetThumbnail(w http.ResponseWriter, r *http.Request) error {
	id, err := pathID(r)
	if err != nil {
		return err
	}

	photo, err := s.loadPhoto(r.Context(), id)
	if err != nil {
		return err
	}

	rc, err := s.files.Open(r.Context(), thumbnailName(photo.Filename))
	if errors.Is(err, ErrFileNotFound) {
		http.Redirect(w, r, s.files.URL(photo.Filename), http.StatusFound)
		return nil
	}
	if err != nil {
		return err
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "public, max-age=86400")

	_, err = io.Copy(w, rc)

	return err
}

func (s *APIServer) loadPhoto(ctx context.Context, id int64) (Photo, error) {
	photo, err := s.db.GetPhoto(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return Photo{}, notFound(ErrPhotoNotFound)
	}

	return photo, err
}

func (s *APIServer) HandleVote(user User, w http.ResponseWriter, r *http.Request) error {
	id, err := pathID(r)
	if err != nil {
		return err
	}

	ctx := r.Context()

	if _, err := s.loadPhoto(ctx, id); err != nil {
		return err
	}

	if err := s.db.CreateVote(ctx, user.ID, id); errors.Is(err, ErrAlreadyVoted) {
		return badRequest(ErrDuplicateVote)
	} else if err != nil {
		return err
	}

	s.cache.Invalidate(ctx)
	s.hub.Publish(Event{Type: EventVoteCast, PhotoID: id, UserID: user.ID, Username: user.Username})

	return writeJSON(w, MessageResponse{OK: true, Message: "Vote recorded"})
}

func (s *APIServer) HandleAddComment(user User, w http.ResponseWriter, r *http.Request) error {
	id, err := pathID(r)
	if err != nil {
		return err
	}

	var req CommentRequest
	if err := s.decodeJSON(r, &req); err != nil {
		return err
	}

	text := strings.TrimSpace(req.Comment)
	if text == "" {
		return badRequest(ErrEmptyComment)
	}
	if utf8.RuneCountInString(text) > maxCommentLength {
		return badRequest(ErrCommentTooLong)
	}

	ctx := r.Context()

	if _, err := s.loadPhoto(ctx, id); err != nil {
		return err
	}

	comment, err := s.db.CreateComment(ctx, user.ID, id, text)
	if err != nil {
		return err
	}

	s.cache.Invalidate(ctx)
	s.hub.Publish(Event{Type: EventCommentAdded, PhotoID: id, UserID: user.ID, Username: user.Username})

	return writeJSON(w, CommentResponse{OK: true, Comment: comment})
}

func (s *APIServer) HandleListComments(w http.ResponseWriter, r *http.Request) error {
	id, err := pathID(r)
	if err != nil {
		return err
	}

	if _, err := s.loadPhoto(r.Context(), id); err != nil {
		return err
	}

	comments, err := s.db.ListComments(r.Context(), id)
	if err != nil {
		return err
	}

	return writeJSON(w, comments)
}

func (s *APIServer) HandleDeletePhoto(user User, w http.ResponseWriter, r *http.Request) error {
	id, err := pathID(r)
	if err != nil {
		return err
	}

	ctx := r.Context()

	photo, err := s.loadPhoto(ctx, id)
	if err != nil {
		return err
	}
	if photo.UserID != user.ID {
		return notFound(ErrPhotoNotFound)
	}

	if err := s.removePhoto(ctx, photo, user); err != nil {
		return err
	}

	return writeJSON(w, MessageResponse{OK: true, Message: "Photo deleted"})
}

func (s *APIServer) HandleToggleTag(user User, w http.ResponseWriter, r *http.Request) error {
	id, err := pathID(r)
	if err != nil {
		return err
	}

	ctx := r.Context()

	if _, err := s.loadPhoto(ctx, id); err != nil {
		return err
	}

	tagged, err := s.db.ToggleTag(ctx, user.ID, id)
	if err != nil {
		return err
	}

	ev := Event{Type: EventTagRemoved, PhotoID: id, UserID: user.ID, Username: user.Username}
	if tagged {
		ev.Type = EventTagAdded
	}
	s.hub.Publish(ev)

	return writeJSON(w, TaggedResponse{Tagged: tagged})
}

func (s *APIServer) HandleIsTagged(user User, w http.ResponseWriter, r *http.Request) error {
	id, err := pathID(r)
	if err != nil {
		return err
	}

	tagged, err := s.db.IsTagged(r.Context(), user.ID, id)
	if err != nil {
		return err
	}

	return writeJSON(w, TaggedResponse{Tagged: tagged})
}
