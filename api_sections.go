package main

import (
	"crypto/subtle"
	"database/sql"
	"errors"
	"net/http"
	"strings"

	"golang.org/x/exp/slog"
)

var (
	ErrSectionsLocked      = errors.New("section management is disabled")
	ErrWrongPassword       = errors.New("wrong password")
	ErrSectionNotFound     = errors.New("section not found")
	ErrSectionExists       = errors.New("a section with this name already exists")
	ErrSectionHasPhotos    = errors.New("cannot delete a section that contains photos")
	ErrSectionNameRequired = errors.New("name and password are required")
)

type SectionRequest struct {
	Name        string `json:"name" validate:"required,max=255"`
	Description string `json:"description" validate:"max=1000"`
	Password    string `json:"password" validate:"required"`
}

type DeleteSectionRequest struct {
	Password string `json:"password" validate:"required"`
}

type SectionResponse struct {
	OK      bool    `json:"ok"`
	Message string  `json:"message"`
	Section Section `json:"section"`
}

// checkSectionPassword guards section mutations with the shared password from the config.
func (s *APIServer) checkSectionPassword(password string) error {
	if s.cfg.SectionsPassword == "" {
		return &StatusError{Err: ErrSectionsLocked, Status: http.StatusForbidden}
	}

	if subtle.ConstantTimeCompare([]byte(password), []byte(s.cfg.SectionsPassword)) != 1 {
		return &StatusError{Err: ErrWrongPassword, Status: http.StatusUnauthorized}
	}

	return nil
}

func (s *APIServer) decodeSectionRequest(r *http.Request) (SectionRequest, error) {
	var req SectionRequest
	if err := s.decodeJSON(r, &req); err != nil {
		return req, err
	}

	req.Name = strings.TrimSpace(req.Name)
	req.Description = strings.TrimSpace(req.Description)

	if s.cfg.SectionsPassword == "" {
		return req, &StatusError{Err: ErrSectionsLocked, Status: http.StatusForbidden}
	}
	if req.Name == "" || req.Password == "" {
		return req, badRequest(ErrSectionNameRequired)
	}
	if err := s.validateRequest(&req); err != nil {
		return req, err
	}

	return req, s.checkSectionPassword(req.Password)
}

func (s *APIServer) HandleListSections(w http.ResponseWriter, r *http.Request) error {
	sections, err := s.db.ListSections(r.Context())
	if err != nil {
		return err
	}

	return writeJSON(w, sections)
}

func (s *APIServer) HandleCreateSection(w http.ResponseWriter, r *http.Request) error {
	req, err := s.decodeSectionRequest(r)
	if err != nil {
		return err
	}

	ctx := r.Context()

	id, err := s.db.CreateSection(ctx, req.Name, req.Description)
	if errors.Is(err, ErrDuplicateName) {
		return badRequest(ErrSectionExists)
	}
	if err != nil {
		return err
	}

	section, err := s.db.GetSection(ctx, id)
	if err != nil {
		return err
	}

	slog.Info("Created section", "section_id", id, "name", section.Name)

	return writeJSON(w, SectionResponse{OK: true, Message: "Section created", Section: section})
}

func (s *APIServer) HandleUpdateSection(w http.ResponseWriter, r *http.Request) error {
	id, err := pathID(r)
	if err != nil {
		return err
	}

	req, err := s.decodeSectionRequest(r)
	if err != nil {
		return err
	}

	ctx := r.Context()

	err = s.db.UpdateSection(ctx, id, req.Name, req.Description)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return notFound(ErrSectionNotFound)
	case errors.Is(err, ErrDuplicateName):
		return badRequest(ErrSectionExists)
	case err != nil:
		return err
	}

	s.cache.Invalidate(ctx)

	section, err := s.db.GetSection(ctx, id)
	if err != nil {
		return err
	}

	return writeJSON(w, SectionResponse{OK: true, Message: "Section updated", Section: section})
}

func (s *APIServer) HandleDeleteSection(w http.ResponseWriter, r *http.Request) error {
	id, err := pathID(r)
	if err != nil {
		return err
	}

	var req DeleteSectionRequest
	if err := s.decodeJSON(r, &req); err != nil {
		return err
	}

	if s.cfg.SectionsPassword == "" {
		return &StatusError{Err: ErrSectionsLocked, Status: http.StatusForbidden}
	}
	if err := s.validateRequest(&req); err != nil {
		return err
	}
	if err := s.checkSectionPassword(req.Password); err != nil {
		return err
	}

	ctx := r.Context()

	err = s.db.DeleteSection(ctx, id)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return notFound(ErrSectionNotFound)
	case errors.Is(err, ErrSectionNotEmpty):
		return badRequest(ErrSectionHasPhotos)
	case err != nil:
		return err
	}

	s.cache.Invalidate(ctx)

	slog.Info("Deleted section", "section_id", id)

	return writeJSON(w, MessageResponse{OK: true, Message: "Section deleted"})
}
