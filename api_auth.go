package main

import (
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/exp/slog"
)

var (
	ErrUsernameTaken      = errors.New("username already exists")
	ErrEmailTaken         = errors.New("email already registered")
	ErrInvalidCredentials = errors.New("api: invalid username or password")
)

type RegisterRequest struct {
	Username string `json:"username" validate:"required,max=50"`
	Email    string `json:"email" validate:"required,email,max=255"`
	Password string `json:"password" validate:"required,min=6,max=72"`
}

type LoginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type LoginResponse struct {
	Token string    `json:"token"`
	User  LoginUser `json:"user"`
}

type LoginUser struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Role     string `json:"role"`
}

type MessageResponse struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
}

type MeResponse struct {
	User
	ProfilePictureURL *string `json:"profile_picture_url"`
}

func (s *APIServer) HandleRegister(w http.ResponseWriter, r *http.Request) error {
	var req RegisterRequest
	if err := s.decodeJSON(r, &req); err != nil {
		return err
	}

	req.Username = strings.TrimSpace(req.Username)
	req.Email = strings.TrimSpace(req.Email)

	if err := s.validateRequest(&req); err != nil {
		return err
	}

	ctx := r.Context()

	exists, err := s.db.UsernameExists(ctx, req.Username)
	if err != nil {
		return err
	}
	if exists {
		return badRequest(ErrUsernameTaken)
	}

	exists, err = s.db.EmailExists(ctx, req.Email)
	if err != nil {
		return err
	}
	if exists {
		return badRequest(ErrEmailTaken)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	id, err := s.db.CreateUser(ctx, req.Username, req.Email, string(hash), RoleUser)
	if errors.Is(err, ErrDuplicateEmail) {
		return badRequest(ErrEmailTaken)
	}
	if errors.Is(err, ErrDuplicateName) {
		return badRequest(ErrUsernameTaken)
	}
	if err != nil {
		return err
	}

	slog.Info("Registered user", "user_id", id, "username", req.Username)

	go func(to, username string) {
		if err := s.mailer.SendWelcome(to, username); err != nil {
			slog.Warn("Failed to send welcome email", "error", err)
		}
	}(req.Email, req.Username)

	return writeJSON(w, MessageResponse{OK: true, Message: "Registration successful"})
}

func (s *APIServer) HandleLogin(w http.ResponseWriter, r *http.Request) error {
	var req LoginRequest
	if err := s.decodeJSON(r, &req); err != nil {
		return err
	}

	req.Username = strings.TrimSpace(req.Username)

	if err := s.validateRequest(&req); err != nil {
		return err
	}

	user, err := s.db.GetUserByUsername(r.Context(), req.Username)
	if errors.Is(err, sql.ErrNoRows) {
		return &StatusError{Err: ErrInvalidCredentials, Status: http.StatusUnauthorized}
	}
	if err != nil {
		return err
	}

	if !verifyPassword(user.PasswordHash, req.Password) {
		return &StatusError{Err: ErrInvalidCredentials, Status: http.StatusUnauthorized}
	}

	if user.IsBanned {
		return &StatusError{Err: ErrBanned, Status: http.StatusForbidden}
	}

	token, err := NewJWTAccessToken(user)
	if err != nil {
		return err
	}

	return writeJSON(w, LoginResponse{
		Token: token.Access,
		User:  LoginUser{ID: user.ID, Username: user.Username, Role: user.Role},
	})
}

// HandleForgotPassword answers every request the same way; recovery is not offered.
func (s *APIServer) HandleForgotPassword(w http.ResponseWriter, r *http.Request) error {
	writeJSONStatus(w, http.StatusBadRequest, map[string]string{
		"error":   "password recovery is disabled",
		"message": "Contact an administrator to reset your password.",
	})

	return nil
}

func (s *APIServer) HandleMe(user User, w http.ResponseWriter, r *http.Request) error {
	resp := MeResponse{User: user}
	if user.ProfilePicture != nil {
		url := s.files.URL(*user.ProfilePicture)
		resp.ProfilePictureURL = &url
	}

	return writeJSON(w, resp)
}

func verifyPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
