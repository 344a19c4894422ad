package main

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/cors"
	"golang.org/x/exp/slog"
)

var (
	ErrUnauthorized = errors.New("api: user unauthorized")
	ErrForbidden    = errors.New("api: access denied")
	ErrBanned       = errors.New("api: account suspended, contact an administrator")
	ErrNotFound     = errors.New("api: resource not found")
	ErrInvalidID    = errors.New("api: invalid id")
	ErrInvalidBody  = errors.New("api: invalid request body")
)

const maxJSONBody = 1 << 20

type APIServer struct {
	db       *SQLDatabase
	files    FileStorage
	cache    TopPhotosCache
	hub      *Hub
	mailer   Mailer
	validate *validator.Validate
	cfg      *Config
}

func NewAPIServer(cfg *Config, db *SQLDatabase, files FileStorage, cache TopPhotosCache, hub *Hub, mailer Mailer) *APIServer {
	validate := validator.New()
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})

	return &APIServer{
		db:       db,
		files:    files,
		cache:    cache,
		hub:      hub,
		mailer:   mailer,
		validate: validate,
		cfg:      cfg,
	}
}

type APIFunc func(w http.ResponseWriter, r *http.Request) error

func makeHandler(f APIFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := f(w, r)
		if err == nil {
			return
		}

		var statusError *StatusError
		if errors.As(err, &statusError) {
			if statusError.Status >= http.StatusInternalServerError {
				slog.Error("Writing API Status Error to response", "status_error", statusError, "path", r.URL.Path)
			} else {
				slog.Debug("Writing API Status Error to response", "status_error", statusError, "path", r.URL.Path)
			}

			writeJSONStatus(w, statusError.Status, statusError)

			return
		}

		slog.Error("Writing an error to response", "error", err, "path", r.URL.Path)
		writeJSONStatus(w, http.StatusInternalServerError, &StatusError{Status: http.StatusInternalServerError})
	}
}

type StatusError struct {
	Err    error
	Status int
}

func (a *StatusError) Error() string {
	if a.Err != nil {
		return a.Err.Error()
	}

	return http.StatusText(a.Status)
}

func (a *StatusError) Unwrap() error {
	return a.Err
}

// MarshalJSON strips the "api:"-style package prefix from the message shown to clients.
func (a *StatusError) MarshalJSON() ([]byte, error) {
	msg := a.Error()
	if prefix, rest, ok := strings.Cut(msg, ": "); ok && !strings.Contains(prefix, " ") {
		msg = rest
	}

	return json.Marshal(struct {
		Error  string `json:"error"`
		Status int    `json:"status"`
	}{Error: msg, Status: a.Status})
}

func badRequest(err error) *StatusError {
	return &StatusError{Err: err, Status: http.StatusBadRequest}
}

func notFound(err error) *StatusError {
	return &StatusError{Err: err, Status: http.StatusNotFound}
}

func (s *APIServer) Routes() http.Handler {
	r := http.NewServeMux()

	r.HandleFunc("GET /health", makeHandler(s.HandleHealth))
	r.HandleFunc("GET /uploads/{name...}", makeHandler(s.HandleGetUpload))
	r.HandleFunc("GET /api/events", s.hub.ServeWS)

	r.HandleFunc("POST /api/register", makeHandler(s.HandleRegister))
	r.HandleFunc("POST /api/login", makeHandler(s.HandleLogin))
	r.HandleFunc("POST /api/forgot-password", makeHandler(s.HandleForgotPassword))
	r.HandleFunc("GET /api/me", makeHandler(s.authMiddleware(s.HandleMe)))

	r.HandleFunc("POST /api/photos", makeHandler(s.authMiddleware(s.HandleUploadPhotos)))
	r.HandleFunc("GET /api/photos", makeHandler(s.HandleListPhotos))
	r.HandleFunc("GET /api/photos/top", makeHandler(s.HandleTopPhotos))
	r.HandleFunc("GET /api/photos/{id}/thumbnail", makeHandler(s.HandleGetThumbnail))
	r.HandleFunc("POST /api/photos/{id}/vote", makeHandler(s.authMiddleware(s.HandleVote)))
	r.HandleFunc("POST /api/photos/{id}/comment", makeHandler(s.authMiddleware(s.HandleAddComment)))
	r.HandleFunc("GET /api/photos/{id}/comments", makeHandler(s.HandleListComments))
	r.HandleFunc("DELETE /api/photos/{id}", makeHandler(s.authMiddleware(s.HandleDeletePhoto)))
	r.HandleFunc("POST /api/photos/{id}/tag", makeHandler(s.authMiddleware(s.HandleToggleTag)))
	r.HandleFunc("GET /api/photos/{id}/tagged", makeHandler(s.authMiddleware(s.HandleIsTagged)))

	r.HandleFunc("GET /api/user/photos", makeHandler(s.authMiddleware(s.HandleUserPhotos)))
	r.HandleFunc("GET /api/user/stats", makeHandler(s.authMiddleware(s.HandleUserStats)))
	r.HandleFunc("GET /api/user/tagged-photos", makeHandler(s.authMiddleware(s.HandleTaggedPhotos)))
	r.HandleFunc("POST /api/user/profile-picture", makeHandler(s.authMiddleware(s.HandleUploadProfilePicture)))
	r.HandleFunc("GET /api/user/profile-picture", makeHandler(s.authMiddleware(s.HandleGetProfilePicture)))
	r.HandleFunc("GET /api/users", makeHandler(s.authMiddleware(s.HandleListUsers)))
	r.HandleFunc("GET /api/users/{id}", makeHandler(s.authMiddleware(s.HandleGetUser)))

	r.HandleFunc("GET /api/sections", makeHandler(s.HandleListSections))
	r.HandleFunc("POST /api/sections", makeHandler(s.HandleCreateSection))
	r.HandleFunc("PUT /api/sections/{id}", makeHandler(s.HandleUpdateSection))
	r.HandleFunc("DELETE /api/sections/{id}", makeHandler(s.HandleDeleteSection))

	r.HandleFunc("GET /api/admin/dashboard", makeHandler(s.adminMiddleware(s.HandleAdminDashboard)))
	r.HandleFunc("GET /api/admin/users", makeHandler(s.adminMiddleware(s.HandleAdminListUsers)))
	r.HandleFunc("GET /api/admin/users/{id}", makeHandler(s.adminMiddleware(s.HandleAdminGetUser)))
	r.HandleFunc("POST /api/admin/users/{id}/ban", makeHandler(s.adminMiddleware(s.HandleAdminBanUser)))
	r.HandleFunc("DELETE /api/admin/users/{id}", makeHandler(s.adminMiddleware(s.HandleAdminDeleteUser)))
	r.HandleFunc("GET /api/admin/photos", makeHandler(s.adminMiddleware(s.HandleAdminListPhotos)))
	r.HandleFunc("DELETE /api/admin/photos/{id}", makeHandler(s.adminMiddleware(s.HandleAdminDeletePhoto)))
	r.HandleFunc("GET /api/admin/logs", makeHandler(s.adminMiddleware(s.HandleAdminListLogs)))
	r.HandleFunc("DELETE /api/admin/logs/clear", makeHandler(s.adminMiddleware(s.HandleAdminClearLogs)))

	c := cors.New(cors.Options{
		AllowedOrigins:   s.cfg.CORSOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})

	return recoverMiddleware(logRequests(c.Handler(r)))
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *APIServer) Run(ctx context.Context) error {
	srv := http.Server{
		Addr:              s.cfg.ListenAddr(),
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       2 * time.Minute,
		WriteTimeout:      2 * time.Minute,
		IdleTimeout:       time.Minute,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Starting the server", "listen_addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}

func writeJSON(w http.ResponseWriter, v any) error {
	w.Header().Set("Content-Type", "application/json; charset=UTF-8")

	return json.NewEncoder(w).Encode(v)
}

func writeJSONStatus(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=UTF-8")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

func (s *APIServer) decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxJSONBody)).Decode(v); err != nil {
		return badRequest(fmt.Errorf("%w: %v", ErrInvalidBody, err))
	}

	return nil
}

func (s *APIServer) validateRequest(v any) error {
	err := s.validate.Struct(v)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		switch fe.Tag() {
		case "required":
			return badRequest(fmt.Errorf("%s is required", fe.Field()))
		case "email":
			return badRequest(fmt.Errorf("%s has an invalid format", fe.Field()))
		case "min":
			return badRequest(fmt.Errorf("%s must be at least %s characters", fe.Field(), fe.Param()))
		case "max":
			return badRequest(fmt.Errorf("%s must be at most %s characters", fe.Field(), fe.Param()))
		default:
			return badRequest(fmt.Errorf("%s is invalid", fe.Field()))
		}
	}

	return badRequest(err)
}

func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, badRequest(ErrInvalidID)
	}

	return id, nil
}

type APIAuthFunc func(user User, w http.ResponseWriter, r *http.Request) error

// authMiddleware resolves the bearer token to a live user row, so bans and
// deletions apply to tokens that were issued earlier.
func (s *APIServer) authMiddleware(f APIAuthFunc) APIFunc {
	return func(w http.ResponseWriter, r *http.Request) error {
		scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
			return &StatusError{Err: ErrUnauthorized, Status: http.StatusUnauthorized}
		}

		claims, err := VerifyJWTToken(token)
		if err != nil {
			return &StatusError{Err: ErrInvalidToken, Status: http.StatusUnauthorized}
		}

		userID, err := claims.UserID()
		if err != nil {
			return &StatusError{Err: ErrInvalidToken, Status: http.StatusUnauthorized}
		}

		user, err := s.db.GetUserByID(r.Context(), userID)
		if errors.Is(err, sql.ErrNoRows) {
			return &StatusError{Err: ErrUnauthorized, Status: http.StatusUnauthorized}
		}
		if err != nil {
			return fmt.Errorf("load user %d: %w", userID, err)
		}

		if user.IsBanned {
			return &StatusError{Err: ErrBanned, Status: http.StatusForbidden}
		}

		return f(user, w, r)
	}
}

func (s *APIServer) adminMiddleware(f APIAuthFunc) APIFunc {
	return s.authMiddleware(func(user User, w http.ResponseWriter, r *http.Request) error {
		if user.Role != RoleAdmin {
			return &StatusError{Err: ErrForbidden, Status: http.StatusForbidden}
		}

		return f(user, w, r)
	})
}

func (s *APIServer) HandleHealth(w http.ResponseWriter, r *http.Request) error {
	if err := s.db.Ping(r.Context()); err != nil {
		return &StatusError{Err: fmt.Errorf("database unavailable: %w", err), Status: http.StatusServiceUnavailable}
	}

	return writeJSON(w, map[string]string{"status": "ok"})
}

func (s *APIServer) HandleGetUpload(w http.ResponseWriter, r *http.Request) error {
	name := r.PathValue("name")

	rc, err := s.files.Open(r.Context(), name)
	if errors.Is(err, ErrFileNotFound) || errors.Is(err, ErrInvalidName) {
		return notFound(ErrNotFound)
	}
	if err != nil {
		return err
	}
	defer rc.Close()

	w.Header().Set("Cache-Control", "public, max-age=86400")
	w.Header().Set("X-Content-Type-Options", "nosniff")

	if rs, ok := rc.(io.ReadSeeker); ok {
		http.ServeContent(w, r, filepath.Base(name), time.Time{}, rs)
		return nil
	}

	if ct := mime.TypeByExtension(filepath.Ext(name)); ct != "" {
		w.Header().Set("Content-Type", ct)
	}

	_, err = io.Copy(w, rc)

	return err
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *statusRecorder) WriteHeader(code int) {
	if rec.status == 0 {
		rec.status = code
	}
	rec.ResponseWriter.WriteHeader(code)
}

func (rec *statusRecorder) Write(b []byte) (int, error) {
	if rec.status == 0 {
		rec.status = http.StatusOK
	}
	return rec.ResponseWriter.Write(b)
}

func (rec *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := rec.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("api: response writer does not support hijacking")
	}
	rec.status = http.StatusSwitchingProtocols

	return hj.Hijack()
}

func (rec *statusRecorder) Unwrap() http.ResponseWriter {
	return rec.ResponseWriter
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}

		next.ServeHTTP(rec, r)

		slog.Info("Handled request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"latency", time.Since(start).String(),
			"remote_addr", r.RemoteAddr,
		)
	})
}

func recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				slog.Error("Panic recovered", "panic", fmt.Sprint(rec), "path", r.URL.Path)
				writeJSONStatus(w, http.StatusInternalServerError, &StatusError{Status: http.StatusInternalServerError})
			}
		}()

		next.ServeHTTP(w, r)
	})
}
