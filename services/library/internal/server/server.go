package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"libraryhub/internal/ratelimit"
	"libraryhub/internal/usertoken"
	"libraryhub/internal/util"
	"libraryhub/pkg/domain"
	"libraryhub/services/library/internal/app"
)

const maxBodyBytes = 1 << 20

// Config wires required dependencies for the HTTP server.
type Config struct {
	App           *app.App
	TokenVerifier *usertoken.Verifier
	// TokenRevoker records logged-out tokens. Nil uses an in-memory revoker.
	TokenRevoker usertoken.Revoker
	// LoanLimiter throttles borrow/return per member. Nil disables throttling.
	LoanLimiter ratelimit.Limiter
	// CORSOrigins restricts browser origins. Empty allows any origin.
	CORSOrigins []string
}

// Server exposes HTTP endpoints for the library service.
type Server struct {
	app           *app.App
	tokenVerifier *usertoken.Verifier
	tokenRevoker  usertoken.Revoker
	loanLimiter   ratelimit.Limiter
	corsOrigins   []string
	mux           *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("app required")
	}
	if cfg.TokenVerifier == nil {
		return nil, errors.New("token verifier required")
	}
	revoker := cfg.TokenRevoker
	if revoker == nil {
		revoker = usertoken.NewMemoryRevoker()
	}
	s := &Server{
		app:           cfg.App,
		tokenVerifier: cfg.TokenVerifier,
		tokenRevoker:  revoker,
		loanLimiter:   cfg.LoanLimiter,
		corsOrigins:   cfg.CORSOrigins,
		mux:           http.NewServeMux(),
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.Chain(s.mux,
		util.WithRequestID,
		util.WithRequestLog("library"),
		util.WithSecurityHeaders,
		util.WithCORS(s.corsOrigins),
	)
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)

	// books
	s.mux.HandleFunc("/books", s.handleBooks)
	s.mux.HandleFunc("/books/", s.handleBookPath)

	// authors
	s.mux.HandleFunc("/authors", s.handleAuthors)
	s.mux.HandleFunc("/authors/", s.handleAuthorPath)

	// members
	s.mux.Handle("/members", s.withMember(s.handleMembers))
	s.mux.Handle("/members/", s.withMember(s.handleMemberPath))
	s.mux.Handle("/members/me", s.withMember(s.handleMe))
	s.mux.Handle("/members/me/books", s.withMember(s.handleMyBooks))
	s.mux.HandleFunc("/members/me/logout", s.handleLogout)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if err := s.app.Ping(); err != nil {
		writeError(w, http.StatusServiceUnavailable, "service unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type memberHandler func(http.ResponseWriter, *http.Request, domain.Member)

// authenticate resolves the bearer token to a stored member. The store, not the
// token, decides whether the member is an admin.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) (domain.Member, *http.Request, bool) {
	claims, ok := s.verifyRequest(w, r)
	if !ok {
		return domain.Member{}, r, false
	}
	member, err := s.app.GetMember(r.Context(), claims.MemberID)
	if err != nil {
		if errors.Is(err, app.ErrNotFound) {
			writeError(w, http.StatusUnauthorized, "unauthorized")
		} else {
			writeAppError(w, err)
		}
		return domain.Member{}, r, false
	}
	logger := util.LoggerFromContext(r.Context()).With("member_id", member.ID)
	return member, r.WithContext(util.ContextWithLogger(r.Context(), logger)), true
}

// verifyRequest validates the bearer token and rejects revoked ones.
func (s *Server) verifyRequest(w http.ResponseWriter, r *http.Request) (usertoken.Claims, bool) {
	token, ok := bearerToken(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return usertoken.Claims{}, false
	}
	claims, err := s.tokenVerifier.Verify(token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return usertoken.Claims{}, false
	}
	if claims.TokenID != "" {
		revoked, err := s.tokenRevoker.IsRevoked(r.Context(), claims.TokenID)
		if err != nil {
			util.LoggerFromContext(r.Context()).Error("token revocation check failed", "err", err)
			writeError(w, http.StatusServiceUnavailable, "service unavailable")
			return usertoken.Claims{}, false
		}
		if revoked {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return usertoken.Claims{}, false
		}
	}
	return claims, true
}

func (s *Server) withMember(next memberHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		member, r, ok := s.authenticate(w, r)
		if !ok {
			return
		}
		next(w, r, member)
	})
}

// requireAdmin authenticates and rejects non-admin members.
func (s *Server) requireAdmin(w http.ResponseWriter, r *http.Request) (*http.Request, bool) {
	member, r, ok := s.authenticate(w, r)
	if !ok {
		return r, false
	}
	if !member.IsAdmin {
		writeError(w, http.StatusForbidden, "forbidden")
		return r, false
	}
	return r, true
}

// /books
func (s *Server) handleBooks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		books, err := s.app.ListBooks(r.Context(), r.URL.Query().Get("author"))
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeList(w, books)
	case http.MethodPost:
		r, ok := s.requireAdmin(w, r)
		if !ok {
			return
		}
		var in app.BookInput
		if !decodeBody(w, r, &in) {
			return
		}
		book, err := s.app.CreateBook(r.Context(), in)
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, book)
	default:
		methodNotAllowed(w)
	}
}

// /books/{id}, /books/borrow/{id}, /books/return/{id}, /books/overdue, /books/count
func (s *Server) handleBookPath(w http.ResponseWriter, r *http.Request) {
	parts := splitPath(strings.TrimPrefix(r.URL.Path, "/books/"))
	switch {
	case len(parts) == 2 && (parts[0] == "borrow" || parts[0] == "return"):
		if r.Method != http.MethodPatch {
			methodNotAllowed(w)
			return
		}
		s.withMember(func(w http.ResponseWriter, r *http.Request, member domain.Member) {
			s.handleLoan(w, r, member, parts[0], parts[1])
		}).ServeHTTP(w, r)
	case len(parts) == 1 && parts[0] == "overdue":
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		r, ok := s.requireAdmin(w, r)
		if !ok {
			return
		}
		books, err := s.app.OverdueLoans(r.Context())
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeList(w, books)
	case len(parts) == 1 && parts[0] == "count":
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		n, err := s.app.CountBooks(r.Context())
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"booksTotal": n})
	case len(parts) == 1:
		s.handleBookByID(w, r, parts[0])
	default:
		notFound(w, "not found")
	}
}

func (s *Server) handleLoan(w http.ResponseWriter, r *http.Request, member domain.Member, action, bookID string) {
	if s.loanLimiter != nil {
		if d := s.loanLimiter.Allow(r.Context(), "loan", member.ID); !d.Allowed {
			w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(d.RetryAfter)))
			writeError(w, http.StatusTooManyRequests, "too many loan requests")
			return
		}
	}
	var (
		loan domain.Loan
		err  error
	)
	if action == "borrow" {
		loan, err = s.app.Borrow(r.Context(), member.ID, bookID)
	} else {
		loan, err = s.app.Return(r.Context(), member.ID, bookID)
	}
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, loan)
}

func (s *Server) handleBookByID(w http.ResponseWriter, r *http.Request, id string) {
	switch r.Method {
	case http.MethodGet:
		book, err := s.app.GetBook(r.Context(), id)
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, book)
	case http.MethodPut:
		r, ok := s.requireAdmin(w, r)
		if !ok {
			return
		}
		var in app.BookInput
		if !decodeBody(w, r, &in) {
			return
		}
		book, err := s.app.UpdateBook(r.Context(), id, in)
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, book)
	case http.MethodDelete:
		r, ok := s.requireAdmin(w, r)
		if !ok {
			return
		}
		if err := s.app.DeleteBook(r.Context(), id); err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	default:
		methodNotAllowed(w)
	}
}

// /authors
func (s *Server) handleAuthors(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		authors, err := s.app.ListAuthors(r.Context())
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeList(w, authors)
	case http.MethodPost:
		r, ok := s.requireAdmin(w, r)
		if !ok {
			return
		}
		var in app.AuthorInput
		if !decodeBody(w, r, &in) {
			return
		}
		author, err := s.app.CreateAuthor(r.Context(), in)
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, author)
	default:
		methodNotAllowed(w)
	}
}

type featureRequest struct {
	Featured *bool `json:"featured"`
}

// /authors/{id}, /authors/feature, /authors/feature/{id}, /authors/profile/{slug}
func (s *Server) handleAuthorPath(w http.ResponseWriter, r *http.Request) {
	parts := splitPath(strings.TrimPrefix(r.URL.Path, "/authors/"))
	switch {
	case len(parts) == 1 && parts[0] == "feature":
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		authors, err := s.app.FeaturedAuthors(r.Context())
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeList(w, authors)
	case len(parts) == 2 && parts[0] == "feature":
		if r.Method != http.MethodPut {
			methodNotAllowed(w)
			return
		}
		r, ok := s.requireAdmin(w, r)
		if !ok {
			return
		}
		var req featureRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if req.Featured == nil {
			writeError(w, http.StatusBadRequest, "featured required")
			return
		}
		author, err := s.app.SetFeatured(r.Context(), parts[1], *req.Featured)
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, author)
	case len(parts) == 2 && parts[0] == "profile":
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		profile, err := s.app.AuthorProfile(r.Context(), parts[1])
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, profile)
	case len(parts) == 1:
		s.handleAuthorByID(w, r, parts[0])
	default:
		notFound(w, "not found")
	}
}

func (s *Server) handleAuthorByID(w http.ResponseWriter, r *http.Request, id string) {
	switch r.Method {
	case http.MethodGet:
		author, err := s.app.GetAuthor(r.Context(), id)
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, author)
	case http.MethodPut:
		r, ok := s.requireAdmin(w, r)
		if !ok {
			return
		}
		var in app.AuthorInput
		if !decodeBody(w, r, &in) {
			return
		}
		author, err := s.app.UpdateAuthor(r.Context(), id, in)
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, author)
	case http.MethodDelete:
		r, ok := s.requireAdmin(w, r)
		if !ok {
			return
		}
		if err := s.app.DeleteAuthor(r.Context(), id); err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	default:
		methodNotAllowed(w)
	}
}

// /members
func (s *Server) handleMembers(w http.ResponseWriter, r *http.Request, member domain.Member) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !member.IsAdmin {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}
	if r.Method == http.MethodGet {
		members, err := s.app.ListMembers(r.Context())
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeList(w, members)
		return
	}
	var in app.MemberInput
	if !decodeBody(w, r, &in) {
		return
	}
	created, err := s.app.CreateMember(r.Context(), in)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// /members/{id}
func (s *Server) handleMemberPath(w http.ResponseWriter, r *http.Request, member domain.Member) {
	parts := splitPath(strings.TrimPrefix(r.URL.Path, "/members/"))
	if len(parts) != 1 {
		notFound(w, "not found")
		return
	}
	id := parts[0]
	switch r.Method {
	case http.MethodGet:
		if !member.IsAdmin {
			writeError(w, http.StatusForbidden, "forbidden")
			return
		}
		got, err := s.app.GetMember(r.Context(), id)
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, got)
	case http.MethodPut:
		// Members may edit their own profile; only admins grant admin.
		if !member.IsAdmin && member.ID != id {
			writeError(w, http.StatusForbidden, "forbidden")
			return
		}
		var in app.MemberUpdate
		if !decodeBody(w, r, &in) {
			return
		}
		if in.IsAdmin != nil && !member.IsAdmin {
			writeError(w, http.StatusForbidden, "forbidden")
			return
		}
		updated, err := s.app.UpdateMember(r.Context(), id, in)
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, updated)
	case http.MethodDelete:
		if !member.IsAdmin {
			writeError(w, http.StatusForbidden, "forbidden")
			return
		}
		if err := s.app.DeleteMember(r.Context(), id); err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request, member domain.Member) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, member)
}

func (s *Server) handleMyBooks(w http.ResponseWriter, r *http.Request, member domain.Member) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	books, err := s.app.MemberLoans(r.Context(), member.ID)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeList(w, books)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	claims, ok := s.verifyRequest(w, r)
	if !ok {
		return
	}
	if claims.TokenID == "" {
		writeError(w, http.StatusBadRequest, "token cannot be revoked")
		return
	}
	if err := s.tokenRevoker.Revoke(r.Context(), claims.TokenID, s.tokenVerifier.Remaining(claims)); err != nil {
		util.LoggerFromContext(r.Context()).Error("token revoke failed", "err", err)
		writeError(w, http.StatusServiceUnavailable, "service unavailable")
		return
	}
	util.LoggerFromContext(r.Context()).Info("member_logged_out", "member_id", claims.MemberID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "logged out"})
}

// retryAfterSeconds rounds up so clients never retry inside the same window.
func retryAfterSeconds(d time.Duration) int {
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

func bearerToken(r *http.Request) (string, bool) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) < len("Bearer ") || !strings.EqualFold(header[:len("Bearer ")], "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(header[len("Bearer "):])
	return token, token != ""
}

func splitPath(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func notFound(w http.ResponseWriter, msg string) {
	writeError(w, http.StatusNotFound, msg)
}

func writeList[T any](w http.ResponseWriter, items []T) {
	if items == nil {
		items = []T{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": items,
		"count": len(items),
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"requestId,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{
		Error:     msg,
		Code:      errorCodeForLibrary(status, msg),
		RequestID: strings.TrimSpace(w.Header().Get("X-Request-Id")),
	})
}

// writeAppError maps an App error kind onto an HTTP status.
func writeAppError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, app.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, app.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, app.ErrLimitExceeded):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, app.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, app.ErrUnavailable), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusServiceUnavailable, "service unavailable")
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func errorCodeForLibrary(status int, msg string) string {
	message := strings.ToLower(strings.TrimSpace(msg))
	switch {
	case message == "unauthorized":
		return "AUTH_INVALID_TOKEN"
	case message == "forbidden":
		return "AUTH_FORBIDDEN"
	case message == "book not found":
		return "BOOK_NOT_FOUND"
	case message == "author not found":
		return "AUTHOR_NOT_FOUND"
	case message == "member not found":
		return "MEMBER_NOT_FOUND"
	case message == "already borrowed by requester":
		return "LOAN_ALREADY_BORROWED"
	case message == "unavailable":
		return "LOAN_BOOK_UNAVAILABLE"
	case message == "not your borrow":
		return "LOAN_NOT_BORROWER"
	case message == "borrowed books limit reached":
		return "LOAN_LIMIT_EXCEEDED"
	case message == "too many loan requests":
		return "LOAN_RATE_LIMITED"
	case message == "book is on loan":
		return "BOOK_ON_LOAN"
	case message == "author still has books":
		return "AUTHOR_HAS_BOOKS"
	case message == "featured authors limit reached":
		return "AUTHOR_FEATURED_LIMIT"
	case message == "email already exists":
		return "MEMBER_EMAIL_EXISTS"
	case message == "member has books on loan":
		return "MEMBER_HAS_LOANS"
	case message == "author slug already exists":
		return "AUTHOR_SLUG_EXISTS"
	case message == "invalid json body", message == "featured required", message == "token cannot be revoked":
		return "SYSTEM_INVALID_REQUEST"
	case message == "method not allowed":
		return "SYSTEM_METHOD_NOT_ALLOWED"
	case message == "not found":
		return "SYSTEM_NOT_FOUND"
	}

	switch status {
	case http.StatusBadRequest:
		return "SYSTEM_INVALID_REQUEST"
	case http.StatusUnauthorized:
		return "AUTH_INVALID_TOKEN"
	case http.StatusForbidden:
		return "AUTH_FORBIDDEN"
	case http.StatusNotFound:
		return "SYSTEM_NOT_FOUND"
	case http.StatusConflict:
		return "SYSTEM_CONFLICT"
	case http.StatusUnprocessableEntity:
		return "SYSTEM_LIMIT_EXCEEDED"
	case http.StatusTooManyRequests:
		return "SYSTEM_RATE_LIMITED"
	case http.StatusServiceUnavailable:
		return "SYSTEM_UNAVAILABLE"
	default:
		return "SYSTEM_INTERNAL_ERROR"
	}
}
