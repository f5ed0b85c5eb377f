package receipt

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/zombor/receipt-approvals/internal/apperr"
	"github.com/zombor/receipt-approvals/internal/identity"
)

// maxUploadSize covers high-resolution phone photos
const maxUploadSize = int64(50 << 20)

// setCORSHeaders sets CORS headers on a response
func setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
	w.Header().Set("Access-Control-Max-Age", "3600")
}

// WriteJSON encodes v as the response body
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// WriteError maps err onto a status and a {error, code} body. Unclassified errors are logged
// and reported without detail.
func WriteError(w http.ResponseWriter, err error) {
	status := apperr.HTTPStatus(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		slog.Error("Internal error", "error", err)
		message = "Internal server error"
	}
	WriteJSON(w, status, errorResponse{Error: message, Code: apperr.Code(err)})
}

func decodeJSON(r *http.Request, v any, strict bool) error {
	dec := json.NewDecoder(r.Body)
	if strict {
		dec.DisallowUnknownFields()
	}
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %v: %w", err, apperr.ErrInvalidArgument)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleSignup creates a plain user account
func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	var creds identity.Credentials
	if err := decodeJSON(r, &creds, false); err != nil {
		WriteError(w, err)
		return
	}
	user, err := s.registry.Signup(creds)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, user)
}

type meResponse struct {
	*identity.User
	EffectiveTeam []string `json:"effective_team"`
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request, user *identity.User) {
	WriteJSON(w, http.StatusOK, meResponse{User: user, EffectiveTeam: user.EffectiveTeam()})
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request, user *identity.User) {
	users, err := s.registry.ListUsers(user)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, users)
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request, user *identity.User) {
	username := r.PathValue("username")
	if user.Role != identity.RoleAdmin && user.Username != username {
		WriteError(w, fmt.Errorf("cannot view user %q: %w", username, apperr.ErrForbidden))
		return
	}
	target, err := s.registry.GetUser(username)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, target)
}

// handleTeamCandidates lists the users that could join the named supervisor's team
func (s *Server) handleTeamCandidates(w http.ResponseWriter, r *http.Request, user *identity.User) {
	if user.Role != identity.RoleAdmin {
		WriteError(w, fmt.Errorf("only admins manage teams: %w", apperr.ErrForbidden))
		return
	}
	candidates, err := s.registry.ListAssignableTeamCandidates(r.PathValue("username"))
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, candidates)
}

type setRoleRequest struct {
	Role string   `json:"role"`
	Team []string `json:"team"`
}

func (s *Server) handleSetRole(w http.ResponseWriter, r *http.Request, user *identity.User) {
	var req setRoleRequest
	if err := decodeJSON(r, &req, true); err != nil {
		WriteError(w, err)
		return
	}
	role, err := identity.ParseRole(req.Role)
	if err != nil {
		WriteError(w, err)
		return
	}
	updated, err := s.registry.SetRole(user, r.PathValue("username"), role, req.Team)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, updated)
}

// uploadContentType prefers the part's declared type and falls back to the extension
func uploadContentType(declared, filename string) string {
	contentType := strings.ToLower(strings.TrimSpace(declared))
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = contentTypeFor(filename)
	}
	return contentType
}

// handleScanReceipt stores an uploaded document and returns the extracted fields for review
func (s *Server) handleScanReceipt(w http.ResponseWriter, r *http.Request, user *identity.User) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		slog.Error("Error parsing multipart form", "error", err)
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			WriteError(w, fmt.Errorf("file is too large, maximum size is 50MB: %w", apperr.ErrValidation))
			return
		}
		WriteError(w, fmt.Errorf("error parsing form: %w", apperr.ErrInvalidArgument))
		return
	}

	f, header, err := r.FormFile("file")
	if err != nil {
		WriteError(w, fmt.Errorf("no file provided: %w", apperr.ErrInvalidArgument))
		return
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		slog.Error("Error reading file data", "error", err, "filename", header.Filename)
		WriteError(w, fmt.Errorf("reading upload: %w", err))
		return
	}

	upload, err := s.service.ScanUpload(r.Context(), user, filepath.Base(header.Filename), data, uploadContentType(header.Header.Get("Content-Type"), header.Filename))
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, upload)
}

// receiptView is a receipt plus the controls its viewer gets
type receiptView struct {
	*Receipt
	Actions ActionView `json:"actions"`
}

func viewFor(viewer *identity.User, r *Receipt) receiptView {
	return receiptView{Receipt: r, Actions: StatusActions(viewer, r)}
}

func (s *Server) handleCreateReceipt(w http.ResponseWriter, r *http.Request, user *identity.User) {
	var req Upload
	if err := decodeJSON(r, &req, false); err != nil {
		WriteError(w, err)
		return
	}
	created, err := s.service.CreateReceipt(user, req.Fields, req.ImageRef)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, viewFor(user, created))
}

func (s *Server) handleListReceipts(w http.ResponseWriter, r *http.Request, user *identity.User) {
	receipts, err := s.service.VisibleReceipts(user)
	if err != nil {
		WriteError(w, err)
		return
	}
	views := make([]receiptView, 0, len(receipts))
	for _, rec := range receipts {
		views = append(views, viewFor(user, rec))
	}
	WriteJSON(w, http.StatusOK, views)
}

func keyFromPath(r *http.Request) Key {
	return Key{Owner: r.PathValue("owner"), ProcessedAt: r.PathValue("processed_at")}
}

func (s *Server) handleGetReceipt(w http.ResponseWriter, r *http.Request, user *identity.User) {
	rec, err := s.service.GetReceipt(user, keyFromPath(r))
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, viewFor(user, rec))
}

// handleUpdateReceipt applies an owner's field edits. Unknown members such as status are
// refused outright.
func (s *Server) handleUpdateReceipt(w http.ResponseWriter, r *http.Request, user *identity.User) {
	var patch Patch
	if err := decodeJSON(r, &patch, true); err != nil {
		WriteError(w, err)
		return
	}
	updated, err := s.service.UpdateReceiptFields(user, keyFromPath(r), patch)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, viewFor(user, updated))
}

type transitionRequest struct {
	Status string `json:"status"`
}

type transitionResponse struct {
	Code    string      `json:"code"`
	Receipt receiptView `json:"receipt"`
}

func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request, user *identity.User) {
	var req transitionRequest
	if err := decodeJSON(r, &req, true); err != nil {
		WriteError(w, err)
		return
	}
	updated, err := s.service.Transition(user, keyFromPath(r), req.Status)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, transitionResponse{Code: apperr.CodeSuccess, Receipt: viewFor(user, updated)})
}

func (s *Server) handleGetUpload(w http.ResponseWriter, r *http.Request, user *identity.User) {
	data, contentType, err := s.service.ReceiptImage(user, r.PathValue("image_ref"))
	if err != nil {
		WriteError(w, err)
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.Write(data)
}
