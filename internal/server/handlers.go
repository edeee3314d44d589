// Package server provides the HTTP boundary for calconnect. Handlers
// decode requests, invoke the connect service, and map its typed errors
// to JSON responses or front-end redirects; no protocol decisions are
// made here.
package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/rosterly/calconnect/internal/config"
	"github.com/rosterly/calconnect/internal/connect"
	"github.com/rosterly/calconnect/internal/models"
	"github.com/rosterly/calconnect/internal/store"
)

// maxRequestBody caps JSON request bodies on admin endpoints.
const maxRequestBody = 1 << 20

// Error kinds rendered by the front end's error page. The link is dead
// once any of these fires; the user must request a new one.
const (
	errKindInvalidToken   = "invalid_token"
	errKindTokenExpired   = "token_expired"
	errKindTokenUsed      = "token_used"
	errKindInvalidState   = "invalid_state"
	errKindExchangeFailed = "exchange_failed"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, code, description string) {
	writeJSON(w, status, map[string]string{
		"error":             code,
		"error_description": description,
	})
}

// redirectError sends the user-agent to the front end's error page with
// the error kind as a query parameter.
func redirectError(w http.ResponseWriter, r *http.Request, frontendURL, kind string) {
	params := url.Values{}
	params.Set("error", kind)

	http.Redirect(w, r, frontendURL+"/calendar/error?"+params.Encode(), http.StatusFound)
}

type issueLinkRequest struct {
	TenantID string `json:"tenantId"`
	StaffID  string `json:"staffMemberId"`
}

type issueLinkResponse struct {
	ConnectURL string    `json:"connectUrl"`
	Token      string    `json:"token"`
	ExpiresAt  time.Time `json:"expiresAt"`
	StaffName  string    `json:"staffName"`
}

// HandleIssueLink returns the POST /api/connect-links handler.
func HandleIssueLink(svc *connect.Service, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)

		var req issueLinkRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
			return
		}

		if req.TenantID == "" || req.StaffID == "" {
			writeJSONError(w, http.StatusBadRequest, "invalid_request", "tenantId and staffMemberId are required")
			return
		}

		link, err := svc.IssueLink(req.TenantID, req.StaffID)
		if err != nil {
			switch {
			case errors.Is(err, connect.ErrTenantNotFound), errors.Is(err, connect.ErrStaffNotFound):
				writeJSONError(w, http.StatusNotFound, "not_found", err.Error())
			default:
				logger.Error("issue link failed", slog.String("error", err.Error()))
				writeJSONError(w, http.StatusInternalServerError, "server_error", "unable to issue connection link")
			}

			return
		}

		writeJSON(w, http.StatusOK, issueLinkResponse{
			ConnectURL: link.ConnectURL,
			Token:      link.Token,
			ExpiresAt:  link.ExpiresAt,
			StaffName:  link.StaffName,
		})
	}
}

// HandleConnect returns the GET /connect handler: the entry point both
// for out-of-band links (?token=) and for in-app re-connects
// (?tenantId=&userId=). On success the user-agent is sent to the
// provider's consent screen.
func HandleConnect(svc *connect.Service, logger *slog.Logger, frontendURL string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		q := r.URL.Query()
		req := connect.BeginRequest{
			Token:    q.Get("token"),
			TenantID: q.Get("tenantId"),
			StaffID:  q.Get("userId"),
		}

		consentURL, err := svc.BeginAuthorization(req)
		if err != nil {
			var cfgErr *connect.ConfigError

			switch {
			case errors.Is(err, store.ErrTokenNotFound):
				redirectError(w, r, frontendURL, errKindInvalidToken)
			case errors.Is(err, store.ErrTokenExpired):
				redirectError(w, r, frontendURL, errKindTokenExpired)
			case errors.Is(err, store.ErrTokenUsed):
				redirectError(w, r, frontendURL, errKindTokenUsed)
			case errors.Is(err, connect.ErrMissingParameters):
				http.Error(w, "missing_parameters: token or tenantId and userId required", http.StatusBadRequest)
			case errors.Is(err, connect.ErrTenantNotFound), errors.Is(err, connect.ErrStaffNotFound):
				http.Error(w, err.Error(), http.StatusNotFound)
			case errors.As(err, &cfgErr):
				logger.Error("connect misconfigured", slog.String("error", err.Error()))
				http.Error(w, "service temporarily unavailable", http.StatusInternalServerError)
			default:
				logger.Error("begin authorization failed", slog.String("error", err.Error()))
				http.Error(w, "internal error", http.StatusInternalServerError)
			}

			return
		}

		http.Redirect(w, r, consentURL, http.StatusFound)
	}
}

// HandleCallback returns the GET /oauth/callback handler. The provider
// redirects here after consent; no connection token is referenced at
// this stage, the link was consumed on the way in.
func HandleCallback(svc *connect.Service, logger *slog.Logger, frontendURL string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		q := r.URL.Query()

		// The provider reports user denial and its own errors via an
		// error query parameter instead of a code.
		if q.Get("code") == "" {
			logger.Warn("callback without code", slog.String("provider_error", q.Get("error")))
			redirectError(w, r, frontendURL, errKindExchangeFailed)

			return
		}

		_, err := svc.CompleteAuthorization(r.Context(), q.Get("code"), q.Get("state"))
		if err != nil {
			switch {
			case errors.Is(err, connect.ErrInvalidState):
				redirectError(w, r, frontendURL, errKindInvalidState)
			case errors.Is(err, connect.ErrExchangeFailed):
				logger.Warn("code exchange failed", slog.String("error", err.Error()))
				redirectError(w, r, frontendURL, errKindExchangeFailed)
			default:
				logger.Error("callback failed", slog.String("error", err.Error()))
				http.Error(w, "internal error", http.StatusInternalServerError)
			}

			return
		}

		http.Redirect(w, r, frontendURL+"/calendar/connected", http.StatusFound)
	}
}

type refreshRequest struct {
	TenantID string `json:"tenantId"`
	StaffID  string `json:"staffMemberId"`
}

type refreshResponse struct {
	AccessToken  string    `json:"accessToken"`
	AccessExpiry time.Time `json:"accessExpiry"`
}

// HandleRefresh returns the POST /api/connections/refresh handler.
func HandleRefresh(svc *connect.Service, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)

		var req refreshRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
			return
		}

		if req.TenantID == "" || req.StaffID == "" {
			writeJSONError(w, http.StatusBadRequest, "invalid_request", "tenantId and staffMemberId are required")
			return
		}

		conn, err := svc.Refresh(r.Context(), req.TenantID, req.StaffID)
		if err != nil {
			switch {
			case errors.Is(err, connect.ErrConnectionNotFound):
				writeJSONError(w, http.StatusNotFound, "not_found", "no calendar connection for this staff member")
			case errors.Is(err, connect.ErrReauthorizationRequired):
				writeJSONError(w, http.StatusConflict, "reauthorization_required", "refresh credential rejected; reconnect the calendar")
			default:
				logger.Error("refresh failed", slog.String("error", err.Error()))
				writeJSONError(w, http.StatusInternalServerError, "server_error", "unable to refresh credentials")
			}

			return
		}

		writeJSON(w, http.StatusOK, refreshResponse{
			AccessToken:  conn.AccessToken,
			AccessExpiry: conn.AccessExpiry,
		})
	}
}

// HandleConfigCheck returns the GET /api/config/check handler. Purely
// diagnostic: reports which configuration values are present and the
// computed callback URL, never the values themselves.
func HandleConfigCheck(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		writeJSON(w, http.StatusOK, cfg.Check())
	}
}

type createTenantRequest struct {
	Name string `json:"name"`
}

// HandleCreateTenant returns the POST /api/tenants provisioning handler.
func HandleCreateTenant(st *store.Store, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)

		var req createTenantRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
			return
		}

		if req.Name == "" {
			writeJSONError(w, http.StatusBadRequest, "invalid_request", "name is required")
			return
		}

		tenant := models.Tenant{
			ID:        uuid.NewString(),
			Name:      req.Name,
			CreatedAt: time.Now().UTC(),
		}

		if err := st.SaveTenant(tenant); err != nil {
			logger.Error("create tenant failed", slog.String("error", err.Error()))
			writeJSONError(w, http.StatusInternalServerError, "server_error", "unable to create tenant")

			return
		}

		writeJSON(w, http.StatusCreated, tenant)
	}
}

type createStaffRequest struct {
	TenantID    string `json:"tenantId"`
	DisplayName string `json:"displayName"`
	Email       string `json:"email"`
}

// HandleCreateStaff returns the POST /api/staff provisioning handler.
func HandleCreateStaff(st *store.Store, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)

		var req createStaffRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
			return
		}

		if req.TenantID == "" || req.DisplayName == "" {
			writeJSONError(w, http.StatusBadRequest, "invalid_request", "tenantId and displayName are required")
			return
		}

		tenant, err := st.GetTenant(req.TenantID)
		if err != nil {
			logger.Error("load tenant failed", slog.String("error", err.Error()))
			writeJSONError(w, http.StatusInternalServerError, "server_error", "unable to load tenant")

			return
		}

		if tenant == nil {
			writeJSONError(w, http.StatusNotFound, "not_found", "tenant not found")
			return
		}

		staff := models.StaffMember{
			ID:          uuid.NewString(),
			TenantID:    req.TenantID,
			DisplayName: req.DisplayName,
			Email:       req.Email,
			CreatedAt:   time.Now().UTC(),
		}

		if err := st.SaveStaff(staff); err != nil {
			logger.Error("create staff failed", slog.String("error", err.Error()))
			writeJSONError(w, http.StatusInternalServerError, "server_error", "unable to create staff member")

			return
		}

		writeJSON(w, http.StatusCreated, staff)
	}
}
