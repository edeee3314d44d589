package server

import (
	"log/slog"
	"net/http"

	"github.com/rosterly/calconnect/internal/config"
	"github.com/rosterly/calconnect/internal/connect"
	"github.com/rosterly/calconnect/internal/store"
)

// MuxConfig holds dependencies for building the HTTP mux.
type MuxConfig struct {
	Service   *connect.Service
	Store     *store.Store
	Config    *config.Config
	AdminKeys []config.AdminKey
	Logger    *slog.Logger
}

// NewMux builds the HTTP mux. The connect entry point and the OAuth
// callback are public (the connection token and signed state are their
// credentials); everything under /api/ requires admin authentication.
func NewMux(cfg MuxConfig) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/connect", HandleConnect(cfg.Service, cfg.Logger, cfg.Config.FrontendURL))
	mux.HandleFunc("/oauth/callback", HandleCallback(cfg.Service, cfg.Logger, cfg.Config.FrontendURL))

	admin := AdminAuth(cfg.AdminKeys, cfg.Logger)
	mux.Handle("/api/connect-links", admin(HandleIssueLink(cfg.Service, cfg.Logger)))
	mux.Handle("/api/connections/refresh", admin(HandleRefresh(cfg.Service, cfg.Logger)))
	mux.Handle("/api/config/check", admin(HandleConfigCheck(cfg.Config)))
	mux.Handle("/api/tenants", admin(HandleCreateTenant(cfg.Store, cfg.Logger)))
	mux.Handle("/api/staff", admin(HandleCreateStaff(cfg.Store, cfg.Logger)))

	return mux
}
