// Package connect implements the delegated calendar-connection
// lifecycle: minting single-use connect links, consuming them into a
// provider consent redirect, completing the code exchange, and
// refreshing stored credentials.
package connect

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/rosterly/calconnect/internal/models"
	"github.com/rosterly/calconnect/internal/provider"
	"github.com/rosterly/calconnect/internal/store"
)

const (
	// tokenBytes is the number of random bytes in a connection token
	// (hex-encoded to twice this length). 32 bytes gives 256 bits of
	// entropy; collisions are rejected by construction.
	tokenBytes = 32
)

// Options holds the dependencies and policy for a Service. Lifecycle of
// the store is owned by the hosting process, not the service.
type Options struct {
	Store    *store.Store
	Provider provider.Provider
	Signer   *StateSigner
	Logger   *slog.Logger

	// ConnectURL renders the public link for a freshly minted token.
	ConnectURL func(token string) string

	// TokenTTL is the validity window for issued connection links.
	TokenTTL time.Duration
}

// Service coordinates the connection token lifecycle and the OAuth2
// exchange/refresh protocol. All methods are safe for concurrent use;
// mutable state lives in the store.
type Service struct {
	store      *store.Store
	provider   provider.Provider
	signer     *StateSigner
	logger     *slog.Logger
	connectURL func(token string) string
	tokenTTL   time.Duration

	// refreshGroup collapses concurrent refreshes for the same
	// (tenant, staff) key into a single provider call, so two racing
	// refreshes cannot both submit the same refresh credential.
	refreshGroup singleflight.Group
}

// NewService constructs a Service from its dependencies.
func NewService(opts Options) *Service {
	return &Service{
		store:      opts.Store,
		provider:   opts.Provider,
		signer:     opts.Signer,
		logger:     opts.Logger,
		connectURL: opts.ConnectURL,
		tokenTTL:   opts.TokenTTL,
	}
}

// IssuedLink is the result of minting a connection link.
type IssuedLink struct {
	Token      string
	ConnectURL string
	ExpiresAt  time.Time
	StaffName  string
}

// IssueLink mints a single-use connection token for a staff member and
// returns the out-of-band link to deliver to them. The link embeds only
// the token value.
func (s *Service) IssueLink(tenantID, staffID string) (*IssuedLink, error) {
	staff, err := s.lookupStaff(tenantID, staffID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	token := models.ConnectionToken{
		ID:        RandomHex(tokenBytes),
		TenantID:  tenantID,
		StaffID:   staffID,
		StaffName: staff.DisplayName,
		CreatedAt: now,
		ExpiresAt: now.Add(s.tokenTTL),
	}

	if err := s.store.SaveConnectionToken(token); err != nil {
		return nil, fmt.Errorf("saving connection token: %w", err)
	}

	s.logger.Info("connection link issued",
		slog.String("tenant_id", tenantID),
		slog.String("staff_id", staffID),
		slog.Time("expires_at", token.ExpiresAt),
	)

	return &IssuedLink{
		Token:      token.ID,
		ConnectURL: s.connectURL(token.ID),
		ExpiresAt:  token.ExpiresAt,
		StaffName:  staff.DisplayName,
	}, nil
}

// BeginRequest selects the authorization entry mode. Token mode (public
// link) sets Token; direct mode (already-authenticated caller) sets
// TenantID and StaffID instead.
type BeginRequest struct {
	Token    string
	TenantID string
	StaffID  string
}

// BeginAuthorization validates the entry, consumes the token in token
// mode, and returns the provider consent URL carrying signed state.
//
// Token mode outcomes, in check order: store.ErrTokenNotFound,
// store.ErrTokenExpired, store.ErrTokenUsed. Consumption is atomic and
// is not rolled back if a later step of the same request fails: a
// bounced attempt does not extend the link's life.
func (s *Service) BeginAuthorization(req BeginRequest) (string, error) {
	if s.provider == nil || s.signer == nil {
		return "", &ConfigError{Reason: "provider client not configured"}
	}

	var st AuthState

	switch {
	case req.Token != "":
		tok, err := s.store.ConsumeConnectionToken(req.Token, time.Now().UTC())
		if err != nil {
			return "", err
		}

		st = AuthState{TenantID: tok.TenantID, StaffID: tok.StaffID}

		s.logger.Info("connection token consumed",
			slog.String("tenant_id", tok.TenantID),
			slog.String("staff_id", tok.StaffID),
		)

	case req.TenantID != "" && req.StaffID != "":
		if _, err := s.lookupStaff(req.TenantID, req.StaffID); err != nil {
			return "", err
		}

		st = AuthState{TenantID: req.TenantID, StaffID: req.StaffID}

	default:
		return "", ErrMissingParameters
	}

	return s.provider.AuthCodeURL(s.signer.Sign(st)), nil
}

// CompleteAuthorization handles the provider callback: it verifies the
// signed state, exchanges the code for credentials, and upserts the
// calendar connection. A rejected state performs no store write.
func (s *Service) CompleteAuthorization(ctx context.Context, code, state string) (*models.CalendarConnection, error) {
	st, err := s.signer.Verify(state)
	if err != nil {
		return nil, err
	}

	creds, err := s.provider.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExchangeFailed, err)
	}

	conn := models.CalendarConnection{
		TenantID:     st.TenantID,
		StaffID:      st.StaffID,
		AccessToken:  creds.AccessToken,
		RefreshToken: creds.RefreshToken,
		AccessExpiry: creds.Expiry,
		UpdatedAt:    time.Now().UTC(),
	}

	if err := s.store.SaveConnection(conn); err != nil {
		return nil, fmt.Errorf("saving calendar connection: %w", err)
	}

	s.logger.Info("calendar connected",
		slog.String("tenant_id", st.TenantID),
		slog.String("staff_id", st.StaffID),
		slog.Time("access_expiry", conn.AccessExpiry),
	)

	return &conn, nil
}

// Refresh exchanges the stored refresh credential for a new access
// credential and persists the result. Concurrent refreshes for the same
// staff member share one provider call.
//
// When the provider rotates the refresh credential, the old one is
// discarded; when it reports the credential invalid, the stored record
// is left untouched and ErrReauthorizationRequired is returned.
func (s *Service) Refresh(ctx context.Context, tenantID, staffID string) (*models.CalendarConnection, error) {
	key := tenantID + "/" + staffID

	v, err, _ := s.refreshGroup.Do(key, func() (any, error) {
		return s.refresh(ctx, tenantID, staffID)
	})
	if err != nil {
		return nil, err
	}

	return v.(*models.CalendarConnection), nil
}

func (s *Service) refresh(ctx context.Context, tenantID, staffID string) (*models.CalendarConnection, error) {
	conn, err := s.store.GetConnection(tenantID, staffID)
	if err != nil {
		return nil, fmt.Errorf("loading calendar connection: %w", err)
	}

	if conn == nil {
		return nil, ErrConnectionNotFound
	}

	creds, err := s.provider.Refresh(ctx, conn.RefreshToken)
	if err != nil {
		if errors.Is(err, provider.ErrInvalidGrant) {
			s.logger.Warn("refresh credential rejected",
				slog.String("tenant_id", tenantID),
				slog.String("staff_id", staffID),
			)

			return nil, ErrReauthorizationRequired
		}

		return nil, fmt.Errorf("refreshing credentials: %w", err)
	}

	conn.AccessToken = creds.AccessToken
	conn.AccessExpiry = creds.Expiry
	conn.UpdatedAt = time.Now().UTC()

	if creds.RefreshToken != "" {
		conn.RefreshToken = creds.RefreshToken
	}

	if err := s.store.SaveConnection(*conn); err != nil {
		return nil, fmt.Errorf("saving refreshed connection: %w", err)
	}

	return conn, nil
}

// lookupStaff verifies tenant then staff against the directory.
func (s *Service) lookupStaff(tenantID, staffID string) (*models.StaffMember, error) {
	tenant, err := s.store.GetTenant(tenantID)
	if err != nil {
		return nil, fmt.Errorf("loading tenant: %w", err)
	}

	if tenant == nil {
		return nil, ErrTenantNotFound
	}

	staff, err := s.store.GetStaff(tenantID, staffID)
	if err != nil {
		return nil, fmt.Errorf("loading staff member: %w", err)
	}

	if staff == nil {
		return nil, ErrStaffNotFound
	}

	return staff, nil
}

// RandomHex generates a cryptographically random hex string of the
// given byte length.
func RandomHex(byteLen int) string {
	b := make([]byte, byteLen)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}

	return hex.EncodeToString(b)
}
