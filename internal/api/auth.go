package api

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/arencloud/kbadmin/internal/audit"
	"github.com/arencloud/kbadmin/internal/config"
	"github.com/arencloud/kbadmin/internal/models"
	"github.com/arencloud/kbadmin/internal/rbac"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/oauth2"
	"gorm.io/gorm"
)

const (
	stateCookie = "kb_oauth_state"
	nonceCookie = "kb_oauth_nonce"
)

var errInvalidCredentials = errors.New("invalid credentials")

// OIDC holds the discovered Azure AD provider.
type OIDC struct {
	oauth    oauth2.Config
	verifier *oidc.IDTokenVerifier
	redirect string
}

// NewOIDC runs issuer discovery for the configured tenant.
func NewOIDC(ctx context.Context, az config.AzureConfig) (*OIDC, error) {
	provider, err := oidc.NewProvider(ctx, az.Issuer())
	if err != nil {
		return nil, fmt.Errorf("discovering %s: %w", az.Issuer(), err)
	}
	return &OIDC{
		oauth: oauth2.Config{
			ClientID:     az.ClientID,
			ClientSecret: az.ClientSecret,
			RedirectURL:  az.RedirectURL,
			Endpoint:     provider.Endpoint(),
			Scopes:       []string{oidc.ScopeOpenID, "email", "profile"},
		},
		verifier: provider.Verifier(&oidc.Config{ClientID: az.ClientID}),
		redirect: az.PostLoginRedirect,
	}, nil
}

type azureClaims struct {
	OID               string `json:"oid"`
	Email             string `json:"email"`
	PreferredUsername string `json:"preferred_username"`
	UPN               string `json:"upn"`
	Name              string `json:"name"`
	Nonce             string `json:"nonce"`
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	if !s.Config.RootLoginEnabled {
		s.respondError(w, r, fmt.Errorf("%w: password login is disabled", rbac.ErrForbidden))
		return
	}
	var in struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeJSON(r, &in); err != nil {
		s.respondError(w, r, err)
		return
	}
	email := strings.ToLower(strings.TrimSpace(in.Email))
	var u models.User
	err := s.DB.WithContext(r.Context()).Where("email = ? AND password <> ''", email).First(&u).Error
	if err != nil || bcrypt.CompareHashAndPassword([]byte(u.Password), []byte(in.Password)) != nil {
		s.Logger.Info("login rejected", "email", email, "ip", clientIP(r))
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": errInvalidCredentials.Error()})
		return
	}
	s.startSession(w, r, &u, "password")
	writeJSON(w, http.StatusOK, s.meBody(&u))
}

func (s *Server) startSession(w http.ResponseWriter, r *http.Request, u *models.User, method string) {
	now := time.Now().UTC()
	u.LastLoginAt = &now
	if err := s.DB.WithContext(r.Context()).Model(u).Update("last_login_at", now).Error; err != nil {
		s.Logger.Warn("recording last login", "userId", u.ID, "error", err)
	}
	s.Sessions.Create(w, u.ID)
	s.audit(r.Context(), audit.Entry{
		UserID:       u.ID,
		UserEmail:    u.Email,
		Action:       audit.ActionLogin,
		ResourceType: "user",
		ResourceID:   u.ID,
		Details:      map[string]any{"method": method},
		IPAddress:    clientIP(r),
	})
}

type meResponse struct {
	models.User
	EffectivePermissions []string `json:"effectivePermissions"`
}

func (s *Server) meBody(u *models.User) meResponse {
	set := map[string]struct{}{}
	for _, p := range rbac.RolePermissions(rbac.ParseRole(u.Role)) {
		set[string(p)] = struct{}{}
	}
	for _, p := range u.Permissions {
		set[string(p)] = struct{}{}
	}
	eff := make([]string, 0, len(set))
	for p := range set {
		eff = append(eff, p)
	}
	sort.Strings(eff)
	return meResponse{User: *u, EffectivePermissions: eff}
}

func (s *Server) me(w http.ResponseWriter, r *http.Request) {
	p := PrincipalFrom(r.Context())
	var u models.User
	if err := s.DB.WithContext(r.Context()).First(&u, "id = ?", p.ID).Error; err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.meBody(&u))
}

func (s *Server) logout(w http.ResponseWriter, r *http.Request) {
	if p := PrincipalFrom(r.Context()); p != nil {
		s.audit(r.Context(), audit.Entry{
			UserID:       p.ID,
			UserEmail:    p.Email,
			Action:       audit.ActionLogout,
			ResourceType: "user",
			ResourceID:   p.ID,
			IPAddress:    clientIP(r),
		})
	}
	s.Sessions.Destroy(w, r)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) authConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{
		"rootLoginEnabled": s.Config.RootLoginEnabled,
		"azureEnabled":     s.OIDC != nil,
	})
}

func (s *Server) azureStart(w http.ResponseWriter, r *http.Request) {
	if s.OIDC == nil {
		s.respondError(w, r, invalid("azure login is not configured"))
		return
	}
	state, nonce := randToken(24), randToken(24)
	s.Sessions.SetTemp(w, stateCookie, state)
	s.Sessions.SetTemp(w, nonceCookie, nonce)
	http.Redirect(w, r, s.OIDC.oauth.AuthCodeURL(state, oidc.Nonce(nonce)), http.StatusFound)
}

func (s *Server) azureCallback(w http.ResponseWriter, r *http.Request) {
	if s.OIDC == nil {
		s.respondError(w, r, invalid("azure login is not configured"))
		return
	}
	q := r.URL.Query()
	if e := q.Get("error"); e != "" {
		s.respondError(w, r, invalid("azure login failed: "+firstNonEmpty(q.Get("error_description"), e)))
		return
	}
	state, code := q.Get("state"), q.Get("code")
	if state == "" || code == "" {
		s.respondError(w, r, invalid("invalid callback"))
		return
	}
	if !s.Sessions.CheckTemp(w, r, stateCookie, state) {
		s.respondError(w, r, invalid("state mismatch"))
		return
	}
	var nonce string
	if c, err := r.Cookie(nonceCookie); err == nil {
		nonce = c.Value
	}
	s.Sessions.ClearTemp(w, nonceCookie)

	ctx := r.Context()
	tok, err := s.OIDC.oauth.Exchange(ctx, code)
	if err != nil {
		s.Logger.Warn("azure token exchange failed", "error", err)
		s.respondError(w, r, invalid("token exchange failed"))
		return
	}
	raw, ok := tok.Extra("id_token").(string)
	if !ok || raw == "" {
		s.respondError(w, r, invalid("missing id_token"))
		return
	}
	idTok, err := s.OIDC.verifier.Verify(ctx, raw)
	if err != nil {
		s.respondError(w, r, invalid("invalid id_token"))
		return
	}
	var claims azureClaims
	if err := idTok.Claims(&claims); err != nil {
		s.respondError(w, r, invalid("unreadable id_token claims"))
		return
	}
	if nonce == "" || claims.Nonce != nonce {
		s.respondError(w, r, invalid("nonce mismatch"))
		return
	}
	u, err := s.upsertAzureUser(ctx, claims)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.startSession(w, r, u, "azure")
	http.Redirect(w, r, s.OIDC.redirect, http.StatusFound)
}

// upsertAzureUser finds the account by object id, then by email. New accounts get RoleUser.
func (s *Server) upsertAzureUser(ctx context.Context, c azureClaims) (*models.User, error) {
	email := strings.ToLower(strings.TrimSpace(firstNonEmpty(c.Email, c.PreferredUsername, c.UPN)))
	if email == "" {
		return nil, invalid("email claim required")
	}
	tx := s.DB.WithContext(ctx)
	var u models.User
	err := tx.Where("azure_oid = ? AND azure_oid <> ''", c.OID).First(&u).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		err = tx.Where("email = ?", email).First(&u).Error
	}
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		u = models.User{Email: email, DisplayName: c.Name, Role: string(rbac.RoleUser), AzureOID: c.OID}
		if err := tx.Create(&u).Error; err != nil {
			return nil, fmt.Errorf("creating user %s: %w", email, err)
		}
		s.Logger.Info("user provisioned", "userId", u.ID, "email", email)
	case err != nil:
		return nil, fmt.Errorf("loading user %s: %w", email, err)
	default:
		u.Email = email
		u.AzureOID = firstNonEmpty(c.OID, u.AzureOID)
		if c.Name != "" {
			u.DisplayName = c.Name
		}
		if err := tx.Save(&u).Error; err != nil {
			return nil, fmt.Errorf("updating user %s: %w", email, err)
		}
	}
	return &u, nil
}

func randToken(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
