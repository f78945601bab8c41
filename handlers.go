package main

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/example/taskhub/internal/store"
)

// storeTimeout bounds every store round-trip made on behalf of a request. A
// deadline hit surfaces as a transient 503, never as an auth verdict.
const storeTimeout = 5 * time.Second

func (a *App) storeCtx(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), storeTimeout)
}

type identityView struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
	Role  string `json:"role"`
}

func viewIdentity(u *store.Identity) identityView {
	return identityView{ID: u.ID, Email: u.Email, Name: u.Name, Role: u.Role}
}

func (a *App) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Email    string `json:"email"`
		Password string `json:"password"`
		Name     string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return
	}
	in.Email = strings.TrimSpace(strings.ToLower(in.Email))
	if in.Email == "" || !strings.Contains(in.Email, "@") {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "A valid email is required")
		return
	}
	if len(in.Password) < 8 {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Password must be at least 8 characters")
		return
	}

	ctx, cancel := a.storeCtx(r)
	defer cancel()
	session, err := a.Auth.Register(ctx, in.Email, in.Password, strings.TrimSpace(in.Name))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"user":         viewIdentity(session.Identity),
		"accessToken":  session.AccessToken,
		"refreshToken": session.RefreshToken,
	})
}

func (a *App) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return
	}
	in.Email = strings.TrimSpace(strings.ToLower(in.Email))

	ctx, cancel := a.storeCtx(r)
	defer cancel()
	session, err := a.Auth.Login(ctx, in.Email, in.Password)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"user":         viewIdentity(session.Identity),
		"accessToken":  session.AccessToken,
		"refreshToken": session.RefreshToken,
	})
}

func (a *App) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	var in struct {
		RefreshToken string `json:"refreshToken"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.RefreshToken == "" {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Refresh token is required")
		return
	}

	ctx, cancel := a.storeCtx(r)
	defer cancel()
	pair, err := a.Auth.Refresh(ctx, in.RefreshToken)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"accessToken":  pair.AccessToken,
		"refreshToken": pair.RefreshToken,
	})
}

func (a *App) HandleLogout(w http.ResponseWriter, r *http.Request) {
	var in struct {
		RefreshToken string `json:"refreshToken"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.RefreshToken == "" {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Refresh token is required")
		return
	}

	ctx, cancel := a.storeCtx(r)
	defer cancel()
	if err := a.Auth.Logout(ctx, in.RefreshToken); err != nil {
		writeDomainError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]bool{"revoked": true})
}

// HandleMe answers the "who am I" boundary from the access credential.
func (a *App) HandleMe(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := a.storeCtx(r)
	defer cancel()
	identity, err := a.Auth.CurrentIdentity(ctx, bearerToken(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewIdentity(identity))
}

// HandleListUsers backs the assignee picker.
func (a *App) HandleListUsers(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := a.storeCtx(r)
	defer cancel()
	users, err := a.Store.ListIdentities(ctx)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	out := make([]identityView, 0, len(users))
	for _, u := range users {
		out = append(out, viewIdentity(u))
	}
	writeJSON(w, http.StatusOK, out)
}
