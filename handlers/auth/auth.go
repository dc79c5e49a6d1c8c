package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"cloudvault/config"
	"cloudvault/core"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/github"
)

const (
	stateCookieName = "oauthstate"
	githubUserURL   = "https://api.github.com/user"
)

// OIDCClaims represents the claims from OIDC token
type OIDCClaims struct {
	Email             string `json:"email"`
	Name              string `json:"name"`
	PreferredUsername string `json:"preferred_username"`
	Picture           string `json:"picture"`
	Sub               string `json:"sub"`
}

// Service runs the OAuth login flow of the configured provider and issues
// session tokens once the provider vouches for the user.
type Service struct {
	*JWTVerifier

	frontendURL string
	login       http.HandlerFunc
	callback    http.HandlerFunc

	githubOauthConfig *oauth2.Config
	githubUserURL     string

	oidcOauthConfig *oauth2.Config
	oidcVerifier    *oidc.IDTokenVerifier
}

func NewService(cfg *config.Config) *Service {
	s := &Service{
		JWTVerifier:   NewJWTVerifier([]byte(cfg.JWTSecret), cfg.JWTTTL),
		frontendURL:   cfg.FrontendURL,
		githubUserURL: githubUserURL,
	}
	if s.frontendURL == "" {
		s.frontendURL = "/"
	}

	switch {
	case cfg.OIDCEnabled():
		logrus.Info("Initializing OIDC authentication provider.")
		s.initOIDC(cfg)
		s.login = s.HandleOIDCLogin
		s.callback = s.HandleOIDCCallback
	case cfg.GitHubEnabled():
		logrus.Info("Initializing GitHub authentication provider.")
		s.githubOauthConfig = &oauth2.Config{
			ClientID:     cfg.GitHubClientID,
			ClientSecret: cfg.GitHubClientSecret,
			RedirectURL:  cfg.GitHubRedirectURL,
			Scopes:       []string{"read:user", "user:email"},
			Endpoint:     github.Endpoint,
		}
		s.login = s.HandleGitHubLogin
		s.callback = s.HandleGitHubCallback
	default:
		logrus.Warn("No authentication provider configured.")
	}

	if cfg.JWTSecret == "" {
		logrus.Warn("JWT_SECRET is not set. Authentication will not work.")
	}
	return s
}

func (s *Service) initOIDC(cfg *config.Config) {
	if cfg.OIDCClientSecret == "" {
		logrus.Warn("OIDC credentials are not set. OIDC authentication routes will not work.")
		return
	}

	provider, err := oidc.NewProvider(context.Background(), cfg.OIDCIssuerURL)
	if err != nil {
		logrus.Errorf("Failed to create OIDC provider: %s", err.Error())
		return
	}

	s.oidcOauthConfig = &oauth2.Config{
		ClientID:     cfg.OIDCClientID,
		ClientSecret: cfg.OIDCClientSecret,
		RedirectURL:  cfg.OIDCRedirectURL,
		Scopes:       []string{oidc.ScopeOpenID, "profile", "email"},
		Endpoint:     provider.Endpoint(),
	}
	s.oidcVerifier = provider.Verifier(&oidc.Config{ClientID: cfg.OIDCClientID})
	logrus.Info("OIDC provider initialized")
}

func (s *Service) HandleLogin(w http.ResponseWriter, r *http.Request) {
	if s.login == nil {
		http.Error(w, "Authentication not configured", http.StatusInternalServerError)
		return
	}
	s.login(w, r)
}

func (s *Service) HandleCallback(w http.ResponseWriter, r *http.Request) {
	if s.callback == nil {
		http.Error(w, "Authentication not configured", http.StatusInternalServerError)
		return
	}
	s.callback(w, r)
}

func setStateCookie(w http.ResponseWriter, r *http.Request) (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	state := hex.EncodeToString(b)
	http.SetCookie(w, &http.Cookie{
		Name:     stateCookieName,
		Value:    state,
		Path:     "/",
		Expires:  time.Now().Add(10 * time.Minute),
		HttpOnly: true,
		Secure:   r.Header.Get("X-Forwarded-Proto") == "https",
		SameSite: http.SameSiteLaxMode,
	})
	return state, nil
}

func validState(r *http.Request) bool {
	cookie, err := r.Cookie(stateCookieName)
	return err == nil && cookie.Value != "" && cookie.Value == r.FormValue("state")
}

// redirectWithToken hands the session token to the frontend, or sends the
// user back without one when token is empty.
func (s *Service) redirectWithToken(w http.ResponseWriter, r *http.Request, token string) {
	target := s.frontendURL
	if token != "" {
		sep := "?"
		if strings.Contains(target, "?") {
			sep = "&"
		}
		target += sep + "token=" + url.QueryEscape(token)
	}
	http.Redirect(w, r, target, http.StatusTemporaryRedirect)
}

func (s *Service) HandleGitHubLogin(w http.ResponseWriter, r *http.Request) {
	state, err := setStateCookie(w, r)
	if err != nil {
		http.Error(w, "Failed to generate state for login", http.StatusInternalServerError)
		return
	}
	http.Redirect(w, r, s.githubOauthConfig.AuthCodeURL(state), http.StatusTemporaryRedirect)
}

func (s *Service) HandleGitHubCallback(w http.ResponseWriter, r *http.Request) {
	if !validState(r) {
		logrus.Warn("oauth state mismatch in github callback")
		s.redirectWithToken(w, r, "")
		return
	}

	token, err := s.githubOauthConfig.Exchange(r.Context(), r.FormValue("code"))
	if err != nil {
		logrus.Errorf("failed to exchange token: %s", err.Error())
		s.redirectWithToken(w, r, "")
		return
	}

	client := s.githubOauthConfig.Client(r.Context(), token)
	resp, err := client.Get(s.githubUserURL)
	if err != nil {
		logrus.Errorf("failed to get user from github: %s", err.Error())
		s.redirectWithToken(w, r, "")
		return
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		logrus.Errorf("failed to read github response body: %s", err.Error())
		s.redirectWithToken(w, r, "")
		return
	}
	if resp.StatusCode != http.StatusOK {
		logrus.WithField("status", resp.StatusCode).Error("github user lookup failed")
		s.redirectWithToken(w, r, "")
		return
	}

	var githubUser struct {
		ID        int64  `json:"id"`
		Login     string `json:"login"`
		Email     string `json:"email"`
		AvatarURL string `json:"avatar_url"`
		Name      string `json:"name"`
	}
	if err := json.Unmarshal(body, &githubUser); err != nil {
		logrus.Errorf("failed to unmarshal github user: %s", err.Error())
		s.redirectWithToken(w, r, "")
		return
	}

	user := &core.User{
		Subject:   fmt.Sprintf("github:%d", githubUser.ID),
		Login:     githubUser.Login,
		Email:     githubUser.Email,
		AvatarURL: githubUser.AvatarURL,
		Name:      githubUser.Name,
	}
	s.finishLogin(w, r, user)
}

func (s *Service) HandleOIDCLogin(w http.ResponseWriter, r *http.Request) {
	if s.oidcOauthConfig == nil {
		http.Error(w, "OIDC is not configured", http.StatusInternalServerError)
		return
	}
	state, err := setStateCookie(w, r)
	if err != nil {
		http.Error(w, "Failed to generate state for OIDC login", http.StatusInternalServerError)
		return
	}
	http.Redirect(w, r, s.oidcOauthConfig.AuthCodeURL(state, oauth2.AccessTypeOffline), http.StatusTemporaryRedirect)
}

func (s *Service) HandleOIDCCallback(w http.ResponseWriter, r *http.Request) {
	if s.oidcOauthConfig == nil {
		http.Error(w, "OIDC is not configured", http.StatusInternalServerError)
		return
	}
	if !validState(r) {
		logrus.Warn("oauth state mismatch in oidc callback")
		s.redirectWithToken(w, r, "")
		return
	}

	code := r.FormValue("code")
	if code == "" {
		logrus.Error("no code in callback")
		s.redirectWithToken(w, r, "")
		return
	}

	token, err := s.oidcOauthConfig.Exchange(r.Context(), code)
	if err != nil {
		logrus.Errorf("failed to exchange token: %s", err.Error())
		s.redirectWithToken(w, r, "")
		return
	}

	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok {
		logrus.Error("no id_token in token response")
		s.redirectWithToken(w, r, "")
		return
	}

	idToken, err := s.oidcVerifier.Verify(r.Context(), rawIDToken)
	if err != nil {
		logrus.Errorf("failed to verify ID token: %s", err.Error())
		s.redirectWithToken(w, r, "")
		return
	}

	var claims OIDCClaims
	if err := idToken.Claims(&claims); err != nil {
		logrus.Errorf("failed to extract claims from ID token: %s", err.Error())
		s.redirectWithToken(w, r, "")
		return
	}

	user := &core.User{
		Subject:   claims.Sub,
		Login:     claims.PreferredUsername,
		Email:     claims.Email,
		AvatarURL: claims.Picture,
		Name:      claims.Name,
	}
	if user.Login == "" {
		user.Login = user.Email
	}
	s.finishLogin(w, r, user)
}

func (s *Service) finishLogin(w http.ResponseWriter, r *http.Request, user *core.User) {
	jwtToken, err := s.CreateJWT(user)
	if err != nil {
		logrus.Errorf("failed to create JWT: %s", err.Error())
		s.redirectWithToken(w, r, "")
		return
	}
	logrus.WithFields(logrus.Fields{"subject": user.Subject, "login": user.Login}).Info("User logged in")
	s.redirectWithToken(w, r, jwtToken)
}
