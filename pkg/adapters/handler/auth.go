package handler

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/wadjakorntonsri/visitor-map/pkg/config"
	"github.com/wadjakorntonsri/visitor-map/pkg/logging"
)

const (
	authCookieName  = "auth_token"
	stateCookieName = "oauthstate"
	sessionTTL      = 24 * time.Hour
)

const googleUserInfoURL = "https://www.googleapis.com/oauth2/v2/userinfo"

// AuthHandler signs the site owner in with Google so they can read the raw
// visit records. Anonymous visitors never need it.
type AuthHandler struct {
	oauthConfig   *oauth2.Config
	userInfoURL   string
	jwtSecret     []byte
	frontendURL   string
	allowedEmails []string
	isProduction  bool
}

type GoogleUser struct {
	ID            string `json:"id"`
	Email         string `json:"email"`
	VerifiedEmail bool   `json:"verified_email"`
	Name          string `json:"name"`
	Picture       string `json:"picture"`
}

func NewAuthHandler(cfg *config.Config) *AuthHandler {
	return &AuthHandler{
		oauthConfig: &oauth2.Config{
			ClientID:     cfg.GoogleClientID,
			ClientSecret: cfg.GoogleClientSecret,
			RedirectURL:  cfg.GoogleRedirectURL,
			Scopes: []string{
				"https://www.googleapis.com/auth/userinfo.email",
				"https://www.googleapis.com/auth/userinfo.profile",
			},
			Endpoint: google.Endpoint,
		},
		userInfoURL:   googleUserInfoURL,
		jwtSecret:     []byte(cfg.JWTSecret),
		frontendURL:   cfg.FrontendURL,
		allowedEmails: cfg.AllowedEmails,
		isProduction:  cfg.IsProduction(),
	}
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	state, err := h.generateStateOauthCookie(w)
	if err != nil {
		logging.Ctx(r.Context()).Error().Err(err).Msg("failed to generate oauth state")
		writeError(w, r, http.StatusInternalServerError, "internal server error")
		return
	}
	http.Redirect(w, r, h.oauthConfig.AuthCodeURL(state), http.StatusTemporaryRedirect)
}

func (h *AuthHandler) Callback(w http.ResponseWriter, r *http.Request) {
	log := logging.Ctx(r.Context())

	oauthState, err := r.Cookie(stateCookieName)
	if err != nil {
		log.Warn().Err(err).Msg("callback: missing oauthstate cookie")
		http.Redirect(w, r, "/", http.StatusTemporaryRedirect)
		return
	}
	if r.FormValue("state") != oauthState.Value {
		log.Warn().Msg("callback: invalid oauth state")
		writeError(w, r, http.StatusBadRequest, "invalid oauth google state")
		return
	}

	token, err := h.oauthConfig.Exchange(r.Context(), r.FormValue("code"))
	if err != nil {
		log.Error().Err(err).Msg("callback: code exchange failed")
		writeError(w, r, http.StatusInternalServerError, "code exchange failed")
		return
	}

	user, err := h.fetchUser(r, token)
	if err != nil {
		log.Error().Err(err).Msg("callback: failed getting user info")
		writeError(w, r, http.StatusInternalServerError, "failed getting user info")
		return
	}

	if !h.emailAllowed(user.Email) {
		log.Warn().Str("email", user.Email).Msg("callback: email not in allowlist")
		writeError(w, r, http.StatusForbidden, "access denied: your email is not in the allowlist")
		return
	}

	tokenString, expires, err := h.issueToken(user.Email)
	if err != nil {
		log.Error().Err(err).Msg("callback: failed signing JWT")
		writeError(w, r, http.StatusInternalServerError, "internal server error")
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     authCookieName,
		Value:    tokenString,
		Expires:  expires,
		Path:     "/",
		HttpOnly: true,
		Secure:   h.isProduction,
		SameSite: http.SameSiteLaxMode,
	})

	log.Info().Str("email", user.Email).Msg("owner login successful")
	http.Redirect(w, r, h.frontendURL, http.StatusTemporaryRedirect)
}

func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     authCookieName,
		Value:    "",
		Expires:  time.Now().Add(-1 * time.Hour),
		Path:     "/",
		HttpOnly: true,
		Secure:   h.isProduction,
		SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(w, r, h.frontendURL, http.StatusTemporaryRedirect)
}

func (h *AuthHandler) fetchUser(r *http.Request, token *oauth2.Token) (*GoogleUser, error) {
	resp, err := h.oauthConfig.Client(r.Context(), token).Get(h.userInfoURL)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("userinfo returned status %d", resp.StatusCode)
	}

	var user GoogleUser
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return nil, fmt.Errorf("decode userinfo: %w", err)
	}
	return &user, nil
}

// emailAllowed allows everyone when no allowlist is configured.
func (h *AuthHandler) emailAllowed(email string) bool {
	if len(h.allowedEmails) == 0 {
		return true
	}
	for _, allowed := range h.allowedEmails {
		if strings.EqualFold(allowed, email) {
			return true
		}
	}
	return false
}

func (h *AuthHandler) issueToken(email string) (string, time.Time, error) {
	expires := time.Now().Add(sessionTTL)
	claims := &jwt.RegisteredClaims{
		Subject:   email,
		ExpiresAt: jwt.NewNumericDate(expires),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(h.jwtSecret)
	return signed, expires, err
}

func (h *AuthHandler) generateStateOauthCookie(w http.ResponseWriter) (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	state := base64.URLEncoding.EncodeToString(b)
	http.SetCookie(w, &http.Cookie{
		Name:     stateCookieName,
		Value:    state,
		Expires:  time.Now().Add(20 * time.Minute),
		Path:     "/",
		HttpOnly: true,
		Secure:   h.isProduction,
		SameSite: http.SameSiteLaxMode,
	})
	return state, nil
}
