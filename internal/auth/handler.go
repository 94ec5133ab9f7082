package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/nao1215/devflow/internal/gatekeeper"
	"github.com/nao1215/devflow/pkg/event"
	"github.com/nao1215/devflow/pkg/middleware"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"
)

// stateCookieName はOAuthのstateを格納するCookie名。
const stateCookieName = "authjs.state"

// stateMaxAge はOAuthのstateの有効期間。
const stateMaxAge = 15 * time.Minute

// Config は認証ハンドラの設定。
type Config struct {
	// BaseURL はアプリケーションのベースURL。サインイン後のリダイレクト先とOAuthのコールバックURLに使う。
	BaseURL string
	// Secret はセッションJWTとCSRFトークンの署名鍵。
	Secret string
	// SecureCookies はCookieにSecure属性を付けるかどうか（本番環境で true）。
	SecureCookies bool
	// Providers は有効なOAuthプロバイダ。
	Providers []*Provider
	// BcryptCost はパスワードハッシュのコスト。0 の場合は bcrypt.DefaultCost。
	BcryptCost int
}

// Handler は /api/auth/ 以下のリクエストを処理する認証ハンドラ。
type Handler struct {
	store      *Store
	cfg        Config
	providers  map[string]*Provider
	csrf       csrfToken
	validate   *validator.Validate
	logger     zerolog.Logger
	now        func() time.Time
	dummyHash  []byte
	bcryptCost int
}

// NewHandler は認証ハンドラを生成する。
func NewHandler(store *Store, cfg Config, logger zerolog.Logger) (*Handler, error) {
	if store == nil {
		return nil, errors.New("ストアが指定されていません")
	}
	if cfg.Secret == "" {
		return nil, errors.New("署名鍵が指定されていません")
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	cost := cfg.BcryptCost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	// 存在しないユーザーでも同じ時間がかかるよう比較用のハッシュを用意する
	dummy, err := bcrypt.GenerateFromPassword([]byte(uuid.New().String()), cost)
	if err != nil {
		return nil, fmt.Errorf("パスワードハッシュの生成に失敗: %w", err)
	}

	providers := make(map[string]*Provider, len(cfg.Providers))
	for _, p := range cfg.Providers {
		p.OAuth.RedirectURL = cfg.BaseURL + "/api/auth/callback/" + p.ID
		providers[p.ID] = p
	}

	return &Handler{
		store:      store,
		cfg:        cfg,
		providers:  providers,
		csrf:       csrfToken{secret: []byte(cfg.Secret)},
		validate:   newValidator(),
		logger:     logger.With().Str("component", "auth").Logger(),
		now:        time.Now,
		dummyHash:  dummy,
		bcryptCost: cost,
	}, nil
}

// Handlers はゲートキーピングパイプラインに渡すハンドラの組を返す。
func (h *Handler) Handlers() gatekeeper.Handlers {
	return gatekeeper.Handlers{GET: h.GET, POST: h.POST}
}

// GET はGETリクエストをセグメントに応じて振り分ける。
func (h *Handler) GET(ctx context.Context, r *http.Request, params gatekeeper.Params) (*gatekeeper.Response, error) {
	switch params.Provider() {
	case "session":
		return h.handleSession(r), nil
	case "csrf":
		return h.handleCSRF(r), nil
	case "providers":
		return h.handleProviders(), nil
	case "signin":
		return h.handleSignIn(r, params.Action())
	case "callback":
		if p, ok := h.providers[params.Action()]; ok {
			return h.handleOAuthCallback(ctx, r, p)
		}
	}
	return notFound(), nil
}

// POST はPOSTリクエストをセグメントに応じて振り分ける。
func (h *Handler) POST(ctx context.Context, r *http.Request, params gatekeeper.Params) (*gatekeeper.Response, error) {
	switch params.Provider() {
	case "callback":
		if params.Action() == ProviderCredentials {
			return h.handleCredentialsSignIn(ctx, r)
		}
	case "signup":
		return h.handleSignUp(ctx, r)
	case "signout":
		return h.handleSignOut(ctx, r)
	}
	return notFound(), nil
}

// sessionUser はセッションAPIで返すユーザー情報。
type sessionUser struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
	Image string `json:"image,omitempty"`
}

// handleSession は現在のセッションを返す。セッションがない場合は空のオブジェクト。
func (h *Handler) handleSession(r *http.Request) *gatekeeper.Response {
	claims := h.currentSession(r)
	if claims == nil || claims.ExpiresAt == nil {
		return jsonResponse(http.StatusOK, map[string]any{})
	}
	return jsonResponse(http.StatusOK, map[string]any{
		"user": sessionUser{
			ID:    claims.UserID,
			Name:  claims.Name,
			Email: claims.Email,
			Image: claims.Image,
		},
		"expires": claims.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

// handleCSRF はCSRFトークンを返す。Cookieがない場合は発行する。
func (h *Handler) handleCSRF(r *http.Request) *gatekeeper.Response {
	token, cookieValue := h.csrf.issue(r)
	resp := jsonResponse(http.StatusOK, map[string]string{"csrfToken": token})
	if cookieValue != "" {
		h.setCookie(resp, &http.Cookie{
			Name:     CSRFCookieName,
			Value:    cookieValue,
			Path:     "/",
			HttpOnly: true,
			SameSite: http.SameSiteLaxMode,
		})
	}
	return resp
}

// providerInfo はプロバイダ一覧の1要素。
type providerInfo struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Type        string `json:"type"`
	SignInURL   string `json:"signinUrl"`
	CallbackURL string `json:"callbackUrl"`
}

// handleProviders は利用できるプロバイダの一覧を返す。
func (h *Handler) handleProviders() *gatekeeper.Response {
	list := map[string]providerInfo{
		ProviderCredentials: h.providerInfo(ProviderCredentials, "Credentials", "credentials"),
	}
	ids := make([]string, 0, len(h.providers))
	for id := range h.providers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		list[id] = h.providerInfo(id, h.providers[id].Name, "oauth")
	}
	return jsonResponse(http.StatusOK, list)
}

func (h *Handler) providerInfo(id, name, typ string) providerInfo {
	return providerInfo{
		ID:          id,
		Name:        name,
		Type:        typ,
		SignInURL:   h.cfg.BaseURL + "/api/auth/signin/" + id,
		CallbackURL: h.cfg.BaseURL + "/api/auth/callback/" + id,
	}
}

// handleSignIn はOAuthの認可画面へリダイレクトする。
// credentials の場合はサインイン画面へリダイレクトする。
func (h *Handler) handleSignIn(_ *http.Request, providerID string) (*gatekeeper.Response, error) {
	if providerID == ProviderCredentials || providerID == "" {
		return redirect(h.cfg.BaseURL + "/signin"), nil
	}
	p, ok := h.providers[providerID]
	if !ok {
		return notFound(), nil
	}

	state := uuid.New().String()
	resp := redirect(p.OAuth.AuthCodeURL(state))
	h.setCookie(resp, &http.Cookie{
		Name:     stateCookieName,
		Value:    state,
		Path:     "/api/auth",
		MaxAge:   int(stateMaxAge.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return resp, nil
}

// handleOAuthCallback は認可コードを交換し、ユーザーを作成または紐付けてセッションを発行する。
func (h *Handler) handleOAuthCallback(ctx context.Context, r *http.Request, p *Provider) (*gatekeeper.Response, error) {
	ip := gatekeeper.ClientIdentifier(r)
	q := r.URL.Query()

	cookie, err := r.Cookie(stateCookieName)
	if err != nil || cookie.Value == "" || q.Get("state") != cookie.Value {
		h.logger.Warn().Str("provider", p.ID).Str("ip", ip).Msg("oauth state mismatch")
		return h.oauthError("OAuthCallback"), nil
	}
	if errParam := q.Get("error"); errParam != "" {
		h.logger.Warn().Str("provider", p.ID).Str("error", errParam).Msg("oauth provider returned error")
		return h.oauthError("OAuthCallback"), nil
	}
	code := q.Get("code")
	if code == "" {
		return h.oauthError("OAuthCallback"), nil
	}

	profile, err := p.exchange(ctx, code)
	if err != nil {
		h.logger.Warn().Err(err).Str("provider", p.ID).Msg("oauth exchange failed")
		return h.oauthError("OAuthCallback"), nil
	}
	profile.Email = strings.ToLower(strings.TrimSpace(profile.Email))

	user, linked, err := h.store.UpsertOAuthUser(ctx, *profile)
	if errors.Is(err, ErrMissingEmail) {
		h.record(ctx, "", event.TypeSignInFailed, p.ID, ip, event.SignInFailedData{Reason: "missing email"})
		return h.oauthError("OAuthAccountNotLinked"), nil
	}
	if err != nil {
		return nil, err
	}

	if linked {
		h.record(ctx, user.ID, event.TypeAccountLinked, p.ID, ip, event.AccountLinkedData{ProviderAccountID: profile.ProviderAccountID})
	}
	h.record(ctx, user.ID, event.TypeSignedIn, p.ID, ip, event.SignedInData{Email: user.Email})

	resp := redirect(h.cfg.BaseURL)
	if err := h.issueSession(resp, user, p.ID); err != nil {
		return nil, err
	}
	h.setCookie(resp, &http.Cookie{Name: stateCookieName, Path: "/api/auth", MaxAge: -1, HttpOnly: true})
	return resp, nil
}

// handleCredentialsSignIn はメールアドレスとパスワードでサインインする。
func (h *Handler) handleCredentialsSignIn(ctx context.Context, r *http.Request) (*gatekeeper.Response, error) {
	var in SignInInput
	if err := decodeBody(r, &in); err != nil {
		return validationError(nil), nil
	}
	if !h.csrf.verify(r, in.CSRFToken) {
		return missingCSRF(), nil
	}
	in.normalize()
	if err := h.validate.Struct(&in); err != nil {
		return validationError(fieldErrors(err)), nil
	}

	ip := gatekeeper.ClientIdentifier(r)
	user, err := h.authenticate(ctx, in.Email, in.Password)
	if errors.Is(err, ErrInvalidCredentials) {
		h.record(ctx, "", event.TypeSignInFailed, ProviderCredentials, ip, event.SignInFailedData{Email: in.Email, Reason: "invalid credentials"})
		return jsonResponse(http.StatusUnauthorized, map[string]string{"error": "CredentialsSignin"}), nil
	}
	if err != nil {
		return nil, err
	}

	if err := h.store.TouchLogin(ctx, user.ID); err != nil {
		return nil, err
	}
	h.record(ctx, user.ID, event.TypeSignedIn, ProviderCredentials, ip, event.SignedInData{Email: user.Email})

	resp := jsonResponse(http.StatusOK, map[string]string{"url": h.cfg.BaseURL})
	if err := h.issueSession(resp, user, ProviderCredentials); err != nil {
		return nil, err
	}
	return resp, nil
}

// authenticate はパスワードを照合する。ユーザーが存在しない場合も ErrInvalidCredentials を返す。
func (h *Handler) authenticate(ctx context.Context, email, password string) (*User, error) {
	user, hash, err := h.store.FindCredentials(ctx, email)
	if errors.Is(err, ErrUserNotFound) {
		_ = bcrypt.CompareHashAndPassword(h.dummyHash, []byte(password))
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	return user, nil
}

// handleSignUp はユーザーを登録し、セッションを発行する。
func (h *Handler) handleSignUp(ctx context.Context, r *http.Request) (*gatekeeper.Response, error) {
	var in SignUpInput
	if err := decodeBody(r, &in); err != nil {
		return validationError(nil), nil
	}
	if !h.csrf.verify(r, in.CSRFToken) {
		return missingCSRF(), nil
	}
	in.normalize()
	if err := h.validate.Struct(&in); err != nil {
		return validationError(fieldErrors(err)), nil
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), h.bcryptCost)
	if err != nil {
		return nil, fmt.Errorf("パスワードハッシュの生成に失敗: %w", err)
	}

	user, err := h.store.CreateCredentialsUser(ctx, NewUser{
		Name:         in.Name,
		Username:     in.Username,
		Email:        in.Email,
		PasswordHash: string(hash),
	})
	switch {
	case errors.Is(err, ErrEmailTaken):
		return jsonResponse(http.StatusConflict, map[string]any{
			"error":  "UserExists",
			"fields": map[string]string{"email": "An account with this email already exists"},
		}), nil
	case errors.Is(err, ErrUsernameTaken):
		return jsonResponse(http.StatusConflict, map[string]any{
			"error":  "UserExists",
			"fields": map[string]string{"username": "This username is already taken"},
		}), nil
	case err != nil:
		return nil, err
	}

	ip := gatekeeper.ClientIdentifier(r)
	h.record(ctx, user.ID, event.TypeUserRegistered, ProviderCredentials, ip, event.UserRegisteredData{Email: user.Email, Username: user.Username})

	resp := jsonResponse(http.StatusCreated, user)
	if err := h.issueSession(resp, user, ProviderCredentials); err != nil {
		return nil, err
	}
	return resp, nil
}

// handleSignOut はセッションCookieを削除する。
func (h *Handler) handleSignOut(ctx context.Context, r *http.Request) (*gatekeeper.Response, error) {
	var in CSRFInput
	if err := decodeBody(r, &in); err != nil {
		return validationError(nil), nil
	}
	if !h.csrf.verify(r, in.CSRFToken) {
		return missingCSRF(), nil
	}

	if claims := h.currentSession(r); claims != nil {
		h.record(ctx, claims.UserID, event.TypeSignedOut, claims.Provider, gatekeeper.ClientIdentifier(r), nil)
	}

	resp := jsonResponse(http.StatusOK, map[string]string{"url": h.cfg.BaseURL})
	h.setCookie(resp, &http.Cookie{
		Name:     middleware.SessionCookieName,
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return resp, nil
}

// currentSession はCookieのセッションを検証して返す。無効な場合は nil。
func (h *Handler) currentSession(r *http.Request) *middleware.SessionClaims {
	cookie, err := r.Cookie(middleware.SessionCookieName)
	if err != nil || cookie.Value == "" {
		return nil
	}
	claims, err := middleware.ParseSessionToken(h.cfg.Secret, cookie.Value)
	if err != nil {
		return nil
	}
	return claims
}

// issueSession はセッションJWTを生成してCookieに設定する。
func (h *Handler) issueSession(resp *gatekeeper.Response, user *User, provider string) error {
	now := h.now()
	token, err := middleware.GenerateSessionToken(h.cfg.Secret, middleware.SessionClaims{
		UserID:   user.ID,
		Email:    user.Email,
		Name:     user.Name,
		Image:    user.Image,
		Provider: provider,
	}, now)
	if err != nil {
		return err
	}

	h.setCookie(resp, &http.Cookie{
		Name:     middleware.SessionCookieName,
		Value:    token,
		Path:     "/",
		Expires:  now.Add(middleware.SessionMaxAge),
		MaxAge:   int(middleware.SessionMaxAge.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

// record は監査イベントを追記する。失敗してもリクエストは失敗させない。
func (h *Handler) record(ctx context.Context, userID string, typ event.Type, provider, ip string, data any) {
	e, err := event.New(userID, typ, provider, ip, data)
	if err == nil {
		err = h.store.AppendEvent(ctx, e)
	}
	if err != nil {
		h.logger.Error().Err(err).Str("event_type", string(typ)).Str("user_id", userID).Msg("failed to append auth event")
	}
}

// setCookie は設定に応じてSecure属性を付けてCookieを追加する。
func (h *Handler) setCookie(resp *gatekeeper.Response, c *http.Cookie) {
	c.Secure = h.cfg.SecureCookies
	resp.Header.Add("Set-Cookie", c.String())
}

// oauthError はエラー種別を付けてサインイン画面へリダイレクトする。
func (h *Handler) oauthError(kind string) *gatekeeper.Response {
	return redirect(h.cfg.BaseURL + "/signin?error=" + kind)
}

func jsonResponse(status int, v any) *gatekeeper.Response {
	body, err := json.Marshal(v)
	if err != nil {
		body = []byte(`{}`)
	}
	resp := gatekeeper.NewResponse(status, body)
	resp.Header.Set("Content-Type", "application/json")
	return resp
}

func redirect(location string) *gatekeeper.Response {
	resp := gatekeeper.NewResponse(http.StatusFound, nil)
	resp.Header.Set("Location", location)
	return resp
}

func notFound() *gatekeeper.Response {
	return jsonResponse(http.StatusNotFound, map[string]string{"error": "Not Found"})
}

func missingCSRF() *gatekeeper.Response {
	return jsonResponse(http.StatusForbidden, map[string]string{"error": "MissingCSRF"})
}

func validationError(fields map[string]string) *gatekeeper.Response {
	if fields == nil {
		fields = map[string]string{}
	}
	return jsonResponse(http.StatusBadRequest, map[string]any{
		"error":  "ValidationError",
		"fields": fields,
	})
}
