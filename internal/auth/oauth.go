package auth

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/nao1215/devflow/pkg/httpclient"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"
)

// OAuthプロバイダのID。
const (
	ProviderGitHub = "github"
	ProviderGoogle = "google"
)

// Provider はOAuthプロバイダの設定とユーザー情報の取得方法。
type Provider struct {
	// ID はプロバイダID（URLのセグメントに使う）。
	ID string
	// Name は表示名。
	Name string
	// OAuth はOAuth2クライアント設定。RedirectURL は NewHandler で設定される。
	OAuth *oauth2.Config
	// APIBaseURL はユーザー情報APIのベースURL。
	APIBaseURL string
	// HTTPClient はユーザー情報APIの呼び出しに使うクライアント。nil の場合は既定のクライアント。
	HTTPClient *http.Client

	fetchProfile func(ctx context.Context, api *httpclient.Client) (*OAuthProfile, error)
}

// GitHubProvider はGitHubのOAuthプロバイダを返す。
func GitHubProvider(clientID, clientSecret string) *Provider {
	return &Provider{
		ID:   ProviderGitHub,
		Name: "GitHub",
		OAuth: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint:     endpoints.GitHub,
			Scopes:       []string{"read:user", "user:email"},
		},
		APIBaseURL:   "https://api.github.com",
		fetchProfile: fetchGitHubProfile,
	}
}

// GoogleProvider はGoogleのOAuthプロバイダを返す。
func GoogleProvider(clientID, clientSecret string) *Provider {
	return &Provider{
		ID:   ProviderGoogle,
		Name: "Google",
		OAuth: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint:     endpoints.Google,
			Scopes:       []string{"openid", "email", "profile"},
		},
		APIBaseURL:   "https://openidconnect.googleapis.com",
		fetchProfile: fetchGoogleProfile,
	}
}

// exchange は認可コードをアクセストークンに交換し、ユーザー情報を取得する。
func (p *Provider) exchange(ctx context.Context, code string) (*OAuthProfile, error) {
	if p.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, p.HTTPClient)
	}
	token, err := p.OAuth.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("%sのトークン交換に失敗: %w", p.Name, err)
	}

	var api *httpclient.Client
	if p.HTTPClient != nil {
		api = httpclient.NewWithHTTPClient(p.APIBaseURL, p.HTTPClient)
	} else {
		api = httpclient.New(p.APIBaseURL)
	}

	profile, err := p.fetchProfile(httpclient.WithAccessToken(ctx, token.AccessToken), api)
	if err != nil {
		return nil, fmt.Errorf("%sのユーザー情報取得に失敗: %w", p.Name, err)
	}
	profile.Provider = p.ID
	return profile, nil
}

// fetchGitHubProfile はGitHubのユーザー情報を取得する。
// プロフィールのメールアドレスが非公開の場合は検証済みのプライマリアドレスを使う。
func fetchGitHubProfile(ctx context.Context, api *httpclient.Client) (*OAuthProfile, error) {
	var user struct {
		ID        int64  `json:"id"`
		Login     string `json:"login"`
		Name      string `json:"name"`
		Email     string `json:"email"`
		AvatarURL string `json:"avatar_url"`
	}
	if err := api.GetJSON(ctx, "/user", &user); err != nil {
		return nil, err
	}

	email := user.Email
	if email == "" {
		var emails []struct {
			Email    string `json:"email"`
			Primary  bool   `json:"primary"`
			Verified bool   `json:"verified"`
		}
		if err := api.GetJSON(ctx, "/user/emails", &emails); err != nil {
			return nil, err
		}
		for _, e := range emails {
			if e.Primary && e.Verified {
				email = e.Email
				break
			}
		}
	}

	name := user.Name
	if name == "" {
		name = user.Login
	}
	return &OAuthProfile{
		ProviderAccountID: strconv.FormatInt(user.ID, 10),
		Email:             email,
		Name:              name,
		Image:             user.AvatarURL,
	}, nil
}

// fetchGoogleProfile はGoogleのユーザー情報を取得する。
func fetchGoogleProfile(ctx context.Context, api *httpclient.Client) (*OAuthProfile, error) {
	var info struct {
		Sub           string `json:"sub"`
		Email         string `json:"email"`
		EmailVerified bool   `json:"email_verified"`
		Name          string `json:"name"`
		Picture       string `json:"picture"`
	}
	if err := api.GetJSON(ctx, "/v1/userinfo", &info); err != nil {
		return nil, err
	}

	email := info.Email
	if !info.EmailVerified {
		email = ""
	}
	return &OAuthProfile{
		ProviderAccountID: info.Sub,
		Email:             email,
		Name:              info.Name,
		Image:             info.Picture,
	}, nil
}
