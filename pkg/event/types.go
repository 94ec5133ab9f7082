// Package event は認証まわりの監査イベントを表す型を提供する。
//
// サインイン、サインアウト、ユーザー登録などの出来事を不変のレコードとして
// 記録し、auth_events テーブルに追記する。
package event

import (
	"encoding/json"
	"time"
)

// Type はイベントの種類を表す。
type Type string

const (
	// TypeUserRegistered は資格情報でユーザーが登録されたことを表す。
	TypeUserRegistered Type = "UserRegistered"
	// TypeSignedIn はユーザーがサインインしたことを表す。
	TypeSignedIn Type = "SignedIn"
	// TypeSignInFailed はサインインが失敗したことを表す。
	TypeSignInFailed Type = "SignInFailed"
	// TypeSignedOut はユーザーがサインアウトしたことを表す。
	TypeSignedOut Type = "SignedOut"
	// TypeAccountLinked はOAuthアカウントがユーザーに紐付けられたことを表す。
	TypeAccountLinked Type = "AccountLinked"
)

// Event は監査ログにおける不変のイベントレコードを表す。
type Event struct {
	// ID はイベントの一意識別子（UUID）。
	ID string `json:"id"`
	// UserID は対象ユーザーの識別子。サインイン失敗時などユーザー不明の場合は空。
	UserID string `json:"user_id"`
	// EventType はイベントの種類。
	EventType Type `json:"event_type"`
	// Provider は認証プロバイダ（credentials, github, google）。
	Provider string `json:"provider"`
	// IP はリクエスト元のクライアント識別子。
	IP string `json:"ip"`
	// Data はイベント固有のデータ（JSON形式）。
	Data json.RawMessage `json:"data"`
	// CreatedAt はイベントが作成された日時。
	CreatedAt time.Time `json:"created_at"`
}

// UserRegisteredData はUserRegisteredイベントのデータ。
type UserRegisteredData struct {
	// Email は登録されたメールアドレス。
	Email string `json:"email"`
	// Username は登録されたユーザー名。
	Username string `json:"username"`
}

// SignedInData はSignedInイベントのデータ。
type SignedInData struct {
	// Email はサインインしたユーザーのメールアドレス。
	Email string `json:"email"`
}

// SignInFailedData はSignInFailedイベントのデータ。
type SignInFailedData struct {
	// Email は試行されたメールアドレス。
	Email string `json:"email"`
	// Reason は失敗理由。
	Reason string `json:"reason"`
}

// AccountLinkedData はAccountLinkedイベントのデータ。
type AccountLinkedData struct {
	// ProviderAccountID はプロバイダ側のアカウントID。
	ProviderAccountID string `json:"provider_account_id"`
}
