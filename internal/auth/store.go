package auth

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/nao1215/devflow/pkg/event"
	"github.com/nao1215/devflow/pkg/migration"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ストア操作のエラー。
var (
	// ErrUserNotFound はユーザーが存在しないことを表す。
	ErrUserNotFound = errors.New("ユーザーが見つかりません")
	// ErrInvalidCredentials はメールアドレスまたはパスワードが正しくないことを表す。
	ErrInvalidCredentials = errors.New("メールアドレスまたはパスワードが正しくありません")
	// ErrEmailTaken はメールアドレスが既に登録されていることを表す。
	ErrEmailTaken = errors.New("メールアドレスは既に登録されています")
	// ErrUsernameTaken はユーザー名が既に使われていることを表す。
	ErrUsernameTaken = errors.New("ユーザー名は既に使われています")
	// ErrMissingEmail はOAuthプロバイダからメールアドレスを取得できなかったことを表す。
	ErrMissingEmail = errors.New("プロバイダからメールアドレスを取得できません")
)

// ProviderCredentials は資格情報（メールアドレスとパスワード）のプロバイダID。
const ProviderCredentials = "credentials"

// User は登録済みユーザー。
type User struct {
	// ID はユーザーの一意識別子（UUID）。
	ID string `json:"id"`
	// Name は表示名。
	Name string `json:"name"`
	// Username はユーザー名。OAuthで作成されたユーザーは空。
	Username string `json:"username,omitempty"`
	// Email はメールアドレス（小文字）。
	Email string `json:"email"`
	// Image はアバター画像のURL。
	Image string `json:"image,omitempty"`
	// CreatedAt は登録日時。
	CreatedAt time.Time `json:"created_at"`
	// LastLoginAt は最終ログイン日時。
	LastLoginAt time.Time `json:"last_login_at"`
}

// NewUser は資格情報で登録するユーザーの入力。
type NewUser struct {
	Name         string
	Username     string
	Email        string
	PasswordHash string
}

// OAuthProfile はOAuthプロバイダから取得したユーザー情報。
type OAuthProfile struct {
	// Provider はプロバイダID（github, google）。
	Provider string
	// ProviderAccountID はプロバイダ側のユーザーID。
	ProviderAccountID string
	Email             string
	Name              string
	Image             string
}

// Store はユーザー、アカウント、監査イベントをSQLiteに保存する。
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
	now    func() time.Time
}

// OpenStore はSQLiteファイルを開き、マイグレーションを適用したストアを返す。
func OpenStore(path string, logger zerolog.Logger) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("データベースディレクトリの作成に失敗: %w", err)
		}
	}

	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗: %w", err)
	}

	s, err := NewStore(db, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewStore は接続済みのデータベースにマイグレーションを適用してストアを返す。
func NewStore(db *sql.DB, logger zerolog.Logger) (*Store, error) {
	if _, err := migration.Run(context.Background(), db, migrationsFS, "migrations", logger); err != nil {
		return nil, fmt.Errorf("マイグレーションに失敗: %w", err)
	}
	return &Store{db: db, logger: logger, now: time.Now}, nil
}

// Close はデータベース接続を閉じる。
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping はデータベースへの疎通を確認する。
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// SchemaVersion は適用済みのマイグレーションの最大バージョンを返す。
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	return migration.Current(ctx, s.db)
}

// CreateCredentialsUser はユーザーと資格情報アカウントを作成する。
// メールアドレスまたはユーザー名が重複している場合は ErrEmailTaken または ErrUsernameTaken を返す。
func (s *Store) CreateCredentialsUser(ctx context.Context, in NewUser) (*User, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("トランザクション開始に失敗: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if exists, err := rowExists(ctx, tx, `SELECT 1 FROM users WHERE email = ?`, in.Email); err != nil {
		return nil, err
	} else if exists {
		return nil, ErrEmailTaken
	}
	if exists, err := rowExists(ctx, tx, `SELECT 1 FROM users WHERE username = ?`, in.Username); err != nil {
		return nil, err
	} else if exists {
		return nil, ErrUsernameTaken
	}

	now := s.now().UTC()
	user := &User{
		ID:          uuid.New().String(),
		Name:        in.Name,
		Username:    in.Username,
		Email:       in.Email,
		CreatedAt:   now,
		LastLoginAt: now,
	}
	if err := insertUser(ctx, tx, user); err != nil {
		return nil, err
	}
	if err := insertAccount(ctx, tx, user.ID, ProviderCredentials, in.Email, in.PasswordHash, now); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("コミットに失敗: %w", err)
	}
	return user, nil
}

// FindCredentials はメールアドレスに対応するユーザーとパスワードハッシュを返す。
func (s *Store) FindCredentials(ctx context.Context, email string) (*User, string, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT u.id, u.name, u.username, u.email, u.image, u.created_at, u.last_login_at, a.password_hash
FROM accounts a JOIN users u ON u.id = a.user_id
WHERE a.provider = ? AND a.provider_account_id = ?`, ProviderCredentials, email)

	var hash string
	user, err := scanUser(row, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, "", ErrUserNotFound
	}
	if err != nil {
		return nil, "", fmt.Errorf("資格情報の取得に失敗: %w", err)
	}
	return user, hash, nil
}

// GetUser はIDでユーザーを取得する。
func (s *Store) GetUser(ctx context.Context, id string) (*User, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, name, username, email, image, created_at, last_login_at
FROM users WHERE id = ?`, id)

	user, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ユーザーの取得に失敗: %w", err)
	}
	return user, nil
}

// UpsertOAuthUser はOAuthプロファイルに対応するユーザーを返す。
// アカウントが未登録の場合は同じメールアドレスのユーザーに紐付けるか、新しいユーザーを作成する。
// linked はこの呼び出しでアカウントが紐付けられたかどうか。
func (s *Store) UpsertOAuthUser(ctx context.Context, p OAuthProfile) (user *User, linked bool, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("トランザクション開始に失敗: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := s.now().UTC()

	row := tx.QueryRowContext(ctx, `
SELECT u.id, u.name, u.username, u.email, u.image, u.created_at, u.last_login_at
FROM accounts a JOIN users u ON u.id = a.user_id
WHERE a.provider = ? AND a.provider_account_id = ?`, p.Provider, p.ProviderAccountID)
	user, err = scanUser(row)
	switch {
	case err == nil:
	case errors.Is(err, sql.ErrNoRows):
		if p.Email == "" {
			return nil, false, ErrMissingEmail
		}
		row := tx.QueryRowContext(ctx, `
SELECT id, name, username, email, image, created_at, last_login_at
FROM users WHERE email = ?`, p.Email)
		user, err = scanUser(row)
		if errors.Is(err, sql.ErrNoRows) {
			user = &User{
				ID:          uuid.New().String(),
				Name:        p.Name,
				Email:       p.Email,
				Image:       p.Image,
				CreatedAt:   now,
				LastLoginAt: now,
			}
			if err := insertUser(ctx, tx, user); err != nil {
				return nil, false, err
			}
		} else if err != nil {
			return nil, false, fmt.Errorf("ユーザーの取得に失敗: %w", err)
		}
		if err := insertAccount(ctx, tx, user.ID, p.Provider, p.ProviderAccountID, "", now); err != nil {
			return nil, false, err
		}
		linked = true
	default:
		return nil, false, fmt.Errorf("アカウントの取得に失敗: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE users SET last_login_at = ? WHERE id = ?`, formatTime(now), user.ID); err != nil {
		return nil, false, fmt.Errorf("最終ログイン日時の更新に失敗: %w", err)
	}
	user.LastLoginAt = now

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("コミットに失敗: %w", err)
	}
	return user, linked, nil
}

// TouchLogin は最終ログイン日時を更新する。
func (s *Store) TouchLogin(ctx context.Context, userID string) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE users SET last_login_at = ? WHERE id = ?`, formatTime(s.now().UTC()), userID); err != nil {
		return fmt.Errorf("最終ログイン日時の更新に失敗: %w", err)
	}
	return nil
}

// AppendEvent は監査イベントを追記する。
func (s *Store) AppendEvent(ctx context.Context, e *event.Event) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO auth_events (id, user_id, event_type, provider, ip, data, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.UserID, string(e.EventType), e.Provider, e.IP, string(e.Data), formatTime(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("監査イベントの保存に失敗: %w", err)
	}
	return nil
}

// ListEvents はユーザーの監査イベントを新しい順に最大 limit 件返す。
func (s *Store) ListEvents(ctx context.Context, userID string, limit int) ([]*event.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, user_id, event_type, provider, ip, data, created_at
FROM auth_events WHERE user_id = ?
ORDER BY created_at DESC, rowid DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("監査イベントの取得に失敗: %w", err)
	}
	defer rows.Close()

	events := make([]*event.Event, 0)
	for rows.Next() {
		var (
			e         event.Event
			eventType string
			data      string
			createdAt string
		)
		if err := rows.Scan(&e.ID, &e.UserID, &eventType, &e.Provider, &e.IP, &data, &createdAt); err != nil {
			return nil, fmt.Errorf("監査イベントの読み取りに失敗: %w", err)
		}
		e.EventType = event.Type(eventType)
		e.Data = []byte(data)
		if e.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("監査イベントの読み取りに失敗: %w", err)
	}
	return events, nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func rowExists(ctx context.Context, q queryer, query string, args ...any) (bool, error) {
	var one int
	err := q.QueryRowContext(ctx, query, args...).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("重複確認に失敗: %w", err)
	}
	return true, nil
}

func insertUser(ctx context.Context, tx *sql.Tx, u *User) error {
	var username sql.NullString
	if u.Username != "" {
		username = sql.NullString{String: u.Username, Valid: true}
	}
	_, err := tx.ExecContext(ctx, `
INSERT INTO users (id, name, username, email, image, created_at, last_login_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.Name, username, u.Email, u.Image, formatTime(u.CreatedAt), formatTime(u.LastLoginAt))
	if err != nil {
		return fmt.Errorf("ユーザーの作成に失敗: %w", err)
	}
	return nil
}

func insertAccount(ctx context.Context, tx *sql.Tx, userID, provider, providerAccountID, passwordHash string, now time.Time) error {
	_, err := tx.ExecContext(ctx, `
INSERT INTO accounts (id, user_id, provider, provider_account_id, password_hash, created_at)
VALUES (?, ?, ?, ?, ?, ?)`,
		uuid.New().String(), userID, provider, providerAccountID, passwordHash, formatTime(now))
	if err != nil {
		return fmt.Errorf("アカウントの作成に失敗: %w", err)
	}
	return nil
}

// scanUser は users の列（と追加の列）を読み取る。
func scanUser(row *sql.Row, extra ...any) (*User, error) {
	var (
		u         User
		username  sql.NullString
		createdAt string
		lastLogin string
	)
	dest := append([]any{&u.ID, &u.Name, &username, &u.Email, &u.Image, &createdAt, &lastLogin}, extra...)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	u.Username = username.String

	var err error
	if u.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if u.LastLoginAt, err = parseTime(lastLogin); err != nil {
		return nil, err
	}
	return &u, nil
}

// timeLayout は日時列の保存形式。固定長にして文字列の大小と時刻の前後を一致させる。
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("日時の解析に失敗: %w", err)
	}
	return t, nil
}
