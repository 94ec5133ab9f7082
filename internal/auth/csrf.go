package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// CSRFCookieName はCSRFトークンを格納するCookie名。
const CSRFCookieName = "authjs.csrf-token"

// csrfToken は "token|hash" 形式のCookieを扱う。hash はトークンとシークレットのHMAC。
type csrfToken struct {
	secret []byte
}

func (c csrfToken) hash(token string) string {
	mac := hmac.New(sha256.New, c.secret)
	mac.Write([]byte(token))
	return hex.EncodeToString(mac.Sum(nil))
}

// fromRequest はCookieから検証済みのトークンを取り出す。存在しないか改ざんされている場合は空文字。
func (c csrfToken) fromRequest(r *http.Request) string {
	cookie, err := r.Cookie(CSRFCookieName)
	if err != nil {
		return ""
	}
	token, sum, ok := strings.Cut(cookie.Value, "|")
	if !ok || token == "" {
		return ""
	}
	if !hmac.Equal([]byte(sum), []byte(c.hash(token))) {
		return ""
	}
	return token
}

// issue はCookieのトークンを再利用し、なければ新しいトークンを生成する。
// 新しく生成した場合はCookieの値も返す。
func (c csrfToken) issue(r *http.Request) (token, cookieValue string) {
	if token = c.fromRequest(r); token != "" {
		return token, ""
	}
	token = strings.ReplaceAll(uuid.New().String(), "-", "")
	return token, token + "|" + c.hash(token)
}

// verify は送信されたトークンがCookieのトークンと一致するかを返す。
func (c csrfToken) verify(r *http.Request, submitted string) bool {
	token := c.fromRequest(r)
	if token == "" || submitted == "" {
		return false
	}
	return hmac.Equal([]byte(token), []byte(submitted))
}
