package security

import (
	"net/http"
	"slices"
	"strings"
	"sync/atomic"
)

// 検査に失敗した理由。
const (
	ReasonSuspiciousAgent = "Suspicious user agent"
	ReasonInvalidOrigin   = "Invalid origin"
	ReasonMaliciousPath   = "Malicious pattern detected"
)

// Verdict は検査結果。Valid が false の場合は Reason に理由が入る。
type Verdict struct {
	Valid  bool
	Reason string
}

// Validator はリクエストをポリシーに照らして検査する。
// ポリシーは Swap で丸ごと差し替えられ、1リクエストの検査中は同じポリシーが使われる。
type Validator struct {
	policy atomic.Pointer[Policy]
}

// NewValidator は指定されたポリシーでバリデータを生成する。
func NewValidator(policy *Policy) *Validator {
	v := &Validator{}
	v.policy.Store(policy)
	return v
}

// Policy は現在のポリシーを返す。
func (v *Validator) Policy() *Policy {
	return v.policy.Load()
}

// Swap はポリシーを差し替える。
func (v *Validator) Swap(policy *Policy) {
	v.policy.Store(policy)
}

// Validate はリクエストを検査する。ヘッダーとパス以外は参照しない。
func (v *Validator) Validate(r *http.Request) Verdict {
	p := v.policy.Load()

	if ua := r.Header.Get("User-Agent"); ua != "" && containsAny(strings.ToLower(ua), p.suspiciousAgents) {
		return Verdict{Reason: ReasonSuspiciousAgent}
	}

	if r.Method == http.MethodPost {
		if origin := r.Header.Get("Origin"); origin != "" && !slices.Contains(p.allowedOrigins, origin) {
			return Verdict{Reason: ReasonInvalidOrigin}
		}
	}

	if r.URL != nil {
		escaped := strings.ToLower(r.URL.EscapedPath())
		decoded := strings.ToLower(r.URL.Path)
		if containsAny(escaped, p.attackPatterns) || containsAny(decoded, p.attackPatterns) {
			return Verdict{Reason: ReasonMaliciousPath}
		}
	}

	return Verdict{Valid: true}
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}
