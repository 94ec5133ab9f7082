package gatekeeper

import (
	"net"
	"net/http"
	"strings"

	"github.com/seancfoley/ipaddress-go/ipaddr"
)

// UnknownClient はクライアントのIPアドレスを特定できない場合の識別子。
// 該当するクライアントはすべて同じレート制限の枠を共有する。
const UnknownClient = "unknown"

// ClientIdentifier はレート制限とログに使うクライアント識別子を返す。
// X-Forwarded-For の先頭、X-Real-IP、接続元アドレスの順に調べ、最初に解釈できたアドレスを正規化して返す。
func ClientIdentifier(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := normalizeIP(first); ip != "" {
			return ip
		}
	}
	if ip := normalizeIP(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	if ip := normalizeIP(r.RemoteAddr); ip != "" {
		return ip
	}
	return UnknownClient
}

// normalizeIP はポート番号や角括弧を取り除いてアドレスを正規化する。解釈できない場合は空文字を返す。
func normalizeIP(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(s); err == nil {
		s = host
	}
	s = strings.TrimSuffix(strings.TrimPrefix(s, "["), "]")
	if s == "" {
		return ""
	}

	addr, err := ipaddr.NewIPAddressString(s).ToAddress()
	if err != nil || addr == nil || addr.IsMultiple() {
		return ""
	}
	return addr.WithoutPrefixLen().String()
}
