package security

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrInvalidPolicy はポリシーファイルの内容が不正な場合のエラー。
var ErrInvalidPolicy = errors.New("不正なセキュリティポリシー")

// defaultSuspiciousAgents はUser-Agentに含まれていれば拒否する文字列。
var defaultSuspiciousAgents = []string{
	"curl", "wget", "python", "scrapy", "bot",
	"crawler", "scanner", "nikto", "sqlmap", "nmap",
}

// defaultAttackPatterns はパスに含まれていれば拒否する文字列。
var defaultAttackPatterns = []string{
	"../", `..\`, "%2e%2e", "%252e",
	"script>", "<script", "javascript:", "vbscript:",
	"onload=", "onerror=",
	"union+select", "drop+table", "insert+into",
}

// Policy はバリデータが使用する検査条件。生成後は変更されない。
type Policy struct {
	suspiciousAgents []string
	allowedOrigins   []string
	attackPatterns   []string
}

// NewPolicy はポリシーを生成する。エージェントと攻撃パターンは小文字に正規化され、
// 引数のスライスは複製される。
func NewPolicy(suspiciousAgents, allowedOrigins, attackPatterns []string) *Policy {
	return &Policy{
		suspiciousAgents: normalize(suspiciousAgents, true),
		allowedOrigins:   normalize(allowedOrigins, false),
		attackPatterns:   normalize(attackPatterns, true),
	}
}

// DefaultPolicy は組み込みの拒否リストと指定された許可オリジンでポリシーを生成する。
func DefaultPolicy(allowedOrigins []string) *Policy {
	return NewPolicy(defaultSuspiciousAgents, allowedOrigins, defaultAttackPatterns)
}

// SuspiciousAgents は拒否するUser-Agent断片の複製を返す。
func (p *Policy) SuspiciousAgents() []string { return clone(p.suspiciousAgents) }

// AllowedOrigins はPOSTで許可するオリジンの複製を返す。
func (p *Policy) AllowedOrigins() []string { return clone(p.allowedOrigins) }

// AttackPatterns は拒否するパス断片の複製を返す。
func (p *Policy) AttackPatterns() []string { return clone(p.attackPatterns) }

// policyFile はポリシーYAMLファイルの構造。
type policyFile struct {
	// SuspiciousAgents は拒否するUser-Agent断片。省略時は既定値。
	SuspiciousAgents []string `yaml:"suspicious_agents"`
	// AttackPatterns は拒否するパス断片。省略時は既定値。
	AttackPatterns []string `yaml:"attack_patterns"`
	// ExtraOrigins は環境変数由来の許可オリジンに追加するオリジン。
	ExtraOrigins []string `yaml:"extra_origins"`
}

// LoadPolicyFile はYAMLファイルからポリシーを読み込む。
// 省略されたリストは既定値になり、空ファイルは既定のポリシーになる。
func LoadPolicyFile(path string, allowedOrigins []string) (*Policy, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- 起動時に設定されたパス
	if err != nil {
		return nil, fmt.Errorf("ポリシーファイルの読み込みに失敗: %w", err)
	}
	return ParsePolicy(data, allowedOrigins)
}

// ParsePolicy はYAMLのバイト列からポリシーを組み立てる。
func ParsePolicy(data []byte, allowedOrigins []string) (*Policy, error) {
	var file policyFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPolicy, err)
	}

	agents := file.SuspiciousAgents
	if agents == nil {
		agents = defaultSuspiciousAgents
	}
	patterns := file.AttackPatterns
	if patterns == nil {
		patterns = defaultAttackPatterns
	}

	for _, v := range append(clone(agents), patterns...) {
		if strings.TrimSpace(v) == "" {
			return nil, fmt.Errorf("%w: 空の項目は指定できません", ErrInvalidPolicy)
		}
	}

	origins := append(clone(allowedOrigins), file.ExtraOrigins...)
	return NewPolicy(agents, origins, patterns), nil
}

func normalize(values []string, lower bool) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if lower {
			v = strings.ToLower(v)
		}
		out = append(out, v)
	}
	return out
}

func clone(values []string) []string {
	return append([]string(nil), values...)
}
