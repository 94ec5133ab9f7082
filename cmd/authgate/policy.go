package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/nao1215/devflow/internal/config"
	"github.com/nao1215/devflow/internal/security"
	"github.com/spf13/cobra"
)

// newPolicyCmd はセキュリティポリシー関連のコマンドを生成する。
func newPolicyCmd() *cobra.Command {
	policy := &cobra.Command{
		Use:   "policy",
		Short: "セキュリティポリシーを操作する",
	}
	policy.AddCommand(&cobra.Command{
		Use:   "check <file>",
		Short: "ポリシーファイルを検証し、適用される内容を表示する",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			p, err := security.LoadPolicyFile(args[0], cfg.AllowedOrigins())
			if err != nil {
				return err
			}
			printPolicy(cmd.OutOrStdout(), p)
			return nil
		},
	})
	return policy
}

// printPolicy はポリシーの各リストを表示する。
func printPolicy(w io.Writer, p *security.Policy) {
	sections := []struct {
		title  string
		values []string
	}{
		{"suspicious_agents", p.SuspiciousAgents()},
		{"allowed_origins", p.AllowedOrigins()},
		{"attack_patterns", p.AttackPatterns()},
	}
	for _, s := range sections {
		fmt.Fprintf(w, "%s (%d):\n", s.title, len(s.values))
		for _, v := range s.values {
			fmt.Fprintf(w, "  - %s\n", strings.TrimSpace(v))
		}
	}
}
