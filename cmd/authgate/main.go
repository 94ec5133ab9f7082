// 認証ゲートウェイ（authgate）のエントリポイント。
// /api/auth/* へのリクエストをセキュリティ検査とレート制限で保護し、
// 認証ハンドラに委譲するHTTPサーバーを起動する。
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version はビルド時に -ldflags "-X main.version=..." で上書きされる。
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "エラー: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd はルートコマンドを生成する。
func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "authgate",
		Short:         "DevFlowの認証ゲートウェイ",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd(), newPolicyCmd(), newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "バージョンを表示する",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "authgate %s\n", version)
		},
	}
}
