// Package security は認証エンドポイントへのリクエストを検査するセキュリティバリデータを提供する。
//
// バリデータはUser-Agentの拒否リスト、POSTリクエストのOrigin許可リスト、
// パスに含まれる攻撃パターンの順に検査し、最初に違反した時点で結果を返す。
// 検査に使うポリシーは不変で、YAMLファイルからの再読み込み時はポリシー全体を差し替える。
package security
