// Package logging はzerologベースの構造化ロガーを生成する。
//
// 開発環境では人間が読みやすいコンソール出力、本番環境ではJSON出力に加えて
// logs/ 配下のファイルへの書き込みを行う。ロガーはグローバル変数ではなく
// 各コンポーネントのコンストラクタに明示的に渡して使用する。
package logging
