package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
)

// ServiceName はすべてのログに付与するサービス名。
const ServiceName = "auth-api"

// EnvProduction は本番環境を表す APP_ENV の値。
const EnvProduction = "production"

// Config はロガーの生成設定。
type Config struct {
	// Level はログレベル（debug, info, warn, error）。不正な値はinfoとして扱う。
	Level string
	// Environment は実行環境。"production" の場合はファイル出力を有効にする。
	Environment string
	// Dir はファイル出力先のディレクトリ。空の場合は "logs"。
	Dir string
	// Out はコンソール出力先。nilの場合は標準出力。
	Out io.Writer
}

// New は設定に従ってzerologロガーを生成する。
// 戻り値のcloseはファイル出力を閉じるための関数で、ファイル出力がない場合も呼び出してよい。
func New(cfg Config) (zerolog.Logger, func() error, error) {
	out := cfg.Out
	if out == nil {
		out = os.Stdout
	}

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	closeFn := func() error { return nil }
	var writer io.Writer

	if cfg.Environment == EnvProduction {
		dir := cfg.Dir
		if dir == "" {
			dir = "logs"
		}
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return zerolog.Nop(), closeFn, fmt.Errorf("ログディレクトリの作成に失敗: %w", err)
		}

		combined, err := openLogFile(filepath.Join(dir, "auth-combined.log"))
		if err != nil {
			return zerolog.Nop(), closeFn, err
		}
		errorsOnly, err := openLogFile(filepath.Join(dir, "auth-error.log"))
		if err != nil {
			_ = combined.Close()
			return zerolog.Nop(), closeFn, err
		}

		writer = zerolog.MultiLevelWriter(
			out,
			combined,
			&levelFilterWriter{w: errorsOnly, min: zerolog.ErrorLevel},
		)
		closeFn = func() error {
			errCombined := combined.Close()
			if err := errorsOnly.Close(); err != nil {
				return err
			}
			return errCombined
		}
	} else {
		writer = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	environment := cfg.Environment
	if environment == "" {
		environment = "development"
	}

	logger := zerolog.New(writer).
		Level(level).
		With().
		Timestamp().
		Str("service", ServiceName).
		Str("environment", environment).
		Logger()

	return logger, closeFn, nil
}

// openLogFile は追記モードでログファイルを開く。
func openLogFile(path string) (*os.File, error) {
	// #nosec G304 -- パスは起動時の設定から組み立てる
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, fmt.Errorf("ログファイル %s のオープンに失敗: %w", path, err)
	}
	return f, nil
}

// levelFilterWriter は指定レベル以上のログのみを書き込むLevelWriter。
type levelFilterWriter struct {
	w   io.Writer
	min zerolog.Level
}

// Write はレベル情報なしの書き込み。レベル不明のため書き込まない。
func (l *levelFilterWriter) Write(p []byte) (int, error) {
	return len(p), nil
}

// WriteLevel はlevelがmin以上の場合のみ書き込む。
func (l *levelFilterWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	if level < l.min {
		return len(p), nil
	}
	return l.w.Write(p)
}
