package security

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// reloadDebounce はファイル変更イベントをまとめる待ち時間。
const reloadDebounce = 100 * time.Millisecond

// Watcher はポリシーファイルを監視し、変更があればバリデータのポリシーを差し替える。
type Watcher struct {
	path           string
	allowedOrigins []string
	validator      *Validator
	logger         zerolog.Logger
	watcher        *fsnotify.Watcher
	cancel         context.CancelFunc
	done           chan struct{}

	mu       sync.Mutex
	timer    *time.Timer
	onReload func(error)
}

// WatchPolicyFile はポリシーファイルを読み込んでバリデータに適用し、監視を開始する。
// 初回の読み込みに失敗した場合はエラーを返す。
func WatchPolicyFile(path string, allowedOrigins []string, v *Validator, logger zerolog.Logger) (*Watcher, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("ポリシーファイルのパス解決に失敗: %w", err)
	}

	policy, err := LoadPolicyFile(absPath, allowedOrigins)
	if err != nil {
		return nil, err
	}
	v.Swap(policy)

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("ファイル監視の作成に失敗: %w", err)
	}
	// エディタの置き換え保存に追従するためディレクトリを監視する
	if err := fw.Add(filepath.Dir(absPath)); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("ディレクトリの監視に失敗: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &Watcher{
		path:           absPath,
		allowedOrigins: append([]string(nil), allowedOrigins...),
		validator:      v,
		logger:         logger.With().Str("component", "policy-watcher").Logger(),
		watcher:        fw,
		cancel:         cancel,
		done:           make(chan struct{}),
	}
	go w.loop(ctx)

	return w, nil
}

// OnReload は再読み込みのたびに呼ばれる関数を設定する。成功時は nil が渡される。
func (w *Watcher) OnReload(fn func(error)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onReload = fn
}

// Close は監視を停止する。
func (w *Watcher) Close() error {
	w.cancel()
	err := w.watcher.Close()
	<-w.done

	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
	return err
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) || ev.Has(fsnotify.Chmod) {
				w.schedule()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("policy watcher error")
		}
	}
}

func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(reloadDebounce, w.reload)
}

// reload はポリシーを読み直す。失敗した場合は以前のポリシーを維持する。
func (w *Watcher) reload() {
	policy, err := LoadPolicyFile(w.path, w.allowedOrigins)
	if err != nil {
		w.logger.Error().Err(err).Str("path", w.path).Msg("security policy reload failed, keeping previous policy")
	} else {
		w.validator.Swap(policy)
		w.logger.Info().Str("path", w.path).Msg("security policy reloaded")
	}

	w.mu.Lock()
	fn := w.onReload
	w.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}
