package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryStore はプロセス内に保存するスライディングログ方式のストア。
// 単一インスタンスでの運用とテストを想定している。
type MemoryStore struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu        sync.Mutex
	logs      map[string][]time.Time
	lastSweep time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore はメモリストアを生成する。now が nil の場合は time.Now を使う。
func NewMemoryStore(cfg Config, now func() time.Time) (*MemoryStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		limit:  cfg.Requests,
		window: cfg.Window,
		now:    now,
		logs:   make(map[string][]time.Time),
	}, nil
}

// Limit はウィンドウ外の記録を捨ててから判定し、許可した場合は現在時刻を記録する。
func (s *MemoryStore) Limit(_ context.Context, identifier string) (Result, error) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.sweep(now)

	log := s.prune(s.logs[identifier], now)
	res := Result{Limit: s.limit}

	if len(log) >= s.limit {
		s.logs[identifier] = log
		res.Reset = log[0].Add(s.window)
		return res, nil
	}

	log = append(log, now)
	s.logs[identifier] = log
	res.Success = true
	res.Remaining = s.limit - len(log)
	res.Reset = log[0].Add(s.window)
	return res, nil
}

// Len は記録を保持している識別子の数を返す。
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.logs)
}

// prune はウィンドウ外になった記録を取り除く（ロックを取得した状態で呼ぶ）。
func (s *MemoryStore) prune(log []time.Time, now time.Time) []time.Time {
	start := now.Add(-s.window)
	cut := 0
	for cut < len(log) && !log[cut].After(start) {
		cut++
	}
	return log[cut:]
}

// sweep はウィンドウ1つ分の間隔で、記録が空になった識別子を削除する（ロックを取得した状態で呼ぶ）。
func (s *MemoryStore) sweep(now time.Time) {
	if now.Sub(s.lastSweep) < s.window {
		return
	}
	s.lastSweep = now
	for id, log := range s.logs {
		if len(s.prune(log, now)) == 0 {
			delete(s.logs, id)
		}
	}
}
