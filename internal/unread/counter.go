// Package unread はプロフィール別に永続化される会話ごとの未読数を管理する。
package unread

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/nao1215/matreq/internal/storage"
)

// Counter は有効なプロフィールの未読数マップを保持する。
// 未読数はディスパッチャーが増やし、既読化でのみ0に戻る。自身で減算はしない。
type Counter struct {
	// mu は profileID と counts への並行アクセスを保護するミューテックス。
	mu sync.Mutex
	// kv は未読数マップの保存先。
	kv storage.KV
	// profileID は有効なプロフィールのID。
	profileID int64
	// counts は会話IDから未読数への対応。
	counts map[int64]int
}

// New は指定プロフィールの未読数を永続化領域から読み込んで Counter を生成する。
func New(ctx context.Context, kv storage.KV, profileID int64) *Counter {
	c := &Counter{kv: kv}
	c.counts = c.load(ctx, profileID)
	c.profileID = profileID
	return c
}

// ProfileID は有効なプロフィールのIDを返す。
func (c *Counter) ProfileID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.profileID
}

// SwitchProfile は別プロフィールの名前空間に切り替え、その未読数を読み込み直す。
// プロフィール間で未読数が混ざることはない。
func (c *Counter) SwitchProfile(ctx context.Context, profileID int64) {
	counts := c.load(ctx, profileID)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.profileID = profileID
	c.counts = counts
}

// Increment は会話の未読数を1増やして保存し、増加後の値を返す。
func (c *Counter) Increment(ctx context.Context, conversationID int64) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.counts[conversationID]++
	n := c.counts[conversationID]
	return n, c.saveLocked(ctx)
}

// Reset は会話の未読数を0にして保存する（既読化）。
func (c *Counter) Reset(ctx context.Context, conversationID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.counts[conversationID]; !ok {
		return nil
	}
	delete(c.counts, conversationID)
	return c.saveLocked(ctx)
}

// Get は会話の未読数を返す。
func (c *Counter) Get(conversationID int64) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[conversationID]
}

// Counts は未読数マップのコピーを返す。
func (c *Counter) Counts() map[int64]int {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[int64]int, len(c.counts))
	for k, v := range c.counts {
		out[k] = v
	}
	return out
}

// Total はバッジ表示用に全会話の未読数の合計を返す。
func (c *Counter) Total() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	total := 0
	for _, v := range c.counts {
		total += v
	}
	return total
}

// load は永続化領域から未読数マップを読み込む。
// 読み込みや解析に失敗した場合は空のマップにフォールバックする。
func (c *Counter) load(ctx context.Context, profileID int64) map[int64]int {
	key := storage.Key(storage.NamespaceUnread, profileID)
	raw, ok, err := c.kv.Get(ctx, key)
	if err != nil {
		slog.Warn("未読数の読み込みに失敗したため空のマップを使用します", "profile_id", profileID, "error", err)
		return map[int64]int{}
	}
	if !ok {
		return map[int64]int{}
	}

	var stored map[string]int
	if err := json.Unmarshal(raw, &stored); err != nil {
		slog.Warn("保存された未読数が破損しているため空のマップを使用します", "profile_id", profileID, "error", err)
		return map[int64]int{}
	}

	counts := make(map[int64]int, len(stored))
	for k, v := range stored {
		id, err := strconv.ParseInt(k, 10, 64)
		if err != nil || id <= 0 || v <= 0 {
			continue
		}
		counts[id] = v
	}
	return counts
}

// saveLocked は未読数マップを保存する。呼び出し側で mu を保持すること。
func (c *Counter) saveLocked(ctx context.Context) error {
	stored := make(map[string]int, len(c.counts))
	for k, v := range c.counts {
		stored[strconv.FormatInt(k, 10)] = v
	}
	raw, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("未読数のシリアライズに失敗: %w", err)
	}
	if err := c.kv.Put(ctx, storage.Key(storage.NamespaceUnread, c.profileID), raw); err != nil {
		return fmt.Errorf("未読数の保存に失敗: %w", err)
	}
	return nil
}
