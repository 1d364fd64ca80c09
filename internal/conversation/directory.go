// Package conversation はセッションが把握している会話一覧をキャッシュする。
//
// 一覧はバックエンドから取得し、新着メッセージで並び替える。一般ユーザーの
// 通知可否は、この一覧に含まれる会話IDの集合で判定する。
package conversation

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/nao1215/matreq/internal/access"
)

// ErrSuperseded は後から開始した再取得が先に反映済みのため、結果を破棄したことを表す。
var ErrSuperseded = errors.New("より新しい会話一覧の再取得が反映済みです")

// Summary はキャッシュする会話の概要。
type Summary struct {
	// ID は会話ID。
	ID int64 `json:"id"`
	// Title は会話のタイトル。
	Title string `json:"title"`
	// CreatedAt は作成日時。
	CreatedAt time.Time `json:"created_at"`
	// UpdatedAt は最終更新日時。新着メッセージで更新される。
	UpdatedAt time.Time `json:"updated_at"`
	// CreatedBy は作成者のユーザーID。
	CreatedBy int64 `json:"created_by"`
	// AssignedTo は担当者のユーザーID。未割り当ては0。
	AssignedTo int64 `json:"assigned_to"`
}

// Lister は会話一覧の取得元を表す。
type Lister interface {
	// List はタイトルで絞り込んだ会話一覧を返す。空文字なら全件。
	List(ctx context.Context, title string) ([]Summary, error)
}

// Directory は会話一覧のキャッシュ。
type Directory struct {
	// mu は以下のフィールドへの並行アクセスを保護するミューテックス。
	mu sync.Mutex
	// lister は一覧の取得元。
	lister Lister
	// items は更新日時の新しい順に並んだ会話。
	items []Summary
	// known は items に含まれる会話IDの集合。
	known access.IDSet
	// started は開始した再取得の通し番号。
	started uint64
	// applied は反映済みの再取得の通し番号。
	applied uint64
	// loaded は一覧を一度でも反映したかどうか。
	loaded bool
}

// NewDirectory は空の Directory を生成する。
func NewDirectory(lister Lister) *Directory {
	return &Directory{lister: lister, known: access.NewIDSet()}
}

// Reload は一覧を再取得して置き換え、新たに見えるようになった会話IDを返す。
// 最初に反映した一覧は基準となるため、そのときは nil を返す。
// 重なった再取得は後に開始したものが優先され、それより前に開始した
// 再取得の結果は ErrSuperseded として破棄される。
func (d *Directory) Reload(ctx context.Context) ([]int64, error) {
	d.mu.Lock()
	d.started++
	seq := d.started
	d.mu.Unlock()

	list, err := d.lister.List(ctx, "")
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if seq < d.applied {
		slog.Debug("古い会話一覧の再取得結果を破棄", "seq", seq, "applied", d.applied)
		return nil, ErrSuperseded
	}
	d.applied = seq

	items := slices.Clone(list)
	sortByRecency(items)
	known := make(access.IDSet, len(items))
	var added []int64
	for _, s := range items {
		if s.ID == 0 {
			continue
		}
		if _, dup := known[s.ID]; dup {
			continue
		}
		known[s.ID] = struct{}{}
		if !d.known.Has(s.ID) {
			added = append(added, s.ID)
		}
	}
	d.items = items
	d.known = known
	if !d.loaded {
		d.loaded = true
		return nil, nil
	}
	return added, nil
}

// Bump は会話の更新日時を進めて先頭に並び替える。
// 一覧に無い会話なら何もせず false を返す。
func (d *Directory) Bump(id int64, at time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	i := slices.IndexFunc(d.items, func(s Summary) bool { return s.ID == id })
	if i < 0 {
		return false
	}
	s := d.items[i]
	if at.After(s.UpdatedAt) {
		s.UpdatedAt = at
	}
	d.items = slices.Delete(d.items, i, i+1)
	d.items = slices.Insert(d.items, 0, s)
	return true
}

// Get は会話の概要を返す。
func (d *Directory) Get(id int64) (Summary, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	i := slices.IndexFunc(d.items, func(s Summary) bool { return s.ID == id })
	if i < 0 {
		return Summary{}, false
	}
	return d.items[i], true
}

// Known は会話IDの集合のコピーを返す。
func (d *Directory) Known() access.IDSet {
	d.mu.Lock()
	defer d.mu.Unlock()
	known := make(access.IDSet, len(d.known))
	for id := range d.known {
		known[id] = struct{}{}
	}
	return known
}

// List は会話一覧のコピーを返す。
func (d *Directory) List() []Summary {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.items)
}

// sortByRecency は更新日時の新しい順に並べる。同時刻はID降順。
func sortByRecency(items []Summary) {
	slices.SortStableFunc(items, func(a, b Summary) int {
		if c := b.UpdatedAt.Compare(a.UpdatedAt); c != 0 {
			return c
		}
		switch {
		case a.ID > b.ID:
			return -1
		case a.ID < b.ID:
			return 1
		}
		return 0
	})
}
