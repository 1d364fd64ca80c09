package realtime

import "sync"

// Room は参加したい会話ルームと実際に参加済みのルームを保持する。
// 両者が食い違うと dirty になり、接続中であれば次の flush で送信する。
type Room struct {
	// mu は以下のフィールドへの並行アクセスを保護するミューテックス。
	mu sync.Mutex
	// desired は参加したい会話ID。0なら参加しない。
	desired int64
	// joined は現在の接続で参加済みの会話ID。
	joined int64
	// dirty は送信が必要な差分があるかどうか。
	dirty bool
}

// Want は参加したい会話IDを設定する。値が変わった場合のみ dirty にする。
func (r *Room) Want(id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.desired != id {
		r.desired = id
		r.dirty = true
	}
}

// MarkDirty は接続の張り直しなどで参加状態が失われたことを記録する。
func (r *Room) MarkDirty() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.joined = 0
	r.dirty = r.desired != 0
}

// IsDirty は送信が必要な差分があるかを返す。
func (r *Room) IsDirty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dirty
}

// Pending は退出すべき会話ID・参加すべき会話ID・送信後に参加済みとなる会話IDを返す。
func (r *Room) Pending() (leave, join, target int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	target = r.desired
	if !r.dirty {
		return 0, 0, r.joined
	}
	if r.joined != 0 && r.joined != r.desired {
		leave = r.joined
	}
	if r.desired != 0 && r.desired != r.joined {
		join = r.desired
	}
	return leave, join, target
}

// Reset は送信が完了したものとして参加済みの会話IDを更新する。
func (r *Room) Reset(joined int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.joined = joined
	r.dirty = r.desired != joined
}

// Desired は参加したい会話IDを返す。
func (r *Room) Desired() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.desired
}
