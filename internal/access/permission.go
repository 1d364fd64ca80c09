// Package access は現在のユーザーが会話について通知を受けてよいかを判定する。
//
// 判定はノイズとなる通知を抑えるためのものであり、セキュリティ境界ではない。
// 実際の認可はバックエンドが行う。
package access

import (
	"strings"
)

// Role はユーザーのロールを表す。
type Role string

const (
	// RoleAdmin は管理者。
	RoleAdmin Role = "admin"
	// RoleAnalyst はアナリスト。
	RoleAnalyst Role = "analyst"
	// RoleUser は一般ユーザー。
	RoleUser Role = "user"
)

// ParseRole は文字列をロールに変換する。未知の値は一般ユーザーとして扱う。
func ParseRole(s string) Role {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case RoleAdmin:
		return RoleAdmin
	case RoleAnalyst:
		return RoleAnalyst
	default:
		return RoleUser
	}
}

// Permission は認証済みの身元から導出した読み取り専用の権限情報。
// セッション中は変化しない（ロール変更には再認証が必要）。
type Permission struct {
	// Role はユーザーのロール。
	Role Role
	// UserID は現在のユーザーID。
	UserID int64
	// Privileged は会話メンバーシップの確認を免除されるかどうか。
	Privileged bool
	// RestrictedToOwn は自分が参加する会話のみに制限されるかどうか。
	RestrictedToOwn bool
}

// NewPermission はロールとユーザーIDから権限情報を導出する。
func NewPermission(role Role, userID int64) Permission {
	privileged := role == RoleAdmin || role == RoleAnalyst
	return Permission{
		Role:            role,
		UserID:          userID,
		Privileged:      privileged,
		RestrictedToOwn: !privileged,
	}
}

// IDSet は会話IDの集合。
type IDSet map[int64]struct{}

// NewIDSet は与えられたIDから集合を生成する。
func NewIDSet(ids ...int64) IDSet {
	set := make(IDSet, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

// Has は集合にIDが含まれるかを返す。
func (s IDSet) Has(id int64) bool {
	_, ok := s[id]
	return ok
}

// CanAccessConversation は会話について通知してよいかを返す。
// 特権ロールは常に許可し、それ以外は既知の会話集合に含まれる場合のみ許可する。
// 既知集合は一覧の再取得まで古い可能性があり、偽陰性は次回の再取得で解消される。
func CanAccessConversation(conversationID int64, role Role, known IDSet) bool {
	if conversationID == 0 {
		return false
	}
	if role == RoleAdmin || role == RoleAnalyst {
		return true
	}
	return known.Has(conversationID)
}

// CanAccess は Permission に基づいて CanAccessConversation を呼び出す。
func (p Permission) CanAccess(conversationID int64, known IDSet) bool {
	return CanAccessConversation(conversationID, p.Role, known)
}

// IsSelf は与えられたユーザーIDが現在のユーザーかどうかを返す。
func (p Permission) IsSelf(userID int64) bool {
	return userID != 0 && userID == p.UserID
}
