// Package auth はセッションのアクセストークンを保持し、期限切れ時に更新する。
//
// トークンとデコード済みプロフィールはプロフィールIDで名前空間を切って
// 永続化する。ログイン・ログアウトのプロトコルはバックエンドの責務であり、
// ここではトークン更新の契約のみを扱う。
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/golang-jwt/jwt/v5"

	"github.com/nao1215/matreq/internal/storage"
	"github.com/nao1215/matreq/pkg/httpclient"
	"github.com/nao1215/matreq/pkg/middleware"
)

// refreshPath はバックエンドのトークン更新APIのパス。
const refreshPath = "/api/auth/refresh"

var (
	// ErrNoRefreshToken はリフレッシュトークンを持たないことを表す。
	ErrNoRefreshToken = errors.New("リフレッシュトークンがありません")
	// ErrInvalidToken はアクセストークンからプロフィールを取り出せないことを表す。
	ErrInvalidToken = errors.New("アクセストークンが不正です")
)

// Tokens はアクセストークンとリフレッシュトークンの組。
type Tokens struct {
	// Access はAPI呼び出しに使うアクセストークン。
	Access string `json:"access_token"`
	// Refresh はアクセストークンの再発行に使うリフレッシュトークン。
	Refresh string `json:"refresh_token,omitempty"`
}

// Profile はアクセストークンのクレームから取り出したユーザー情報。
type Profile struct {
	// UserID はユーザーID。
	UserID int64 `json:"user_id"`
	// Role はロール文字列。
	Role string `json:"role"`
	// Email はメールアドレス。
	Email string `json:"email"`
}

// DecodeProfile は署名を検証せずにアクセストークンのクレームを読み取る。
// 署名の検証は受信時にJWTミドルウェアが行う。ここでの用途は表示用キャッシュのみ。
func DecodeProfile(accessToken string) (Profile, error) {
	claims := &middleware.JWTClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(accessToken, claims); err != nil {
		return Profile{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.UserID <= 0 {
		return Profile{}, fmt.Errorf("%w: user_id がありません", ErrInvalidToken)
	}
	return Profile{UserID: claims.UserID, Role: claims.Role, Email: claims.Email}, nil
}

// Source はセッションが使うトークンを保持する。
type Source struct {
	// mu は tokens と profile への並行アクセスを保護するミューテックス。
	mu sync.RWMutex
	// refreshMu はトークン更新を同時に1つに制限する。
	refreshMu sync.Mutex
	// kv はトークンとプロフィールキャッシュの保存先。
	kv storage.KV
	// client はバックエンドへの通信クライアント。
	client *httpclient.Client
	// tokens は現在のトークン。
	tokens Tokens
	// profile はデコード済みのプロフィール。
	profile Profile
}

// NewSource はトークンからプロフィールを取り出し、両方を永続化した Source を生成する。
func NewSource(ctx context.Context, kv storage.KV, client *httpclient.Client, tokens Tokens) (*Source, error) {
	profile, err := DecodeProfile(tokens.Access)
	if err != nil {
		return nil, err
	}
	s := &Source{kv: kv, client: client, tokens: tokens, profile: profile}
	if err := s.persist(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Restore は永続化済みのトークンから Source を復元する。
// 保存されていなければ ok=false を返す。
func Restore(ctx context.Context, kv storage.KV, client *httpclient.Client, profileID int64) (*Source, bool, error) {
	raw, ok, err := kv.Get(ctx, storage.Key(storage.NamespaceTokens, profileID))
	if err != nil || !ok {
		return nil, false, err
	}
	var tokens Tokens
	if err := json.Unmarshal(raw, &tokens); err != nil {
		slog.Warn("保存済みトークンが破損しているため破棄します", "profile_id", profileID, "error", err)
		return nil, false, nil
	}
	s, err := NewSource(ctx, kv, client, tokens)
	if err != nil {
		return nil, false, err
	}
	return s, true, nil
}

// Token は現在のアクセストークンを返す。
func (s *Source) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tokens.Access
}

// Tokens は現在のトークンの組を返す。
func (s *Source) Tokens() Tokens {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tokens
}

// Profile はデコード済みのプロフィールを返す。
func (s *Source) Profile() Profile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.profile
}

// Replace はホストが新しく取得したトークンに差し替える。
func (s *Source) Replace(ctx context.Context, tokens Tokens) error {
	profile, err := DecodeProfile(tokens.Access)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if tokens.Refresh == "" {
		tokens.Refresh = s.tokens.Refresh
	}
	s.tokens = tokens
	s.profile = profile
	s.mu.Unlock()
	return s.persist(ctx)
}

// Refresh はリフレッシュトークンで新しいアクセストークンを取得する。
// stale には呼び出し側が401を受けたトークンを渡す。既に別の呼び出しで
// 更新済みであれば通信せずに現在のトークンを返す。
func (s *Source) Refresh(ctx context.Context, stale string) (string, error) {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	s.mu.RLock()
	current := s.tokens
	s.mu.RUnlock()
	if stale != "" && current.Access != stale {
		return current.Access, nil
	}
	if current.Refresh == "" {
		return "", ErrNoRefreshToken
	}

	var resp Tokens
	req := map[string]string{"refresh_token": current.Refresh}
	if err := s.client.PostJSON(ctx, refreshPath, req, &resp); err != nil {
		return "", fmt.Errorf("トークンの更新に失敗: %w", err)
	}
	if resp.Access == "" {
		return "", fmt.Errorf("トークンの更新に失敗: %w", ErrInvalidToken)
	}
	if err := s.Replace(ctx, resp); err != nil {
		return "", fmt.Errorf("更新したトークンの保存に失敗: %w", err)
	}
	slog.Debug("アクセストークンを更新", "user_id", s.Profile().UserID)
	return resp.Access, nil
}

// Clear は永続化したトークンとプロフィールキャッシュを削除する。
func (s *Source) Clear(ctx context.Context) error {
	s.mu.Lock()
	id := s.profile.UserID
	s.tokens = Tokens{}
	s.mu.Unlock()

	if err := s.kv.Delete(ctx, storage.Key(storage.NamespaceTokens, id)); err != nil {
		return err
	}
	return s.kv.Delete(ctx, storage.Key(storage.NamespaceProfile, id))
}

// persist は現在のトークンとプロフィールを保存する。
func (s *Source) persist(ctx context.Context) error {
	s.mu.RLock()
	tokens, profile := s.tokens, s.profile
	s.mu.RUnlock()

	rawTokens, err := json.Marshal(tokens)
	if err != nil {
		return fmt.Errorf("トークンのシリアライズに失敗: %w", err)
	}
	rawProfile, err := json.Marshal(profile)
	if err != nil {
		return fmt.Errorf("プロフィールのシリアライズに失敗: %w", err)
	}
	if err := s.kv.Put(ctx, storage.Key(storage.NamespaceTokens, profile.UserID), rawTokens); err != nil {
		return err
	}
	return s.kv.Put(ctx, storage.Key(storage.NamespaceProfile, profile.UserID), rawProfile)
}

// CachedProfile は永続化されたプロフィールキャッシュを読み出す。
func CachedProfile(ctx context.Context, kv storage.KV, profileID int64) (Profile, bool, error) {
	raw, ok, err := kv.Get(ctx, storage.Key(storage.NamespaceProfile, profileID))
	if err != nil || !ok {
		return Profile{}, false, err
	}
	var p Profile
	if err := json.Unmarshal(raw, &p); err != nil {
		return Profile{}, false, nil
	}
	return p, true, nil
}
