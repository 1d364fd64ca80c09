// Package realtime はバックエンドのリアルタイムチャネル（WebSocket）に接続する。
//
// 受信したフレームをハンドラーに渡し、切断時は上限付きの指数バックオフで
// 再接続する。再接続後は表示中の会話ルームに参加し直す。
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nao1215/matreq/pkg/event"
)

const (
	// DefaultMinBackoff は再接続待ちの初期値。
	DefaultMinBackoff = 500 * time.Millisecond
	// DefaultMaxBackoff は再接続待ちの上限。
	DefaultMaxBackoff = 30 * time.Second
	// writeTimeout は制御フレーム送信のタイムアウト。
	writeTimeout = 5 * time.Second
)

// TokenSource はアクセストークンの取得と更新を行う。
type TokenSource interface {
	Token() string
	Refresh(ctx context.Context, stale string) (string, error)
}

// Handler は受信したフレームを処理する。
type Handler func(ctx context.Context, f *event.Frame)

// Config は Client の設定。
type Config struct {
	// URL は接続先のWebSocket URL（ws:// または wss://）。
	URL string
	// Tokens はアクセストークンの取得元。
	Tokens TokenSource
	// MinBackoff は再接続待ちの初期値。
	MinBackoff time.Duration
	// MaxBackoff は再接続待ちの上限。
	MaxBackoff time.Duration
	// Logger はログ出力先。
	Logger *slog.Logger
}

// Client はリアルタイムチャネルのクライアント。
type Client struct {
	cfg     Config
	handler Handler
	dialer  *websocket.Dialer
	room    Room

	// mu は conn を保護する。
	mu sync.Mutex
	// conn は現在の接続。未接続なら nil。
	conn *websocket.Conn
	// writeMu は接続への書き込みを1つに制限する。
	writeMu sync.Mutex
}

// New は新しい Client を生成する。
func New(cfg Config, handler Handler) *Client {
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = DefaultMinBackoff
	}
	if cfg.MaxBackoff < cfg.MinBackoff {
		cfg.MaxBackoff = max(DefaultMaxBackoff, cfg.MinBackoff)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{
		cfg:     cfg,
		handler: handler,
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
}

// Run はコンテキストがキャンセルされるまで接続と受信を繰り返す。
func (c *Client) Run(ctx context.Context) error {
	backoff := c.cfg.MinBackoff
	for {
		conn, err := c.dial(ctx)
		if err == nil {
			backoff = c.cfg.MinBackoff
			c.serve(ctx, conn)
		} else if ctx.Err() == nil {
			c.cfg.Logger.Warn("リアルタイムチャネルへの接続に失敗", "url", c.cfg.URL, "error", err, "retry_in", backoff)
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		if err != nil {
			backoff = min(backoff*2, c.cfg.MaxBackoff)
		}
	}
}

// dial は接続を確立する。401を受けた場合はトークンを1回だけ更新して再試行する。
func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	token := c.cfg.Tokens.Token()
	conn, resp, err := c.dialer.DialContext(ctx, c.cfg.URL, authHeader(token))
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil && resp != nil && resp.StatusCode == http.StatusUnauthorized {
		fresh, rerr := c.cfg.Tokens.Refresh(ctx, token)
		if rerr != nil {
			return nil, fmt.Errorf("リアルタイムチャネルの認証に失敗: %w", rerr)
		}
		conn, resp, err = c.dialer.DialContext(ctx, c.cfg.URL, authHeader(fresh))
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
	}
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func authHeader(token string) http.Header {
	h := http.Header{}
	if token != "" {
		h.Set("Authorization", "Bearer "+token)
	}
	return h
}

// serve は接続が切れるまでフレームを受信する。
func (c *Client) serve(ctx context.Context, conn *websocket.Conn) {
	// 新しい接続ではルームに参加していない
	c.writeMu.Lock()
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.room.MarkDirty()
	c.writeMu.Unlock()

	if err := c.flush(ctx); err != nil {
		c.cfg.Logger.Warn("会話ルームへの再参加に失敗", "error", err)
	}
	c.cfg.Logger.Info("リアルタイムチャネルに接続", "url", c.cfg.URL)

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		_ = conn.Close()
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				c.cfg.Logger.Warn("リアルタイムチャネルが切断されました", "error", err)
			}
			return
		}
		f, err := event.DecodeFrame(raw)
		if err != nil {
			c.cfg.Logger.Debug("解釈できないフレームを破棄", "error", err)
			continue
		}
		c.handler(ctx, f)
	}
}

// Join は会話ルームに参加する。未接続の場合は次回接続時に参加する。
func (c *Client) Join(ctx context.Context, conversationID int64) error {
	c.room.Want(conversationID)
	return c.flush(ctx)
}

// Leave は会話ルームから退出する。
func (c *Client) Leave(ctx context.Context) error {
	c.room.Want(0)
	return c.flush(ctx)
}

// Room は参加状態を返す。
func (c *Client) Room() *Room {
	return &c.room
}

// Connected は接続中かどうかを返す。
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// flush はルームの差分を送信する。未接続なら何もしない。
func (c *Client) flush(ctx context.Context) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil || !c.room.IsDirty() {
		return nil
	}

	leave, join, target := c.room.Pending()
	if leave != 0 {
		if err := c.writeControl(ctx, conn, event.TypeConversationLeave, leave); err != nil {
			return err
		}
	}
	if join != 0 {
		if err := c.writeControl(ctx, conn, event.TypeConversationJoin, join); err != nil {
			c.room.Reset(0)
			return err
		}
	}
	c.room.Reset(target)
	return nil
}

// writeControl は conversation:join / conversation:leave を送信する。
func (c *Client) writeControl(ctx context.Context, conn *websocket.Conn, t event.Type, conversationID int64) error {
	f, err := event.NewControl(t, conversationID)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("制御フレームのシリアライズに失敗: %w", err)
	}
	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		return fmt.Errorf("%s の送信に失敗: %w", t, err)
	}
	return nil
}
