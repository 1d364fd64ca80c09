package platform

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nao1215/matreq/internal/storage"
	"github.com/nao1215/matreq/pkg/httpclient"
)

// fakeAgent はテスト用の Agent。
type fakeAgent struct {
	// answer は RequestPermission と Permission が返す状態。
	answer State
	// requestErr は RequestPermission が返すエラー。
	requestErr error
	// permissionErr は Permission が返すエラー。
	permissionErr error
	// requests は RequestPermission の呼び出し回数。
	requests atomic.Int32
	// notified は Notify の呼び出し回数。
	notified atomic.Int32
	// notifyErr は Notify が返すエラー。
	notifyErr error
}

func (a *fakeAgent) Permission(_ context.Context, _ int64) (State, error) {
	if a.permissionErr != nil {
		return StateDefault, a.permissionErr
	}
	return a.answer, nil
}

func (a *fakeAgent) RequestPermission(_ context.Context, _ int64) (State, error) {
	a.requests.Add(1)
	if a.requestErr != nil {
		return StateDefault, a.requestErr
	}
	return a.answer, nil
}

func (a *fakeAgent) Notify(_ context.Context, _ Notification) error {
	a.notified.Add(1)
	return a.notifyErr
}

// setupKV はインメモリのストレージを生成する。
func setupKV(t *testing.T) *storage.DB {
	t.Helper()
	db, err := storage.Open(context.Background(), storage.MemoryPath)
	if err != nil {
		t.Fatalf("ストレージの初期化に失敗: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

var secureCfg = GateConfig{AgentURL: "http://127.0.0.1:7777", Interval: time.Hour, Burst: 1}

// TestIsSecureURL はIsSecureURL関数を検証する。
func TestIsSecureURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		url  string
		want bool
	}{
		{url: "https://agent.example.com", want: true},
		{url: "http://localhost:7777", want: true},
		{url: "http://127.0.0.1:7777", want: true},
		{url: "http://[::1]:7777", want: true},
		{url: "http://agent.example.com", want: false},
		{url: "http://192.168.0.10:7777", want: false},
		{url: "", want: false},
		{url: "::bad", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			t.Parallel()
			if got := IsSecureURL(tt.url); got != tt.want {
				t.Errorf("IsSecureURL(%q) = %v, want %v", tt.url, got, tt.want)
			}
		})
	}
}

// TestGateRequestPermission は許可の確認を検証する。
func TestGateRequestPermission(t *testing.T) {
	t.Parallel()

	t.Run("許可の確認はプロフィールごとに1回だけ行われること", func(t *testing.T) {
		t.Parallel()

		ctx := context.Background()
		kv := setupKV(t)
		agent := &fakeAgent{answer: StateGranted}

		g := NewGate(ctx, agent, secureCfg, kv, 42, nil)
		if g.Asked() {
			t.Fatal("初回から確認済みになっている")
		}
		for range 3 {
			state, err := g.RequestPermission(ctx)
			if err != nil || state != StateGranted {
				t.Fatalf("RequestPermission() = %v, %v", state, err)
			}
		}

		// 再読み込み後も確認済みで、状態が復元される
		reloaded := NewGate(ctx, agent, secureCfg, kv, 42, nil)
		if !reloaded.Asked() || reloaded.State() != StateGranted {
			t.Errorf("Asked()=%v State()=%v", reloaded.Asked(), reloaded.State())
		}
		if _, err := reloaded.RequestPermission(ctx); err != nil {
			t.Fatalf("RequestPermission()でエラーが発生: %v", err)
		}
		if agent.requests.Load() != 1 {
			t.Errorf("確認回数 = %d, want 1", agent.requests.Load())
		}
	})

	t.Run("エージェントとの通信に失敗した場合は確認済みにならないこと", func(t *testing.T) {
		t.Parallel()

		ctx := context.Background()
		kv := setupKV(t)
		agent := &fakeAgent{answer: StateGranted, requestErr: errors.New("agent down")}
		g := NewGate(ctx, agent, secureCfg, kv, 42, nil)

		if _, err := g.RequestPermission(ctx); err == nil {
			t.Fatal("エラーを期待したがnilが返った")
		}
		if g.Asked() {
			t.Error("失敗後に確認済みになっている")
		}
		if _, ok, err := kv.Get(ctx, storage.Key(storage.NamespacePermissionAsked, 42)); err != nil || ok {
			t.Errorf("マーカーが保存された: ok=%v err=%v", ok, err)
		}

		agent.requestErr = nil
		state, err := g.RequestPermission(ctx)
		if err != nil || state != StateGranted {
			t.Fatalf("再試行 RequestPermission() = %v, %v", state, err)
		}
		if raw, ok, _ := kv.Get(ctx, storage.Key(storage.NamespacePermissionAsked, 42)); !ok || State(raw) != StateGranted {
			t.Errorf("マーカー = %q, %v", raw, ok)
		}
		if agent.requests.Load() != 2 {
			t.Errorf("確認回数 = %d, want 2", agent.requests.Load())
		}
	})

	t.Run("回答が保留の場合はマーカーを保存しないこと", func(t *testing.T) {
		t.Parallel()

		ctx := context.Background()
		kv := setupKV(t)
		g := NewGate(ctx, &fakeAgent{answer: StateDefault}, secureCfg, kv, 42, nil)
		if state, err := g.RequestPermission(ctx); err != nil || state != StateDefault {
			t.Fatalf("RequestPermission() = %v, %v", state, err)
		}
		if _, ok, _ := kv.Get(ctx, storage.Key(storage.NamespacePermissionAsked, 42)); ok {
			t.Error("保留の回答でマーカーが保存された")
		}
	})

	t.Run("エージェント未設定の場合はunsupportedを返し確認しないこと", func(t *testing.T) {
		t.Parallel()

		ctx := context.Background()
		g := NewGate(ctx, nil, GateConfig{}, setupKV(t), 1, nil)
		state, err := g.RequestPermission(ctx)
		if err != nil || state != StateUnsupported {
			t.Errorf("RequestPermission() = %v, %v", state, err)
		}
		if g.Supported() {
			t.Error("Supported() = true, want false")
		}
	})

	t.Run("安全でない接続先では確認しないこと", func(t *testing.T) {
		t.Parallel()

		ctx := context.Background()
		agent := &fakeAgent{answer: StateGranted}
		g := NewGate(ctx, agent, GateConfig{AgentURL: "http://agent.example.com"}, setupKV(t), 1, nil)
		if state, _ := g.RequestPermission(ctx); state != StateUnsupported {
			t.Errorf("state = %v, want unsupported", state)
		}
		if agent.requests.Load() != 0 {
			t.Error("安全でない接続先に確認が送られた")
		}
	})
}

// TestGateSync はSyncメソッドを検証する。
func TestGateSync(t *testing.T) {
	t.Parallel()

	t.Run("エージェント側の変更が反映されること", func(t *testing.T) {
		t.Parallel()

		ctx := context.Background()
		agent := &fakeAgent{answer: StateGranted}
		g := NewGate(ctx, agent, secureCfg, setupKV(t), 42, nil)
		if _, err := g.RequestPermission(ctx); err != nil {
			t.Fatalf("RequestPermission()でエラーが発生: %v", err)
		}

		agent.answer = StateDenied
		if got := g.Sync(ctx); got != StateDenied {
			t.Errorf("Sync() = %v, want denied", got)
		}
		if g.State() != StateDenied || g.CanShowNow(false) {
			t.Errorf("State() = %v", g.State())
		}
		if agent.requests.Load() != 1 {
			t.Errorf("確認回数 = %d, want 1", agent.requests.Load())
		}
	})

	t.Run("取得に失敗した場合は直近の状態を返すこと", func(t *testing.T) {
		t.Parallel()

		ctx := context.Background()
		agent := &fakeAgent{answer: StateGranted}
		g := NewGate(ctx, agent, secureCfg, setupKV(t), 42, nil)
		if _, err := g.RequestPermission(ctx); err != nil {
			t.Fatalf("RequestPermission()でエラーが発生: %v", err)
		}

		agent.permissionErr = errors.New("agent down")
		if got := g.Sync(ctx); got != StateGranted {
			t.Errorf("Sync() = %v, want granted", got)
		}
	})

	t.Run("エージェント未設定の場合はunsupportedを返すこと", func(t *testing.T) {
		t.Parallel()

		g := NewGate(context.Background(), nil, GateConfig{}, setupKV(t), 1, nil)
		if got := g.Sync(context.Background()); got != StateUnsupported {
			t.Errorf("Sync() = %v, want unsupported", got)
		}
	})
}

// TestGateShow はOS通知の表示条件を検証する。
func TestGateShow(t *testing.T) {
	t.Parallel()

	granted := func(t *testing.T, agent *fakeAgent) *Gate {
		t.Helper()
		ctx := context.Background()
		g := NewGate(ctx, agent, secureCfg, setupKV(t), 42, nil)
		if _, err := g.RequestPermission(ctx); err != nil {
			t.Fatalf("RequestPermission()でエラーが発生: %v", err)
		}
		return g
	}

	t.Run("フォーカス中は表示しないこと", func(t *testing.T) {
		t.Parallel()

		agent := &fakeAgent{answer: StateGranted}
		g := granted(t, agent)
		if g.CanShowNow(true) {
			t.Error("CanShowNow(true) = true")
		}
		if g.Show(context.Background(), true, Notification{Title: "x"}) {
			t.Error("フォーカス中に表示された")
		}
		if agent.notified.Load() != 0 {
			t.Errorf("Notify回数 = %d, want 0", agent.notified.Load())
		}
	})

	t.Run("未許可の場合は表示しないこと", func(t *testing.T) {
		t.Parallel()

		agent := &fakeAgent{answer: StateDenied}
		g := granted(t, agent)
		if g.Show(context.Background(), false, Notification{Title: "x"}) {
			t.Error("拒否済みなのに表示された")
		}
	})

	t.Run("頻度制限を超えた通知は省略されること", func(t *testing.T) {
		t.Parallel()

		agent := &fakeAgent{answer: StateGranted}
		g := granted(t, agent)
		if !g.Show(context.Background(), false, Notification{Title: "1"}) {
			t.Fatal("1件目が表示されない")
		}
		if g.Show(context.Background(), false, Notification{Title: "2"}) {
			t.Error("2件目が頻度制限されない")
		}
		if agent.notified.Load() != 1 {
			t.Errorf("Notify回数 = %d, want 1", agent.notified.Load())
		}
	})

	t.Run("送信に失敗した場合はfalseを返すこと", func(t *testing.T) {
		t.Parallel()

		agent := &fakeAgent{answer: StateGranted, notifyErr: errors.New("agent down")}
		g := granted(t, agent)
		if g.Show(context.Background(), false, Notification{Title: "x"}) {
			t.Error("失敗したのにtrueが返った")
		}
	})
}

// TestHTTPAgent はHTTPAgentの通信を検証する。
func TestHTTPAgent(t *testing.T) {
	t.Parallel()

	var notified Notification
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/permission" && r.Method == http.MethodPost:
			_ = json.NewEncoder(w).Encode(map[string]string{"state": "granted"})
		case r.URL.Path == "/permission" && r.Method == http.MethodGet:
			_ = json.NewEncoder(w).Encode(map[string]string{"state": "something-new"})
		case r.URL.Path == "/notify":
			_ = json.NewDecoder(r.Body).Decode(&notified)
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer ts.Close()

	agent := NewHTTPAgent(httpclient.New(ts.URL))
	ctx := context.Background()

	t.Run("許可要求の結果を解析できること", func(t *testing.T) {
		state, err := agent.RequestPermission(ctx, 1)
		if err != nil || state != StateGranted {
			t.Errorf("RequestPermission() = %v, %v", state, err)
		}
	})

	t.Run("未知の状態はdefaultとして扱うこと", func(t *testing.T) {
		state, err := agent.Permission(ctx, 1)
		if err != nil || state != StateDefault {
			t.Errorf("Permission() = %v, %v", state, err)
		}
	})

	t.Run("通知内容が送信されること", func(t *testing.T) {
		if err := agent.Notify(ctx, Notification{Title: "新着", Body: "本文", UserID: 3}); err != nil {
			t.Fatalf("Notify()でエラーが発生: %v", err)
		}
		if notified.Title != "新着" || notified.UserID != 3 {
			t.Errorf("送信内容 = %+v", notified)
		}
	})
}
