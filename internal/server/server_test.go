package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nao1215/notifyhub/internal/connection"
	"github.com/nao1215/notifyhub/internal/group"
	"github.com/nao1215/notifyhub/internal/notification"
	"github.com/nao1215/notifyhub/internal/store"
	"github.com/nao1215/notifyhub/internal/stream"
	"github.com/nao1215/notifyhub/pkg/middleware"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testSecret はテスト用のJWTシークレット。
const testSecret = "test-secret-key-for-server"

// testEnv はテスト用に組み立てた通知サーバーと依存。
type testEnv struct {
	server   *Server
	store    *store.SQLStore
	registry *connection.Registry
	groups   *group.Directory
	hub      *stream.Hub
}

// setupTestServer はインメモリSQLiteを使った通知サーバーを構築する。
func setupTestServer(t *testing.T, mutate ...func(*Options)) *testEnv {
	t.Helper()

	st, err := store.Open(t.Context(), store.DriverSQLite, ":memory:")
	if err != nil {
		t.Fatalf("インメモリDBの作成に失敗: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	registry := connection.NewRegistry()
	groups := group.NewDirectory()
	hub := stream.NewHub(8, logger)
	tracker := notification.NewTracker(st, notification.WithTrackerLogger(logger))
	dispatcher := notification.NewDispatcher(st, tracker, registry, groups, hub,
		notification.WithLogger(logger),
		notification.WithPushTimeout(time.Second),
	)

	opts := Options{
		Port:           "0",
		JWTSecret:      testSecret,
		AllowedOrigins: []string{"*"},
		Heartbeat:      time.Hour,
		Logger:         logger,
		Dispatcher:     dispatcher,
		Tracker:        tracker,
		Registry:       registry,
		Groups:         groups,
		Hub:            hub,
		Health:         st,
	}
	for _, m := range mutate {
		m(&opts)
	}
	s, err := NewServer(opts)
	if err != nil {
		t.Fatalf("NewServer()でエラーが発生: %v", err)
	}
	return &testEnv{server: s, store: st, registry: registry, groups: groups, hub: hub}
}

// token はテスト用のJWTを発行する。
func token(t *testing.T, userID string, roles ...string) string {
	t.Helper()

	tok, err := middleware.GenerateJWT(testSecret, userID, userID+"さん", roles, time.Hour)
	if err != nil {
		t.Fatalf("GenerateJWT()でエラーが発生: %v", err)
	}
	return tok
}

// doRequest はテスト用のHTTPリクエストを実行し、レスポンスを返すヘルパー関数。
func (e *testEnv) doRequest(t *testing.T, method, path, tok string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reqBody io.Reader = http.NoBody
	if body != nil {
		jsonBytes, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("リクエストボディのシリアライズに失敗: %v", err)
		}
		reqBody = bytes.NewReader(jsonBytes)
	}

	req := httptest.NewRequest(method, path, reqBody)
	req.Header.Set("Content-Type", "application/json")
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	w := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()

	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("レスポンスボディのパースに失敗: %v (body=%s)", err, w.Body.String())
	}
	return v
}

// sendResponse は送信APIのレスポンス。
type sendResponse struct {
	ID         string   `json:"id"`
	Recipients []string `json:"recipients"`
	Delivered  int      `json:"delivered"`
	Failed     int      `json:"failed"`
}

// listBody は一覧APIのレスポンス。
type listBody struct {
	Items []struct {
		ID      string `json:"id"`
		Title   string `json:"title"`
		IsRead  bool   `json:"is_read"`
		Expired bool   `json:"expired"`
	} `json:"items"`
	Page     int `json:"page"`
	PageSize int `json:"page_size"`
}

// sendToUser は内部APIでユーザー宛ての通知を送り、IDを返す。
func (e *testEnv) sendToUser(t *testing.T, userID, title string) string {
	t.Helper()

	w := e.doRequest(t, http.MethodPost, "/api/v1/internal/send", token(t, "svc", middleware.RoleService), map[string]any{
		"target_user_id": userID,
		"title":          title,
		"message":        title + "の本文",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("送信のステータスコード = %d, want %d (body=%s)", w.Code, http.StatusCreated, w.Body.String())
	}
	return decode[sendResponse](t, w).ID
}

func TestHealth(t *testing.T) {
	t.Parallel()

	t.Run("ストアに接続できれば200が返ること", func(t *testing.T) {
		t.Parallel()
		env := setupTestServer(t)

		w := env.doRequest(t, http.MethodGet, "/health", "", nil)
		if w.Code != http.StatusOK {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusOK)
		}
	})

	t.Run("ストアが閉じていれば503が返ること", func(t *testing.T) {
		t.Parallel()
		env := setupTestServer(t)
		env.store.Close()

		w := env.doRequest(t, http.MethodGet, "/health", "", nil)
		if w.Code != http.StatusServiceUnavailable {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusServiceUnavailable)
		}
	})
}

func TestAuthorization(t *testing.T) {
	t.Parallel()

	t.Run("トークンが無ければ401が返ること", func(t *testing.T) {
		t.Parallel()
		env := setupTestServer(t)

		w := env.doRequest(t, http.MethodGet, "/api/v1/notifications", "", nil)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusUnauthorized)
		}
	})

	t.Run("ロールの無いユーザーは内部APIを呼べないこと", func(t *testing.T) {
		t.Parallel()
		env := setupTestServer(t)

		w := env.doRequest(t, http.MethodPost, "/api/v1/internal/send-to-all", token(t, "alice"), map[string]any{
			"title": "t", "message": "m",
		})
		if w.Code != http.StatusForbidden {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusForbidden)
		}
	})
}

func TestDevToken(t *testing.T) {
	t.Parallel()

	t.Run("有効なら発行したトークンでAPIを呼べること", func(t *testing.T) {
		t.Parallel()
		env := setupTestServer(t, func(o *Options) { o.DevTokens = true })

		w := env.doRequest(t, http.MethodPost, "/auth/dev-token", "", map[string]any{"user_id": "dev-1"})
		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード = %d, want %d", w.Code, http.StatusOK)
		}
		body := decode[map[string]string](t, w)
		if body["user_id"] != "dev-1" {
			t.Errorf("user_id = %q, want %q", body["user_id"], "dev-1")
		}

		w = env.doRequest(t, http.MethodGet, "/api/v1/notifications", body["token"], nil)
		if w.Code != http.StatusOK {
			t.Errorf("発行したトークンでのステータスコード = %d, want %d", w.Code, http.StatusOK)
		}
	})

	t.Run("無効ならエンドポイントが存在しないこと", func(t *testing.T) {
		t.Parallel()
		env := setupTestServer(t)

		w := env.doRequest(t, http.MethodPost, "/auth/dev-token", "", nil)
		if w.Code != http.StatusNotFound {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusNotFound)
		}
	})
}

func TestSend(t *testing.T) {
	t.Parallel()

	t.Run("ユーザー宛ての通知が本人の一覧にだけ現れること", func(t *testing.T) {
		t.Parallel()
		env := setupTestServer(t)
		id := env.sendToUser(t, "alice", "お知らせ")

		w := env.doRequest(t, http.MethodGet, "/api/v1/notifications", token(t, "alice"), nil)
		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード = %d, want %d", w.Code, http.StatusOK)
		}
		body := decode[listBody](t, w)
		if len(body.Items) != 1 || body.Items[0].ID != id || body.Items[0].IsRead {
			t.Errorf("items = %+v, want 未読の %s のみ", body.Items, id)
		}

		w = env.doRequest(t, http.MethodGet, "/api/v1/notifications", token(t, "bob"), nil)
		if got := decode[listBody](t, w); len(got.Items) != 0 {
			t.Errorf("他ユーザーの一覧 = %+v, want 空", got.Items)
		}
	})

	tests := []struct {
		name string
		body map[string]any
		want int
	}{
		{
			name: "宛先が無ければ400が返ること",
			body: map[string]any{"title": "t", "message": "m"},
			want: http.StatusBadRequest,
		},
		{
			name: "宛先が2つ指定されていれば400が返ること",
			body: map[string]any{"title": "t", "message": "m", "target_user_id": "alice", "broadcast": true},
			want: http.StatusBadRequest,
		},
		{
			name: "タイトルが無ければ400が返ること",
			body: map[string]any{"message": "m", "target_user_id": "alice"},
			want: http.StatusBadRequest,
		},
		{
			name: "不明な優先度は400が返ること",
			body: map[string]any{"title": "t", "message": "m", "target_user_id": "alice", "priority": "Urgent"},
			want: http.StatusBadRequest,
		},
		{
			name: "期限切れの通知は400が返ること",
			body: map[string]any{
				"title": "t", "message": "m", "target_user_id": "alice",
				"expires_at": time.Now().Add(-time.Hour).Format(time.RFC3339),
			},
			want: http.StatusBadRequest,
		},
		{
			name: "優先度と種類を指定して送信できること",
			body: map[string]any{
				"title": "t", "message": "m", "target_user_id": "alice",
				"priority": "Critical", "type": "SystemError", "metadata": map[string]any{"code": 500},
			},
			want: http.StatusCreated,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			env := setupTestServer(t)

			w := env.doRequest(t, http.MethodPost, "/api/v1/internal/send", token(t, "svc", middleware.RoleService), tt.body)
			if w.Code != tt.want {
				t.Errorf("ステータスコード = %d, want %d (body=%s)", w.Code, tt.want, w.Body.String())
			}
		})
	}

	t.Run("定型通知の種類が系統違いなら400が返ること", func(t *testing.T) {
		t.Parallel()
		env := setupTestServer(t)

		w := env.doRequest(t, http.MethodPost, "/api/v1/internal/task", token(t, "svc", middleware.RoleService), map[string]any{
			"task_id": "t1", "task_title": "月次レポート", "type": "UserCreated", "assignee_id": "alice",
		})
		if w.Code != http.StatusBadRequest {
			t.Errorf("taskのステータスコード = %d, want %d (body=%s)", w.Code, http.StatusBadRequest, w.Body.String())
		}
		w = env.doRequest(t, http.MethodPost, "/api/v1/internal/user-management", token(t, "svc", middleware.RoleService), map[string]any{
			"affected_user_id": "u9", "affected_user_name": "佐藤", "type": "ApprovalApproved", "admin_name": "管理者",
		})
		if w.Code != http.StatusBadRequest {
			t.Errorf("user-managementのステータスコード = %d, want %d (body=%s)", w.Code, http.StatusBadRequest, w.Body.String())
		}
	})

	t.Run("グループ宛ては参加中のメンバーにだけ届くこと", func(t *testing.T) {
		t.Parallel()
		env := setupTestServer(t)

		for _, u := range []string{"alice", "bob"} {
			w := env.doRequest(t, http.MethodPost, "/api/v1/groups/sales/join", token(t, u), nil)
			if w.Code != http.StatusOK {
				t.Fatalf("参加のステータスコード = %d, want %d", w.Code, http.StatusOK)
			}
		}
		env.doRequest(t, http.MethodPost, "/api/v1/groups/sales/leave", token(t, "bob"), nil)

		w := env.doRequest(t, http.MethodPost, "/api/v1/internal/send-to-group/sales", token(t, "admin", middleware.RoleAdmin), map[string]any{
			"title": "週報", "message": "提出してください",
		})
		if w.Code != http.StatusCreated {
			t.Fatalf("ステータスコード = %d, want %d (body=%s)", w.Code, http.StatusCreated, w.Body.String())
		}
		if got := decode[sendResponse](t, w).Recipients; !slices.Equal(got, []string{"alice"}) {
			t.Errorf("recipients = %v, want [alice]", got)
		}

		w = env.doRequest(t, http.MethodGet, "/api/v1/groups", token(t, "carol"), nil)
		if !strings.Contains(w.Body.String(), "sales") {
			t.Errorf("グループ一覧 = %s, want sales を含む", w.Body.String())
		}
	})

	t.Run("定型通知のAPIで承認依頼を送れること", func(t *testing.T) {
		t.Parallel()
		env := setupTestServer(t)

		w := env.doRequest(t, http.MethodPost, "/api/v1/internal/approval", token(t, "svc", middleware.RoleService), map[string]any{
			"request_id":     "req-1",
			"request_type":   "休暇申請",
			"target_user_id": "manager",
			"approver_name":  "山田",
		})
		if w.Code != http.StatusCreated {
			t.Fatalf("ステータスコード = %d, want %d (body=%s)", w.Code, http.StatusCreated, w.Body.String())
		}
		if got := decode[sendResponse](t, w).Recipients; !slices.Equal(got, []string{"manager"}) {
			t.Errorf("recipients = %v, want [manager]", got)
		}

		w = env.doRequest(t, http.MethodPost, "/api/v1/internal/approval", token(t, "svc", middleware.RoleService), map[string]any{
			"request_id": "req-1",
		})
		if w.Code != http.StatusBadRequest {
			t.Errorf("必須項目不足のステータスコード = %d, want %d", w.Code, http.StatusBadRequest)
		}
	})
}

func TestLifecycle(t *testing.T) {
	t.Parallel()

	t.Run("既読にすると統計の未読数が減ること", func(t *testing.T) {
		t.Parallel()
		env := setupTestServer(t)
		id := env.sendToUser(t, "alice", "1件目")
		env.sendToUser(t, "alice", "2件目")

		w := env.doRequest(t, http.MethodPut, "/api/v1/notifications/"+id+"/read", token(t, "alice"), nil)
		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード = %d, want %d", w.Code, http.StatusOK)
		}

		w = env.doRequest(t, http.MethodGet, "/api/v1/notifications/stats", token(t, "alice"), nil)
		stats := decode[notification.Stats](t, w)
		if stats.Total != 2 || stats.Unread != 1 {
			t.Errorf("stats = %+v, want total=2 unread=1", stats)
		}
	})

	t.Run("他人の通知は既読にできず404が返ること", func(t *testing.T) {
		t.Parallel()
		env := setupTestServer(t)
		id := env.sendToUser(t, "alice", "私信")

		w := env.doRequest(t, http.MethodPut, "/api/v1/notifications/"+id+"/read", token(t, "bob"), nil)
		if w.Code != http.StatusNotFound {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusNotFound)
		}
		w = env.doRequest(t, http.MethodGet, "/api/v1/notifications/"+id, token(t, "bob"), nil)
		if w.Code != http.StatusNotFound {
			t.Errorf("参照のステータスコード = %d, want %d", w.Code, http.StatusNotFound)
		}
		w = env.doRequest(t, http.MethodGet, "/api/v1/notifications/"+id, token(t, "alice"), nil)
		if w.Code != http.StatusOK {
			t.Errorf("本人の参照のステータスコード = %d, want %d", w.Code, http.StatusOK)
		}
	})

	t.Run("全件既読で遷移した件数が返ること", func(t *testing.T) {
		t.Parallel()
		env := setupTestServer(t)
		env.sendToUser(t, "alice", "1件目")
		env.sendToUser(t, "alice", "2件目")

		w := env.doRequest(t, http.MethodPut, "/api/v1/notifications/read-all", token(t, "alice"), nil)
		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード = %d, want %d", w.Code, http.StatusOK)
		}
		if got := decode[map[string]any](t, w)["count"]; got != float64(2) {
			t.Errorf("count = %v, want 2", got)
		}
	})

	t.Run("削除した通知は一覧から消え、再削除は404になること", func(t *testing.T) {
		t.Parallel()
		env := setupTestServer(t)
		id := env.sendToUser(t, "alice", "消す通知")

		w := env.doRequest(t, http.MethodDelete, "/api/v1/notifications/"+id, token(t, "alice"), nil)
		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード = %d, want %d", w.Code, http.StatusOK)
		}
		w = env.doRequest(t, http.MethodGet, "/api/v1/notifications", token(t, "alice"), nil)
		if got := decode[listBody](t, w); len(got.Items) != 0 {
			t.Errorf("items = %+v, want 空", got.Items)
		}
		w = env.doRequest(t, http.MethodDelete, "/api/v1/notifications/"+id, token(t, "alice"), nil)
		if w.Code != http.StatusNotFound {
			t.Errorf("再削除のステータスコード = %d, want %d", w.Code, http.StatusNotFound)
		}
	})

	t.Run("全体宛ての通知は受信者が後から既読にできること", func(t *testing.T) {
		t.Parallel()
		env := setupTestServer(t)

		w := env.doRequest(t, http.MethodPost, "/api/v1/internal/system-alert", token(t, "svc", middleware.RoleService), map[string]any{
			"title": "メンテナンス", "message": "今夜停止します",
		})
		if w.Code != http.StatusCreated {
			t.Fatalf("ステータスコード = %d, want %d (body=%s)", w.Code, http.StatusCreated, w.Body.String())
		}
		id := decode[sendResponse](t, w).ID

		w = env.doRequest(t, http.MethodPut, "/api/v1/notifications/"+id+"/read", token(t, "dave"), nil)
		if w.Code != http.StatusOK {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusOK)
		}
	})

	t.Run("ページ指定の検証とページサイズの上限丸め", func(t *testing.T) {
		t.Parallel()
		env := setupTestServer(t)
		for _, title := range []string{"a", "b", "c"} {
			env.sendToUser(t, "alice", title)
		}

		w := env.doRequest(t, http.MethodGet, "/api/v1/notifications?page=2&page_size=2", token(t, "alice"), nil)
		if got := decode[listBody](t, w); len(got.Items) != 1 || got.Items[0].Title != "a" {
			t.Errorf("2ページ目 = %+v, want [a]", got.Items)
		}

		w = env.doRequest(t, http.MethodGet, "/api/v1/notifications?page_size=1000", token(t, "alice"), nil)
		if got := decode[listBody](t, w); got.PageSize != notification.DefaultMaxPageSize {
			t.Errorf("page_size = %d, want %d", got.PageSize, notification.DefaultMaxPageSize)
		}

		for _, q := range []string{"page=0", "page_size=0", "page=abc"} {
			w = env.doRequest(t, http.MethodGet, "/api/v1/notifications?"+q, token(t, "alice"), nil)
			if w.Code != http.StatusBadRequest {
				t.Errorf("%s のステータスコード = %d, want %d", q, w.Code, http.StatusBadRequest)
			}
		}
	})

	t.Run("ストアが利用できなければ503が返ること", func(t *testing.T) {
		t.Parallel()
		env := setupTestServer(t)
		env.store.Close()

		w := env.doRequest(t, http.MethodGet, "/api/v1/notifications", token(t, "alice"), nil)
		if w.Code != http.StatusServiceUnavailable {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusServiceUnavailable)
		}
	})
}

func TestStream(t *testing.T) {
	t.Parallel()

	t.Run("接続中のセッションに通知がSSEで届き、切断で登録が解除されること", func(t *testing.T) {
		t.Parallel()
		env := setupTestServer(t)
		ts := httptest.NewServer(env.server.Handler())
		t.Cleanup(ts.Close)

		ctx, cancel := context.WithCancel(t.Context())
		defer cancel()
		req, err := http.NewRequestWithContext(ctx, http.MethodGet,
			ts.URL+"/api/v1/notifications/stream?access_token="+token(t, "alice"), nil)
		if err != nil {
			t.Fatalf("リクエストの作成に失敗: %v", err)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("ストリームへの接続に失敗: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("ステータスコード = %d, want %d", resp.StatusCode, http.StatusOK)
		}
		if got := resp.Header.Get("Content-Type"); !strings.HasPrefix(got, "text/event-stream") {
			t.Errorf("Content-Type = %q, want text/event-stream", got)
		}

		lines := make(chan string, 64)
		go func() {
			defer close(lines)
			scanner := bufio.NewScanner(resp.Body)
			for scanner.Scan() {
				lines <- scanner.Text()
			}
		}()

		waitLine(t, lines, "event:"+stream.EventPing)
		if got := env.registry.SessionsFor("alice"); len(got) != 1 {
			t.Fatalf("SessionsFor(alice) = %v, want 1件", got)
		}

		id := env.sendToUser(t, "alice", "リアルタイム")
		waitLine(t, lines, "id:"+id)
		waitLine(t, lines, "event:"+stream.EventNotification)
		if data := waitLine(t, lines, "data:"); !strings.Contains(data, "リアルタイム") {
			t.Errorf("data = %q, want タイトルを含む", data)
		}

		cancel()
		deadline := time.Now().Add(5 * time.Second)
		for env.registry.SessionCount() != 0 || env.hub.Count() != 0 {
			if time.Now().After(deadline) {
				t.Fatalf("切断後もセッションが残っている: registry=%d hub=%d", env.registry.SessionCount(), env.hub.Count())
			}
			time.Sleep(10 * time.Millisecond)
		}
	})
}

// waitLine はprefixで始まる行が届くまで待ち、その行を返す。
func waitLine(t *testing.T, lines <-chan string, prefix string) string {
	t.Helper()

	timeout := time.After(5 * time.Second)
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				t.Fatalf("%q を受信する前にストリームが閉じた", prefix)
			}
			if strings.HasPrefix(line, prefix) {
				return line
			}
		case <-timeout:
			t.Fatalf("%q を受信できなかった", prefix)
		}
	}
}
