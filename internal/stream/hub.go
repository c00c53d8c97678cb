// Package stream はServer-Sent Eventsで通知をプッシュするトランスポートを提供する。
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/nao1215/notifyhub/internal/notification"
)

// SSEのイベント名。
const (
	EventNotification     = "notification"
	EventUserConnected    = "user_connected"
	EventUserDisconnected = "user_disconnected"
	EventPing             = "ping"
)

// DefaultBufferSize はセッションごとの送信キューの長さ。
const DefaultBufferSize = 16

var (
	// ErrSessionNotFound はセッションがこのプロセスに存在しないことを表す。
	ErrSessionNotFound = errors.New("セッションが見つかりません")
	// ErrSessionClosed はセッションが既に閉じられていることを表す。
	ErrSessionClosed = errors.New("セッションは閉じられています")
)

// Message はSSEで送る1イベント。
type Message struct {
	// Event はSSEのイベント名。
	Event string
	// ID はSSEのイベントID。通知では通知IDを使う。
	ID string
	// Data はJSONエンコード済みのペイロード。
	Data []byte
}

// Client はSSEで接続中の1セッション。
type Client struct {
	// SessionID はセッションの識別子。
	SessionID string
	// UserID は認証済みのユーザーID。
	UserID string

	ch        chan Message
	done      chan struct{}
	closeOnce sync.Once
}

// Messages は送信待ちのメッセージを受け取るチャネルを返す。
func (c *Client) Messages() <-chan Message { return c.ch }

// Done はセッションが閉じられると閉じるチャネルを返す。
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// send はctxの期限までメッセージの投入を試みる。
func (c *Client) send(ctx context.Context, msg Message) error {
	select {
	case <-c.done:
		return ErrSessionClosed
	default:
	}

	select {
	case c.ch <- msg:
		return nil
	case <-c.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return fmt.Errorf("セッション %s への送信がタイムアウト: %w", c.SessionID, ctx.Err())
	}
}

// Hub はこのプロセスが保持するSSEセッションを管理する。notification.Transport を実装する。
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
	buffer  int
	logger  *slog.Logger
}

var _ notification.Transport = (*Hub)(nil)

// NewHub は新しいHubを生成する。bufferが0以下ならデフォルト値を使う。
func NewHub(buffer int, logger *slog.Logger) *Hub {
	if buffer <= 0 {
		buffer = DefaultBufferSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients: make(map[string]*Client),
		buffer:  buffer,
		logger:  logger,
	}
}

// Open はセッションを登録する。同じセッションIDが既にあれば古い方を閉じて置き換える。
func (h *Hub) Open(sessionID, userID string) *Client {
	c := &Client{
		SessionID: sessionID,
		UserID:    userID,
		ch:        make(chan Message, h.buffer),
		done:      make(chan struct{}),
	}

	h.mu.Lock()
	old := h.clients[sessionID]
	h.clients[sessionID] = c
	h.mu.Unlock()

	if old != nil {
		old.close()
	}
	return c
}

// Close はセッションを閉じて登録を解除する。存在しなければ何もしない。
func (h *Hub) Close(sessionID string) {
	h.mu.Lock()
	c := h.clients[sessionID]
	delete(h.clients, sessionID)
	h.mu.Unlock()

	if c != nil {
		c.close()
	}
}

// Count は接続中のセッション数を返す。
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) client(sessionID string) *Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.clients[sessionID]
}

func (h *Hub) snapshot() []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()

	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i].SessionID < clients[j].SessionID })
	return clients
}

// NotificationMessage は通知をSSEメッセージに変換する。
func NotificationMessage(n *notification.Notification) (Message, error) {
	data, err := json.Marshal(n)
	if err != nil {
		return Message{}, fmt.Errorf("通知のエンコードに失敗: %w", err)
	}
	return Message{Event: EventNotification, ID: n.ID, Data: data}, nil
}

// PushToSession は1つのセッションへ通知を送る。
func (h *Hub) PushToSession(ctx context.Context, sessionID string, n *notification.Notification) error {
	c := h.client(sessionID)
	if c == nil {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	msg, err := NotificationMessage(n)
	if err != nil {
		return err
	}
	return c.send(ctx, msg)
}

// PushToAll はこのプロセスの全セッションへ通知を送る。
func (h *Hub) PushToAll(ctx context.Context, n *notification.Notification) (delivered, failed int) {
	msg, err := NotificationMessage(n)
	if err != nil {
		h.logger.ErrorContext(ctx, "全体配信のエンコードに失敗", slog.Any("error", err))
		return 0, h.Count()
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	for _, c := range h.snapshot() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := c.send(ctx, msg)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed++
				h.logger.WarnContext(ctx, "全体配信のプッシュに失敗",
					slog.String("session_id", c.SessionID), slog.Any("error", err))
				return
			}
			delivered++
		}()
	}
	wg.Wait()
	return delivered, failed
}

// Presence はユーザーの接続・切断イベントのペイロード。
type Presence struct {
	UserID string `json:"user_id"`
}

// Announce はユーザーの接続・切断を全セッションへ通知する。
// キューが埋まっているセッションには送らない。
func (h *Hub) Announce(event, userID string) {
	data, err := json.Marshal(Presence{UserID: userID})
	if err != nil {
		return
	}
	msg := Message{Event: event, Data: data}

	for _, c := range h.snapshot() {
		select {
		case c.ch <- msg:
		default:
			h.logger.Debug("キューが埋まっているためプレゼンス通知をスキップ",
				slog.String("session_id", c.SessionID), slog.String("event", event))
		}
	}
}
