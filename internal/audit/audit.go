// Package audit は通知のドメインイベントを外部へ送る監査用パブリッシャーを提供する。
//
// 送信はベストエフォートであり、失敗しても通知の配信や既読処理は失敗しない。
// 送信先は Event Store（HTTP）と RabbitMQ（AMQP 0-9-1）から選ぶ。
package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nao1215/notifyhub/internal/notification"
	"github.com/nao1215/notifyhub/pkg/event"
	"github.com/nao1215/notifyhub/pkg/httpclient"
)

// ErrQueueFull は非同期キューが埋まっていてイベントを受け付けられないことを表す。
var ErrQueueFull = errors.New("監査イベントのキューが埋まっています")

// ErrClosed は停止済みのパブリッシャーへの送信を表す。
var ErrClosed = errors.New("監査パブリッシャーは停止しています")

// Nop は何も送らないパブリッシャー。
type Nop struct{}

var _ notification.EventPublisher = Nop{}

// Publish は何もしない。
func (Nop) Publish(context.Context, *event.Event) error { return nil }

// Async は別のパブリッシャーへの送信をバックグラウンドのワーカーで行う。
// Publish はキューへの投入だけを行い、送信の完了を待たない。
type Async struct {
	next   notification.EventPublisher
	queue  chan queued
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

var _ notification.EventPublisher = (*Async)(nil)

// NewAsync は新しいAsyncを生成する。Start を呼ぶまで送信は行われない。
func NewAsync(next notification.EventPublisher, size int, logger *slog.Logger) *Async {
	if size <= 0 {
		size = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Async{
		next:   next,
		queue:  make(chan queued, size),
		logger: logger,
	}
}

// queued はキュー内の1件。操作したユーザーIDを送信時のコンテキストへ引き継ぐ。
type queued struct {
	event  *event.Event
	userID string
}

// Publish はイベントをキューへ投入する。キューが埋まっていれば ErrQueueFull を返す。
func (a *Async) Publish(ctx context.Context, e *event.Event) error {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		return ErrClosed
	}
	userID, _ := httpclient.UserIDFrom(ctx)
	select {
	case a.queue <- queued{event: e, userID: userID}:
		return nil
	default:
		return fmt.Errorf("%w: event_type=%s", ErrQueueFull, e.EventType)
	}
}

// Start はワーカーを起動する。
func (a *Async) Start(ctx context.Context) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		for q := range a.queue {
			e := q.event
			sendCtx := context.WithoutCancel(ctx)
			if q.userID != "" {
				sendCtx = httpclient.WithUserID(sendCtx, q.userID)
			}
			if err := a.next.Publish(sendCtx, e); err != nil {
				a.logger.WarnContext(ctx, "監査イベントの送信に失敗",
					slog.String("event_type", string(e.EventType)),
					slog.String("aggregate_id", e.AggregateID),
					slog.Any("error", err))
			}
		}
	}()
}

// Close は新規の受け付けを止め、キューに残ったイベントを送り切ってから戻る。
func (a *Async) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	close(a.queue)
	a.mu.Unlock()

	a.wg.Wait()
}
