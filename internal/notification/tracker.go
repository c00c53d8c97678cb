package notification

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nao1215/notifyhub/pkg/event"
)

// DefaultMaxPageSize は一覧取得のページサイズ上限のデフォルト値。
const DefaultMaxPageSize = 100

// Tracker は受信者ごとの既読状態・論理削除・統計を管理する。
// 状態はすべて Store に委ね、プロセス内に通知のコピーを保持しない。
type Tracker struct {
	// store は通知ストア。
	store Store
	// publisher は監査イベントの送信先。
	publisher EventPublisher
	// logger は構造化ロガー。
	logger *slog.Logger
	// now は現在時刻を返す。テストで差し替える。
	now func() time.Time
	// maxPageSize は一覧取得のページサイズ上限。
	maxPageSize int
}

// TrackerOption はTrackerの設定を変更する。
type TrackerOption func(*Tracker)

// WithTrackerPublisher は監査イベントの送信先を設定する。
func WithTrackerPublisher(p EventPublisher) TrackerOption {
	return func(t *Tracker) {
		if p != nil {
			t.publisher = p
		}
	}
}

// WithTrackerLogger はロガーを設定する。
func WithTrackerLogger(l *slog.Logger) TrackerOption {
	return func(t *Tracker) {
		if l != nil {
			t.logger = l
		}
	}
}

// WithMaxPageSize はページサイズ上限を設定する。
func WithMaxPageSize(n int) TrackerOption {
	return func(t *Tracker) {
		if n > 0 {
			t.maxPageSize = n
		}
	}
}

// WithTrackerClock は現在時刻の取得関数を設定する。
func WithTrackerClock(now func() time.Time) TrackerOption {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

// NewTracker は新しいTrackerを生成する。
func NewTracker(store Store, opts ...TrackerOption) *Tracker {
	t := &Tracker{
		store:       store,
		publisher:   nopPublisher{},
		logger:      slog.Default(),
		now:         func() time.Time { return time.Now().UTC() },
		maxPageSize: DefaultMaxPageSize,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Track は(通知, ユーザー)の未読レコードを作成する。既存レコードがあればそれを返す。
func (t *Tracker) Track(ctx context.Context, notificationID, userID string) (*ReadState, error) {
	rs, err := t.store.UpsertReadState(ctx, notificationID, userID, t.now())
	if err != nil {
		return nil, storeError("既読レコードの作成に失敗", err)
	}
	return rs, nil
}

// Fetch はIDで正規の通知レコードを取得する。
func (t *Tracker) Fetch(ctx context.Context, notificationID string) (*Notification, error) {
	n, err := t.store.Get(ctx, notificationID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, storeError("通知の取得に失敗", err)
	}
	return n, nil
}

// MarkRead は通知を既読にする。既読済みの場合も成功する。
// レコードが存在しないか論理削除済みなら ErrNotFound を返す。
func (t *Tracker) MarkRead(ctx context.Context, notificationID, userID string) error {
	at := t.now()
	ok, err := t.store.SetRead(ctx, notificationID, userID, at)
	if err != nil {
		return storeError("既読処理に失敗", err)
	}
	if !ok {
		claimed, err := t.claimBroadcast(ctx, notificationID, userID)
		if err != nil {
			return err
		}
		if !claimed {
			return ErrNotFound
		}
		if ok, err = t.store.SetRead(ctx, notificationID, userID, at); err != nil {
			return storeError("既読処理に失敗", err)
		}
		if !ok {
			return ErrNotFound
		}
	}

	t.publish(ctx, func() (*event.Event, error) {
		return event.ForNotification(notificationID, event.TypeNotificationRead, event.NotificationReadData{UserID: userID})
	})
	return nil
}

// MarkAllRead はユーザーの未読通知をすべて既読にし、遷移した件数を返す。
// 対象が0件でもエラーにしない。
func (t *Tracker) MarkAllRead(ctx context.Context, userID string) (int64, error) {
	n, err := t.store.SetAllRead(ctx, userID, t.now())
	if err != nil {
		return 0, storeError("全件既読処理に失敗", err)
	}
	if n > 0 {
		t.publish(ctx, func() (*event.Event, error) {
			return event.ForUser(userID, event.TypeAllNotificationsRead, event.AllNotificationsReadData{Count: n})
		})
	}
	return n, nil
}

// SoftDelete は通知を論理削除する。削除済みのレコードに対しては ErrNotFound を返す。
func (t *Tracker) SoftDelete(ctx context.Context, notificationID, userID string) error {
	at := t.now()
	ok, err := t.store.SoftDelete(ctx, notificationID, userID, at)
	if err != nil {
		return storeError("論理削除に失敗", err)
	}
	if !ok {
		claimed, err := t.claimBroadcast(ctx, notificationID, userID)
		if err != nil {
			return err
		}
		if !claimed {
			return ErrNotFound
		}
		if ok, err = t.store.SoftDelete(ctx, notificationID, userID, at); err != nil {
			return storeError("論理削除に失敗", err)
		}
		if !ok {
			return ErrNotFound
		}
	}

	t.publish(ctx, func() (*event.Event, error) {
		return event.ForNotification(notificationID, event.TypeNotificationDeleted, event.NotificationDeletedData{UserID: userID})
	})
	return nil
}

// claimBroadcast は全体宛て通知に対して、まだ既読レコードを持たないユーザーのレコードを遅延作成する。
// 作成できた（または未削除のレコードが既に存在した）場合にtrueを返す。
func (t *Tracker) claimBroadcast(ctx context.Context, notificationID, userID string) (bool, error) {
	n, err := t.store.Get(ctx, notificationID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, storeError("通知の取得に失敗", err)
	}
	if n.Target.Kind() != TargetBroadcast {
		return false, nil
	}

	rs, err := t.store.UpsertReadState(ctx, notificationID, userID, t.now())
	if err != nil {
		return false, storeError("既読レコードの作成に失敗", err)
	}
	return rs.DeletedAt == nil, nil
}

// List はユーザーの通知一覧を作成日時の降順で返す。
// pageは1始まり。pageSizeが上限を超える場合は上限に丸める。
func (t *Tracker) List(ctx context.Context, userID string, page, pageSize int) ([]Item, error) {
	if page < 1 || pageSize < 1 {
		return nil, fmt.Errorf("%w: page=%d, page_size=%d", ErrInvalidPage, page, pageSize)
	}
	pageSize = min(pageSize, t.maxPageSize)

	items, err := t.store.List(ctx, userID, (page-1)*pageSize, pageSize)
	if err != nil {
		return nil, storeError("通知一覧の取得に失敗", err)
	}

	now := t.now()
	for i := range items {
		items[i].Expired = items[i].Notification.Expired(now)
	}
	return items, nil
}

// MaxPageSize はページサイズ上限を返す。
func (t *Tracker) MaxPageSize() int { return t.maxPageSize }

// Stats はユーザーの通知統計を返す。
func (t *Tracker) Stats(ctx context.Context, userID string) (*Stats, error) {
	stats, err := t.store.AggregateStats(ctx, userID)
	if err != nil {
		return nil, storeError("統計の取得に失敗", err)
	}
	return stats, nil
}

// publish は監査イベントを送信する。失敗はログに記録するだけで呼び出し元には返さない。
func (t *Tracker) publish(ctx context.Context, build func() (*event.Event, error)) {
	publishEvent(ctx, t.publisher, t.logger, build)
}

func publishEvent(ctx context.Context, p EventPublisher, logger *slog.Logger, build func() (*event.Event, error)) {
	ev, err := build()
	if err != nil {
		logger.WarnContext(ctx, "監査イベントの生成に失敗", slog.Any("error", err))
		return
	}
	if err := p.Publish(ctx, ev); err != nil {
		logger.WarnContext(ctx, "監査イベントの送信に失敗",
			slog.String("event_type", string(ev.EventType)),
			slog.String("aggregate_id", ev.AggregateID),
			slog.Any("error", err))
	}
}
