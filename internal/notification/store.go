package notification

import (
	"context"
	"time"

	"github.com/nao1215/notifyhub/pkg/event"
)

// Store は通知と受信者ごとの既読状態を永続化する外部コンポーネント。
// 各メソッドは1回のアトミックな操作として実装すること。
type Store interface {
	// Create は通知を保存し、正規のIDを返す。n.IDが空ならストアが採番する。
	Create(ctx context.Context, n *Notification) (string, error)
	// Get はIDで通知を取得する。存在しなければ ErrNotFound を返す。
	Get(ctx context.Context, id string) (*Notification, error)
	// UpsertReadState は(通知, ユーザー)の未読レコードを作成する。
	// 既に存在する場合は既存レコードをそのまま返す。
	UpsertReadState(ctx context.Context, notificationID, userID string, at time.Time) (*ReadState, error)
	// SetRead は論理削除されていないレコードを既読にし、対象が存在したかを返す。
	SetRead(ctx context.Context, notificationID, userID string, at time.Time) (bool, error)
	// SetAllRead はユーザーの未読かつ論理削除されていないレコードを既読にし、件数を返す。
	SetAllRead(ctx context.Context, userID string, at time.Time) (int64, error)
	// SoftDelete は論理削除されていないレコードに削除日時を設定し、対象が存在したかを返す。
	SoftDelete(ctx context.Context, notificationID, userID string, at time.Time) (bool, error)
	// List はユーザーの論理削除されていないレコードを作成日時の降順で返す。
	List(ctx context.Context, userID string, offset, limit int) ([]Item, error)
	// AggregateStats はユーザーの統計を1回の読み取りから集計する。
	AggregateStats(ctx context.Context, userID string) (*Stats, error)
}

// EventPublisher は監査用のドメインイベントを外部へ送る。
// 送信の失敗は通知処理の成否に影響しない。
type EventPublisher interface {
	Publish(ctx context.Context, e *event.Event) error
}

// nopPublisher は何もしないEventPublisher。
type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, *event.Event) error { return nil }
