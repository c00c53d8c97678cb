package event

import (
	"encoding/json"
	"time"
)

// AggregateType はイベントの対象となるエンティティの種類を表す。
type AggregateType string

const (
	// AggregateTypeNotification は通知エンティティを表す。
	AggregateTypeNotification AggregateType = "Notification"
	// AggregateTypeUser はユーザーエンティティを表す。
	AggregateTypeUser AggregateType = "User"
)

// Type はイベントの種類を表す。
type Type string

const (
	// TypeNotificationDispatched は通知が永続化され、宛先へ配信されたことを表す。
	TypeNotificationDispatched Type = "NotificationDispatched"
	// TypeNotificationRead は受信者が通知を既読にしたことを表す。
	TypeNotificationRead Type = "NotificationRead"
	// TypeAllNotificationsRead は受信者が全通知を既読にしたことを表す。
	TypeAllNotificationsRead Type = "AllNotificationsRead"
	// TypeNotificationDeleted は受信者が通知を論理削除したことを表す。
	TypeNotificationDeleted Type = "NotificationDeleted"
)

// Event はEvent Storeへ追記される不変のイベントレコードを表す。
type Event struct {
	// ID はイベントの一意識別子（UUID）。
	ID string `json:"id"`
	// AggregateID は対象エンティティの識別子。
	AggregateID string `json:"aggregate_id"`
	// AggregateType は対象エンティティの種類。
	AggregateType AggregateType `json:"aggregate_type"`
	// EventType はイベントの種類。
	EventType Type `json:"event_type"`
	// Data はイベント固有のデータ（JSON形式）。
	Data json.RawMessage `json:"data"`
	// Version はAggregate内でのイベントの順序番号。通知イベントでは常に1。
	Version int64 `json:"version"`
	// CreatedAt はイベントが作成された日時。
	CreatedAt time.Time `json:"created_at"`
}

// NotificationDispatchedData はNotificationDispatchedイベントのデータ。
type NotificationDispatchedData struct {
	// Title は通知のタイトル。
	Title string `json:"title"`
	// Category は通知の種類。
	Category string `json:"category"`
	// Priority は通知の優先度。
	Priority string `json:"priority"`
	// Target は宛先（"user:<id>", "group:<name>", "broadcast"）。
	Target string `json:"target"`
	// Recipients は既読レコードを作成した受信者。全体宛てでは接続中ユーザー。
	Recipients []string `json:"recipients"`
	// Delivered はライブセッションへのプッシュ成功数。
	Delivered int `json:"delivered"`
	// Failed はライブセッションへのプッシュ失敗数。
	Failed int `json:"failed"`
}

// NotificationReadData はNotificationReadイベントのデータ。
type NotificationReadData struct {
	// UserID は既読にしたユーザーのID。
	UserID string `json:"user_id"`
}

// AllNotificationsReadData はAllNotificationsReadイベントのデータ。
type AllNotificationsReadData struct {
	// Count は既読に遷移した件数。
	Count int64 `json:"count"`
}

// NotificationDeletedData はNotificationDeletedイベントのデータ。
type NotificationDeletedData struct {
	// UserID は削除したユーザーのID。
	UserID string `json:"user_id"`
}
