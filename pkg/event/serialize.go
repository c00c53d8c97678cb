package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// New は新しいイベントを生成する。
// dataにはイベント固有のデータ構造体を渡す。JSON形式にシリアライズされる。
func New(aggregateID string, aggregateType AggregateType, eventType Type, version int64, data any) (*Event, error) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("イベントデータのシリアライズに失敗: %w", err)
	}

	return &Event{
		ID:            uuid.New().String(),
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		EventType:     eventType,
		Data:          jsonData,
		Version:       version,
		CreatedAt:     time.Now().UTC(),
	}, nil
}

// ForNotification は通知を対象とするイベントを生成する。
// AggregateIDは "notification-<通知ID>" 形式になる。
func ForNotification(notificationID string, eventType Type, data any) (*Event, error) {
	return New(NotificationAggregateID(notificationID), AggregateTypeNotification, eventType, 1, data)
}

// ForUser はユーザーを対象とするイベントを生成する。
func ForUser(userID string, eventType Type, data any) (*Event, error) {
	return New(fmt.Sprintf("user-%s", userID), AggregateTypeUser, eventType, 1, data)
}

// NotificationAggregateID は通知IDからAggregateIDを組み立てる。
func NotificationAggregateID(notificationID string) string {
	return fmt.Sprintf("notification-%s", notificationID)
}

// DecodeData はイベントのDataフィールドを指定された型にデシリアライズする。
func DecodeData[T any](e *Event) (*T, error) {
	var data T
	if err := json.Unmarshal(e.Data, &data); err != nil {
		return nil, fmt.Errorf("イベントデータのデシリアライズに失敗: %w", err)
	}
	return &data, nil
}
