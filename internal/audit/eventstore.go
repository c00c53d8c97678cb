package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/nao1215/notifyhub/internal/notification"
	"github.com/nao1215/notifyhub/pkg/event"
	"github.com/nao1215/notifyhub/pkg/httpclient"
)

// eventsPath はEvent Storeのイベント追記APIのパス。
const eventsPath = "/api/v1/events"

// EventStore はEvent StoreのHTTP APIへイベントを追記するパブリッシャー。
type EventStore struct {
	client *httpclient.Client
}

var _ notification.EventPublisher = (*EventStore)(nil)

// NewEventStore はbaseURLのEvent Storeへ送信するパブリッシャーを生成する。
func NewEventStore(baseURL string, timeout time.Duration) *EventStore {
	return &EventStore{
		client: httpclient.New(baseURL,
			httpclient.WithTimeout(timeout),
			httpclient.WithRetry(3, 200*time.Millisecond),
		),
	}
}

// Publish はイベントを1件追記する。
func (s *EventStore) Publish(ctx context.Context, e *event.Event) error {
	if err := s.client.PostJSON(ctx, eventsPath, e, nil); err != nil {
		return fmt.Errorf("Event Storeへのイベント追記に失敗: %w", err)
	}
	return nil
}
