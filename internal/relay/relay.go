// Package relay は複数インスタンス間でライブ配信を中継する。
//
// 通知の永続化と宛先解決は配信元のインスタンスだけが行い、Redis Pub/Subには
// 解決済みの受信者と通知本体を流す。受信側は自インスタンスが保持するセッションへの
// プッシュだけを行う。
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/nao1215/notifyhub/internal/notification"
)

// DefaultChannel は中継に使うRedisチャネル名のデフォルト値。
const DefaultChannel = "notifyhub:deliveries"

// Envelope は中継メッセージ。
type Envelope struct {
	// Origin は配信元インスタンスの識別子。
	Origin string `json:"origin"`
	// Notification は永続化済みの通知。
	Notification *notification.Notification `json:"notification"`
	// Recipients は配信元で解決された受信者。
	Recipients []string `json:"recipients"`
}

// Deliverer は自インスタンスのセッションへ通知をプッシュする。notification.Dispatcher が実装する。
type Deliverer interface {
	DeliverLocal(ctx context.Context, n *notification.Notification, recipients []string) (delivered, failed int)
}

// Relay はRedis Pub/Subによる中継。notification.Fanout を実装する。
type Relay struct {
	client  *redis.Client
	channel string
	origin  string
	logger  *slog.Logger
}

var _ notification.Fanout = (*Relay)(nil)

// New は新しいRelayを生成する。originはインスタンスごとに一意な値を指定する。
func New(client *redis.Client, channel, origin string, logger *slog.Logger) *Relay {
	if channel == "" {
		channel = DefaultChannel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		client:  client,
		channel: channel,
		origin:  origin,
		logger:  logger,
	}
}

// Publish は配信を他インスタンスへ中継する。
func (r *Relay) Publish(ctx context.Context, n *notification.Notification, recipients []string) error {
	payload, err := json.Marshal(Envelope{
		Origin:       r.origin,
		Notification: n,
		Recipients:   recipients,
	})
	if err != nil {
		return fmt.Errorf("中継メッセージのエンコードに失敗: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		return fmt.Errorf("Redisへの中継に失敗: %w", err)
	}
	return nil
}

// Run はctxがキャンセルされるまで中継メッセージを購読し、自インスタンスのセッションへ配信する。
func (r *Relay) Run(ctx context.Context, d Deliverer) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer func() { _ = sub.Close() }()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("Redisチャネル %s の購読に失敗: %w", r.channel, err)
	}
	r.logger.InfoContext(ctx, "中継チャネルの購読を開始しました",
		slog.String("channel", r.channel), slog.String("origin", r.origin))

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			r.handle(ctx, d, []byte(msg.Payload))
		}
	}
}

// handle は1件の中継メッセージを処理する。自インスタンス発のメッセージは無視する。
func (r *Relay) handle(ctx context.Context, d Deliverer, payload []byte) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		r.logger.WarnContext(ctx, "中継メッセージのデコードに失敗", slog.Any("error", err))
		return
	}
	if env.Origin == r.origin || env.Notification == nil {
		return
	}

	delivered, failed := d.DeliverLocal(ctx, env.Notification, env.Recipients)
	r.logger.DebugContext(ctx, "中継された通知を配信しました",
		slog.String("notification_id", env.Notification.ID),
		slog.String("origin", env.Origin),
		slog.Int("delivered", delivered),
		slog.Int("failed", failed))
}
