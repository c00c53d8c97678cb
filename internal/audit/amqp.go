package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/nao1215/notifyhub/internal/notification"
	"github.com/nao1215/notifyhub/pkg/event"
)

// DefaultExchange は監査イベントを流すRabbitMQのexchange名のデフォルト値。
const DefaultExchange = "notifyhub.events"

// channel はamqp.Channelのうち送信に使う部分。
type channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQP はRabbitMQのtopic exchangeへイベントを送るパブリッシャー。
// ルーティングキーはイベント種別（例: NotificationRead）。
type AMQP struct {
	conn     *amqp.Connection
	ch       channel
	exchange string
	timeout  time.Duration
}

var _ notification.EventPublisher = (*AMQP)(nil)

// DialAMQP はRabbitMQへ接続し、exchangeを宣言したパブリッシャーを返す。
func DialAMQP(url, exchange string, timeout time.Duration) (*AMQP, error) {
	if exchange == "" {
		exchange = DefaultExchange
	}

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("RabbitMQへの接続に失敗: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("チャネルの作成に失敗: %w", err)
	}

	err = ch.ExchangeDeclare(
		exchange,
		amqp.ExchangeTopic,
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,
	)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("exchange %s の宣言に失敗: %w", exchange, err)
	}

	p := newAMQP(ch, exchange, timeout)
	p.conn = conn
	return p, nil
}

func newAMQP(ch channel, exchange string, timeout time.Duration) *AMQP {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &AMQP{ch: ch, exchange: exchange, timeout: timeout}
}

// Publish はイベントを1件送信する。
func (p *AMQP) Publish(ctx context.Context, e *event.Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("イベントのエンコードに失敗: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	err = p.ch.PublishWithContext(
		ctx,
		p.exchange,
		string(e.EventType),
		false,
		false,
		amqp.Publishing{
			DeliveryMode: amqp.Persistent,
			ContentType:  "application/json",
			MessageId:    e.ID,
			Timestamp:    e.CreatedAt,
			Type:         string(e.EventType),
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("RabbitMQへのイベント送信に失敗: %w", err)
	}
	return nil
}

// Close はチャネルと接続を閉じる。
func (p *AMQP) Close() error {
	err := p.ch.Close()
	if p.conn != nil {
		if cerr := p.conn.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
