package notification

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/nao1215/notifyhub/pkg/event"
)

const (
	// DefaultPushTimeout は1セッションへのプッシュのタイムアウトのデフォルト値。
	DefaultPushTimeout = 3 * time.Second
	// DefaultPushConcurrency は同時に実行するプッシュ数の上限のデフォルト値。
	DefaultPushConcurrency = 32
)

// Transport はライブセッションへ通知を届けるトランスポート層。
type Transport interface {
	// PushToSession は1つのセッションへ通知を送る。ctxの期限内に完了しなければ失敗とする。
	PushToSession(ctx context.Context, sessionID string, n *Notification) error
	// PushToAll はこのプロセスが保持する全セッションへ通知を送り、成功数と失敗数を返す。
	PushToAll(ctx context.Context, n *Notification) (delivered, failed int)
}

// SessionLookup はユーザーのライブセッションを引く。connection.Registry が実装する。
type SessionLookup interface {
	SessionsFor(userID string) []string
	ConnectedUsers() []string
}

// MemberLookup はグループのメンバーを引く。group.Directory が実装する。
type MemberLookup interface {
	MembersOf(name string) []string
}

// Fanout は他のプロセスが保持するセッションへ配信を中継する。
type Fanout interface {
	Publish(ctx context.Context, n *Notification, recipients []string) error
}

// Result は1回の配信結果。
type Result struct {
	// ID は永続化された通知の正規ID。
	ID string `json:"id"`
	// Recipients は宛先として解決されたユーザー。
	Recipients []string `json:"recipients"`
	// Delivered はライブセッションへのプッシュ成功数。
	Delivered int `json:"delivered"`
	// Failed はライブセッションへのプッシュ失敗数。
	Failed int `json:"failed"`
}

// Dispatcher は通知を永続化し、宛先を解決してライブセッションへ配信する。
type Dispatcher struct {
	// store は通知ストア。
	store Store
	// tracker は受信者ごとの既読レコードを作成する。
	tracker *Tracker
	// sessions は接続レジストリ。
	sessions SessionLookup
	// groups はグループディレクトリ。
	groups MemberLookup
	// transport はライブセッションへのプッシュ手段。
	transport Transport
	// fanout は他プロセスへの中継。nilなら中継しない。
	fanout Fanout
	// publisher は監査イベントの送信先。
	publisher EventPublisher
	// logger は構造化ロガー。
	logger *slog.Logger
	// now は現在時刻を返す。
	now func() time.Time
	// pushTimeout は1セッションへのプッシュのタイムアウト。
	pushTimeout time.Duration
	// concurrency は同時に実行するプッシュ数の上限。
	concurrency int
}

// DispatcherOption はDispatcherの設定を変更する。
type DispatcherOption func(*Dispatcher)

// WithFanout はプロセス間中継を設定する。
func WithFanout(f Fanout) DispatcherOption {
	return func(d *Dispatcher) { d.fanout = f }
}

// WithPublisher は監査イベントの送信先を設定する。
func WithPublisher(p EventPublisher) DispatcherOption {
	return func(d *Dispatcher) {
		if p != nil {
			d.publisher = p
		}
	}
}

// WithLogger はロガーを設定する。
func WithLogger(l *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithPushTimeout は1セッションへのプッシュのタイムアウトを設定する。
func WithPushTimeout(timeout time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.pushTimeout = timeout
		}
	}
}

// WithPushConcurrency は同時プッシュ数の上限を設定する。
func WithPushConcurrency(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.concurrency = n
		}
	}
}

// WithClock は現在時刻の取得関数を設定する。
func WithClock(now func() time.Time) DispatcherOption {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

// NewDispatcher は新しいDispatcherを生成する。
func NewDispatcher(
	store Store,
	tracker *Tracker,
	sessions SessionLookup,
	groups MemberLookup,
	transport Transport,
	opts ...DispatcherOption,
) *Dispatcher {
	d := &Dispatcher{
		store:       store,
		tracker:     tracker,
		sessions:    sessions,
		groups:      groups,
		transport:   transport,
		publisher:   nopPublisher{},
		logger:      slog.Default(),
		now:         func() time.Time { return time.Now().UTC() },
		pushTimeout: DefaultPushTimeout,
		concurrency: DefaultPushConcurrency,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch は通知を配信する。
//
// 1. 宛先を検証し、不正なら副作用なしで ErrMalformedTarget を返す。
// 2. 通知を永続化する。
// 3. 宛先を解決する。グループ宛ては呼び出し時点のメンバーのスナップショットを使う。
// 4. 解決した受信者ごとに未読レコードを作成する（全体宛てでは作成しない）。
// 5. 受信者のライブセッションへプッシュする。失敗はログに記録して続行する。
//
// 永続化の失敗は ErrStoreUnavailable でラップして返す。
// 永続化と監査イベントは呼び出し元のキャンセルを受けない。途中で止まると未読レコードの欠けた通知が残るため。
// キャンセルが効くのはライブセッションへのプッシュと中継だけ。
func (d *Dispatcher) Dispatch(ctx context.Context, n *Notification) (*Result, error) {
	if n == nil {
		return nil, fmt.Errorf("%w: 通知がnilです", ErrInvalidNotification)
	}
	if err := n.Target.Validate(); err != nil {
		return nil, err
	}
	if err := n.Validate(); err != nil {
		return nil, err
	}

	now := d.now()
	if n.Expired(now) {
		return nil, fmt.Errorf("%w: 有効期限が過ぎています", ErrInvalidNotification)
	}

	rec := *n
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}

	persistCtx := context.WithoutCancel(ctx)
	id, err := d.store.Create(persistCtx, &rec)
	if err != nil {
		return nil, storeError("通知の保存に失敗", err)
	}
	rec.ID = id

	broadcast := rec.Target.Kind() == TargetBroadcast
	recipients := d.resolve(rec.Target)

	if !broadcast {
		for _, userID := range recipients {
			if _, err := d.tracker.Track(persistCtx, rec.ID, userID); err != nil {
				return nil, err
			}
		}
	}

	delivered, failed := d.DeliverLocal(ctx, &rec, recipients)

	if d.fanout != nil {
		if err := d.fanout.Publish(ctx, &rec, recipients); err != nil {
			d.logger.WarnContext(ctx, "他インスタンスへの中継に失敗",
				slog.String("notification_id", rec.ID), slog.Any("error", err))
		}
	}

	d.logger.InfoContext(ctx, "通知を配信しました",
		slog.String("notification_id", rec.ID),
		slog.String("target", rec.Target.String()),
		slog.Int("recipients", len(recipients)),
		slog.Int("delivered", delivered),
		slog.Int("failed", failed))

	publishEvent(persistCtx, d.publisher, d.logger, func() (*event.Event, error) {
		return event.ForNotification(rec.ID, event.TypeNotificationDispatched, event.NotificationDispatchedData{
			Title:      rec.Title,
			Category:   string(rec.Category),
			Priority:   rec.Priority.String(),
			Target:     rec.Target.String(),
			Recipients: recipients,
			Delivered:  delivered,
			Failed:     failed,
		})
	})

	return &Result{
		ID:         rec.ID,
		Recipients: recipients,
		Delivered:  delivered,
		Failed:     failed,
	}, nil
}

// resolve は宛先から受信者のユーザーIDを解決する。
// 全体宛ての場合は接続中の全ユーザーを返す。
func (d *Dispatcher) resolve(target Target) []string {
	switch target.Kind() {
	case TargetUser:
		return []string{target.UserID()}
	case TargetGroup:
		return d.groups.MembersOf(target.Group())
	default:
		return d.sessions.ConnectedUsers()
	}
}

// DeliverLocal はこのプロセスが保持するライブセッションへ通知をプッシュする。
// 永続化は行わない。他インスタンスから中継された配信にも使う。
func (d *Dispatcher) DeliverLocal(ctx context.Context, n *Notification, recipients []string) (delivered, failed int) {
	if n.Target.Kind() == TargetBroadcast {
		pctx, cancel := context.WithTimeout(ctx, d.pushTimeout)
		defer cancel()
		return d.transport.PushToAll(pctx, n)
	}

	var sessions []string
	for _, userID := range recipients {
		sessions = append(sessions, d.sessions.SessionsFor(userID)...)
	}
	if len(sessions) == 0 {
		return 0, 0
	}

	var ok, ng atomic.Int64
	var g errgroup.Group
	g.SetLimit(d.concurrency)
	for _, sessionID := range sessions {
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(ctx, d.pushTimeout)
			defer cancel()

			if err := d.transport.PushToSession(pctx, sessionID, n); err != nil {
				ng.Add(1)
				d.logger.WarnContext(ctx, "セッションへのプッシュに失敗",
					slog.String("notification_id", n.ID),
					slog.String("session_id", sessionID),
					slog.Any("error", err))
				return nil
			}
			ok.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	return int(ok.Load()), int(ng.Load())
}
