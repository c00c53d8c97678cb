// 通知サービスのエントリポイント。
// 他サービスからの送信要求を受けて通知を永続化し、SSEで接続中のユーザーへリアルタイムに配信する。
// 複数インスタンスで動かす場合はRedis経由で配信を中継する。
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/nao1215/notifyhub/internal/audit"
	"github.com/nao1215/notifyhub/internal/config"
	"github.com/nao1215/notifyhub/internal/connection"
	"github.com/nao1215/notifyhub/internal/group"
	"github.com/nao1215/notifyhub/internal/notification"
	"github.com/nao1215/notifyhub/internal/relay"
	"github.com/nao1215/notifyhub/internal/server"
	"github.com/nao1215/notifyhub/internal/store"
	"github.com/nao1215/notifyhub/internal/stream"
)

func main() {
	if err := run(); err != nil {
		slog.Error("通知サービスが異常終了しました", slog.Any("error", err))
		os.Exit(1)
	}
}

func run() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf(".envの読み込みに失敗: %w", err)
	}

	cfg, err := config.Load(os.Getenv("NOTIFY_CONFIG"))
	if err != nil {
		return err
	}
	logger, err := config.NewLogger(cfg.Log, os.Stdout)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg.Storage.Driver, cfg.Storage.DSN)
	if err != nil {
		return fmt.Errorf("通知ストアの初期化に失敗: %w", err)
	}
	defer st.Close()

	publisher, closePublisher, err := newPublisher(ctx, cfg.Audit, logger)
	if err != nil {
		return err
	}
	defer closePublisher()

	registry := connection.NewRegistry()
	groups := group.NewDirectory()
	hub := stream.NewHub(cfg.Stream.Buffer, logger)
	tracker := notification.NewTracker(st,
		notification.WithTrackerPublisher(publisher),
		notification.WithTrackerLogger(logger),
		notification.WithMaxPageSize(cfg.Dispatch.MaxPageSize),
	)

	opts := []notification.DispatcherOption{
		notification.WithPublisher(publisher),
		notification.WithLogger(logger),
		notification.WithPushTimeout(cfg.Dispatch.PushTimeout),
		notification.WithPushConcurrency(cfg.Dispatch.PushConcurrency),
	}

	var rl *relay.Relay
	if cfg.Relay.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Relay.Addr,
			Password: cfg.Relay.Password,
			DB:       cfg.Relay.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("Redisへの接続に失敗: %w", err)
		}
		rl = relay.New(rdb, cfg.Relay.Channel, cfg.InstanceID, logger)
		opts = append(opts, notification.WithFanout(rl))
	}

	dispatcher := notification.NewDispatcher(st, tracker, registry, groups, hub, opts...)

	srv, err := server.NewServer(server.Options{
		Port:           cfg.Port,
		JWTSecret:      cfg.JWTSecret,
		AllowedOrigins: cfg.AllowedOrigins,
		Heartbeat:      cfg.Stream.Heartbeat,
		DevTokens:      cfg.DevTokens,
		Logger:         logger,
		Dispatcher:     dispatcher,
		Tracker:        tracker,
		Registry:       registry,
		Groups:         groups,
		Hub:            hub,
		Health:         st,
	})
	if err != nil {
		return fmt.Errorf("通知サーバーの初期化に失敗: %w", err)
	}

	logger.Info("通知サービスを起動します",
		slog.String("port", cfg.Port),
		slog.String("instance_id", cfg.InstanceID),
		slog.String("storage", cfg.Storage.Driver),
		slog.Bool("relay", cfg.Relay.Enabled),
		slog.String("audit", cfg.Audit.Kind))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx, cfg.ShutdownTimeout)
	})
	if rl != nil {
		g.Go(func() error {
			if err := rl.Run(gctx, dispatcher); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("配信中継が停止しました: %w", err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	logger.Info("通知サービスを停止しました")
	return nil
}

// newPublisher は設定に従って監査イベントのパブリッシャーを組み立てる。
// nop以外はキューを挟んで非同期に送信する。返す関数でキューを送り切って接続を閉じる。
func newPublisher(ctx context.Context, cfg config.AuditConfig, logger *slog.Logger) (notification.EventPublisher, func(), error) {
	var next notification.EventPublisher
	closeNext := func() {}

	switch cfg.Kind {
	case config.AuditEventStore:
		next = audit.NewEventStore(cfg.EventStoreURL, cfg.Timeout)
	case config.AuditAMQP:
		p, err := audit.DialAMQP(cfg.AMQPURL, cfg.Exchange, cfg.Timeout)
		if err != nil {
			return nil, nil, fmt.Errorf("監査イベントの送信先に接続できません: %w", err)
		}
		next = p
		closeNext = func() {
			if err := p.Close(); err != nil {
				logger.Warn("AMQP接続の切断に失敗", slog.Any("error", err))
			}
		}
	default:
		return audit.Nop{}, func() {}, nil
	}

	async := audit.NewAsync(next, cfg.QueueSize, logger)
	async.Start(ctx)
	return async, func() {
		async.Close()
		closeNext()
	}, nil
}
