// Package store は通知ストアのSQL実装を提供する。
// SQLite（modernc.org/sqlite）とPostgreSQL（lib/pq）をsqlxで扱い、スキーマはマイグレーションで管理する。
package store

import (
	"bytes"
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/nao1215/notifyhub/internal/notification"
	"github.com/nao1215/notifyhub/pkg/migration"
)

//go:embed migrations
var migrationsFS embed.FS

const (
	// DriverSQLite はSQLiteのドライバ名。
	DriverSQLite = "sqlite"
	// DriverPostgres はPostgreSQLのドライバ名。
	DriverPostgres = "postgres"
)

// SQLStore は notification.Store のSQL実装。
type SQLStore struct {
	db *sqlx.DB
}

var _ notification.Store = (*SQLStore)(nil)

// Open はデータベースへ接続し、マイグレーションを適用したSQLStoreを返す。
func Open(ctx context.Context, driver, dsn string) (*SQLStore, error) {
	switch driver {
	case DriverSQLite, DriverPostgres:
	default:
		return nil, fmt.Errorf("未対応のデータベースドライバ: %q", driver)
	}

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗: %w", err)
	}
	if driver == DriverSQLite {
		// :memory: は接続ごとに別のデータベースになるため、接続を1本に固定する。
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("データベースへの疎通確認に失敗: %w", err)
	}

	if _, err := migration.Run(ctx, db, migrationsFS, "migrations"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("スキーマ初期化に失敗: %w", err)
	}

	return &SQLStore{db: db}, nil
}

// Close はデータベース接続を閉じる。
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// Ping はデータベースへの疎通を確認する。
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// notificationRow はnotificationsテーブルの1行。
type notificationRow struct {
	ID           string        `db:"id"`
	Title        string        `db:"title"`
	Message      string        `db:"message"`
	Category     string        `db:"category"`
	Priority     int           `db:"priority"`
	SenderID     string        `db:"sender_id"`
	SenderName   string        `db:"sender_name"`
	TargetKind   string        `db:"target_kind"`
	TargetUserID string        `db:"target_user_id"`
	TargetGroup  string        `db:"target_group"`
	ActionURL    string        `db:"action_url"`
	IconURL      string        `db:"icon_url"`
	Metadata     string        `db:"metadata"`
	CreatedAt    int64         `db:"created_at"`
	ExpiresAt    sql.NullInt64 `db:"expires_at"`
}

const notificationColumns = `n.id, n.title, n.message, n.category, n.priority, n.sender_id, n.sender_name,
	n.target_kind, n.target_user_id, n.target_group, n.action_url, n.icon_url, n.metadata,
	n.created_at, n.expires_at`

func toRow(n *notification.Notification) (*notificationRow, error) {
	meta := []byte("{}")
	if len(n.Metadata) > 0 {
		var err error
		if meta, err = json.Marshal(n.Metadata); err != nil {
			return nil, fmt.Errorf("メタデータのエンコードに失敗: %w", err)
		}
	}

	row := &notificationRow{
		ID:           n.ID,
		Title:        n.Title,
		Message:      n.Body,
		Category:     string(n.Category),
		Priority:     int(n.Priority),
		SenderID:     n.SenderID,
		SenderName:   n.SenderName,
		TargetKind:   n.Target.Kind().String(),
		TargetUserID: n.Target.UserID(),
		TargetGroup:  n.Target.Group(),
		ActionURL:    n.ActionURL,
		IconURL:      n.IconURL,
		Metadata:     string(meta),
		CreatedAt:    n.CreatedAt.UnixNano(),
	}
	if n.ExpiresAt != nil {
		row.ExpiresAt = sql.NullInt64{Int64: n.ExpiresAt.UnixNano(), Valid: true}
	}
	return row, nil
}

func (r *notificationRow) toNotification() (*notification.Notification, error) {
	target, err := notification.ParseTarget(r.TargetUserID, r.TargetGroup,
		r.TargetKind == notification.TargetBroadcast.String())
	if err != nil {
		return nil, fmt.Errorf("通知 %s の宛先が不正: %w", r.ID, err)
	}

	var meta notification.Metadata
	if r.Metadata != "" && r.Metadata != "{}" {
		dec := json.NewDecoder(bytes.NewReader([]byte(r.Metadata)))
		dec.UseNumber()
		if err := dec.Decode(&meta); err != nil {
			return nil, fmt.Errorf("通知 %s のメタデータのデコードに失敗: %w", r.ID, err)
		}
	}

	n := &notification.Notification{
		ID:         r.ID,
		Title:      r.Title,
		Body:       r.Message,
		Category:   notification.Category(r.Category),
		Priority:   notification.Priority(r.Priority),
		SenderID:   r.SenderID,
		SenderName: r.SenderName,
		Target:     target,
		CreatedAt:  fromNano(r.CreatedAt),
		ActionURL:  r.ActionURL,
		IconURL:    r.IconURL,
		Metadata:   meta,
	}
	if r.ExpiresAt.Valid {
		n.ExpiresAt = nanoPtr(r.ExpiresAt)
	}
	return n, nil
}

// readRow はnotification_readsテーブルの1行。
type readRow struct {
	NotificationID string        `db:"notification_id"`
	UserID         string        `db:"user_id"`
	IsRead         bool          `db:"is_read"`
	ReadAt         sql.NullInt64 `db:"read_at"`
	DeletedAt      sql.NullInt64 `db:"deleted_at"`
	CreatedAt      int64         `db:"created_at"`
}

func (r *readRow) toReadState() *notification.ReadState {
	return &notification.ReadState{
		NotificationID: r.NotificationID,
		UserID:         r.UserID,
		IsRead:         r.IsRead,
		ReadAt:         nanoPtr(r.ReadAt),
		DeletedAt:      nanoPtr(r.DeletedAt),
		CreatedAt:      fromNano(r.CreatedAt),
	}
}

// itemRow は一覧取得の1行。
type itemRow struct {
	notificationRow
	IsRead     bool          `db:"is_read"`
	ReadAt     sql.NullInt64 `db:"read_at"`
	ReceivedAt int64         `db:"received_at"`
}

// statRow は統計集計の1グループ。
type statRow struct {
	Category string `db:"category"`
	Priority int    `db:"priority"`
	IsRead   bool   `db:"is_read"`
	Count    int    `db:"cnt"`
}

func fromNano(ns int64) time.Time {
	return time.Unix(0, ns).UTC()
}

func nanoPtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromNano(v.Int64)
	return &t
}

// Create は通知を保存し、IDを返す。
func (s *SQLStore) Create(ctx context.Context, n *notification.Notification) (string, error) {
	cp := *n
	if cp.ID == "" {
		cp.ID = uuid.New().String()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}

	row, err := toRow(&cp)
	if err != nil {
		return "", err
	}

	_, err = s.db.NamedExecContext(ctx, `
		INSERT INTO notifications (
			id, title, message, category, priority, sender_id, sender_name,
			target_kind, target_user_id, target_group, action_url, icon_url, metadata,
			created_at, expires_at
		) VALUES (
			:id, :title, :message, :category, :priority, :sender_id, :sender_name,
			:target_kind, :target_user_id, :target_group, :action_url, :icon_url, :metadata,
			:created_at, :expires_at
		)`, row)
	if err != nil {
		return "", fmt.Errorf("通知の挿入に失敗: %w", err)
	}
	return cp.ID, nil
}

// Get はIDで通知を取得する。
func (s *SQLStore) Get(ctx context.Context, id string) (*notification.Notification, error) {
	var row notificationRow
	query := s.db.Rebind("SELECT " + notificationColumns + " FROM notifications n WHERE n.id = ?")
	if err := s.db.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notification.ErrNotFound
		}
		return nil, fmt.Errorf("通知の取得に失敗: %w", err)
	}
	return row.toNotification()
}

// UpsertReadState は未読レコードを作成する。既存レコードがあればそれを返す。
func (s *SQLStore) UpsertReadState(ctx context.Context, notificationID, userID string, at time.Time) (*notification.ReadState, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("トランザクション開始に失敗: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	insert := tx.Rebind(`
		INSERT INTO notification_reads (notification_id, user_id, is_read, created_at)
		VALUES (?, ?, 0, ?)
		ON CONFLICT (notification_id, user_id) DO NOTHING`)
	if _, err := tx.ExecContext(ctx, insert, notificationID, userID, at.UnixNano()); err != nil {
		return nil, fmt.Errorf("既読レコードの挿入に失敗: %w", err)
	}

	var row readRow
	query := tx.Rebind(`
		SELECT notification_id, user_id, is_read, read_at, deleted_at, created_at
		FROM notification_reads WHERE notification_id = ? AND user_id = ?`)
	if err := tx.GetContext(ctx, &row, query, notificationID, userID); err != nil {
		return nil, fmt.Errorf("既読レコードの取得に失敗: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("コミットに失敗: %w", err)
	}
	return row.toReadState(), nil
}

// SetRead は既読にする。既読済みの場合は最初の既読日時を保持する。
func (s *SQLStore) SetRead(ctx context.Context, notificationID, userID string, at time.Time) (bool, error) {
	query := s.db.Rebind(`
		UPDATE notification_reads
		SET is_read = 1, read_at = COALESCE(read_at, ?)
		WHERE notification_id = ? AND user_id = ? AND deleted_at IS NULL`)
	res, err := s.db.ExecContext(ctx, query, at.UnixNano(), notificationID, userID)
	if err != nil {
		return false, fmt.Errorf("既読の更新に失敗: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("更新件数の取得に失敗: %w", err)
	}
	return n > 0, nil
}

// SetAllRead はユーザーの未読レコードをすべて既読にする。
func (s *SQLStore) SetAllRead(ctx context.Context, userID string, at time.Time) (int64, error) {
	query := s.db.Rebind(`
		UPDATE notification_reads
		SET is_read = 1, read_at = ?
		WHERE user_id = ? AND is_read = 0 AND deleted_at IS NULL`)
	res, err := s.db.ExecContext(ctx, query, at.UnixNano(), userID)
	if err != nil {
		return 0, fmt.Errorf("全件既読の更新に失敗: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("更新件数の取得に失敗: %w", err)
	}
	return n, nil
}

// SoftDelete は論理削除する。
func (s *SQLStore) SoftDelete(ctx context.Context, notificationID, userID string, at time.Time) (bool, error) {
	query := s.db.Rebind(`
		UPDATE notification_reads
		SET deleted_at = ?
		WHERE notification_id = ? AND user_id = ? AND deleted_at IS NULL`)
	res, err := s.db.ExecContext(ctx, query, at.UnixNano(), notificationID, userID)
	if err != nil {
		return false, fmt.Errorf("論理削除に失敗: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("更新件数の取得に失敗: %w", err)
	}
	return n > 0, nil
}

// List はユーザーの通知を作成日時の降順で返す。
func (s *SQLStore) List(ctx context.Context, userID string, offset, limit int) ([]notification.Item, error) {
	query := s.db.Rebind(`
		SELECT ` + notificationColumns + `, r.is_read, r.read_at, r.created_at AS received_at
		FROM notification_reads r
		JOIN notifications n ON n.id = r.notification_id
		WHERE r.user_id = ? AND r.deleted_at IS NULL
		ORDER BY n.created_at DESC, n.id DESC
		LIMIT ? OFFSET ?`)

	var rows []itemRow
	if err := s.db.SelectContext(ctx, &rows, query, userID, limit, offset); err != nil {
		return nil, fmt.Errorf("通知一覧の取得に失敗: %w", err)
	}

	items := make([]notification.Item, 0, len(rows))
	for i := range rows {
		n, err := rows[i].toNotification()
		if err != nil {
			return nil, err
		}
		items = append(items, notification.Item{
			Notification: *n,
			IsRead:       rows[i].IsRead,
			ReadAt:       nanoPtr(rows[i].ReadAt),
			ReceivedAt:   fromNano(rows[i].ReceivedAt),
		})
	}
	return items, nil
}

// AggregateStats はユーザーの統計を1回のクエリで集計する。
func (s *SQLStore) AggregateStats(ctx context.Context, userID string) (*notification.Stats, error) {
	query := s.db.Rebind(`
		SELECT n.category, n.priority, r.is_read, COUNT(*) AS cnt
		FROM notification_reads r
		JOIN notifications n ON n.id = r.notification_id
		WHERE r.user_id = ? AND r.deleted_at IS NULL
		GROUP BY n.category, n.priority, r.is_read`)

	var rows []statRow
	if err := s.db.SelectContext(ctx, &rows, query, userID); err != nil {
		return nil, fmt.Errorf("統計の集計に失敗: %w", err)
	}

	stats := notification.NewStats()
	for _, r := range rows {
		stats.Add(notification.Category(r.Category), notification.Priority(r.Priority), r.IsRead, r.Count)
	}
	return stats, nil
}
