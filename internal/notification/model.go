package notification

import (
	"encoding/json"
	"fmt"
	"time"
)

// Category は通知の種類を表す閉じた列挙型。
type Category string

const (
	// CategoryApprovalRequest は承認依頼。
	CategoryApprovalRequest Category = "ApprovalRequest"
	// CategoryApprovalApproved は承認済みの通知。
	CategoryApprovalApproved Category = "ApprovalApproved"
	// CategoryApprovalRejected は却下の通知。
	CategoryApprovalRejected Category = "ApprovalRejected"

	// CategoryUserCreated はユーザー作成。
	CategoryUserCreated Category = "UserCreated"
	// CategoryUserUpdated はユーザー情報の更新。
	CategoryUserUpdated Category = "UserUpdated"
	// CategoryUserDeleted はユーザー削除。
	CategoryUserDeleted Category = "UserDeleted"
	// CategoryUserRoleChanged はユーザー権限の変更。
	CategoryUserRoleChanged Category = "UserRoleChanged"

	// CategoryDataCreated はデータ作成。
	CategoryDataCreated Category = "DataCreated"
	// CategoryDataModified はデータ更新。
	CategoryDataModified Category = "DataModified"
	// CategoryDataDeleted はデータ削除。
	CategoryDataDeleted Category = "DataDeleted"

	// CategorySystemAlert はシステムアラート。
	CategorySystemAlert Category = "SystemAlert"
	// CategorySystemMaintenance はメンテナンス告知。
	CategorySystemMaintenance Category = "SystemMaintenance"
	// CategorySystemError はシステムエラー。
	CategorySystemError Category = "SystemError"

	// CategoryTaskAssigned はタスク割り当て。
	CategoryTaskAssigned Category = "TaskAssigned"
	// CategoryTaskCompleted はタスク完了。
	CategoryTaskCompleted Category = "TaskCompleted"
	// CategoryTaskOverdue はタスク期限超過。
	CategoryTaskOverdue Category = "TaskOverdue"

	// CategoryCustom は任意の通知。
	CategoryCustom Category = "Custom"
)

var validCategories = map[Category]struct{}{
	CategoryApprovalRequest:   {},
	CategoryApprovalApproved:  {},
	CategoryApprovalRejected:  {},
	CategoryUserCreated:       {},
	CategoryUserUpdated:       {},
	CategoryUserDeleted:       {},
	CategoryUserRoleChanged:   {},
	CategoryDataCreated:       {},
	CategoryDataModified:      {},
	CategoryDataDeleted:       {},
	CategorySystemAlert:       {},
	CategorySystemMaintenance: {},
	CategorySystemError:       {},
	CategoryTaskAssigned:      {},
	CategoryTaskCompleted:     {},
	CategoryTaskOverdue:       {},
	CategoryCustom:            {},
}

// Valid はカテゴリが既知の値かどうかを返す。
func (c Category) Valid() bool {
	_, ok := validCategories[c]
	return ok
}

// Priority は通知の優先度。Low < Normal < High < Critical の順序を持つ。
type Priority int

const (
	// PriorityLow は低優先度。
	PriorityLow Priority = 1
	// PriorityNormal は通常優先度。
	PriorityNormal Priority = 2
	// PriorityHigh は高優先度。
	PriorityHigh Priority = 3
	// PriorityCritical は緊急。
	PriorityCritical Priority = 4
)

var priorityNames = map[Priority]string{
	PriorityLow:      "Low",
	PriorityNormal:   "Normal",
	PriorityHigh:     "High",
	PriorityCritical: "Critical",
}

// Valid は優先度が既知の値かどうかを返す。
func (p Priority) Valid() bool {
	_, ok := priorityNames[p]
	return ok
}

// String は優先度の名前を返す。
func (p Priority) String() string {
	if name, ok := priorityNames[p]; ok {
		return name
	}
	return fmt.Sprintf("Priority(%d)", int(p))
}

// MarshalText は優先度を名前としてエンコードする。mapのキーにも使われる。
func (p Priority) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("不明な優先度: %d", int(p))
	}
	return []byte(p.String()), nil
}

// UnmarshalText は名前から優先度を復元する。
func (p *Priority) UnmarshalText(text []byte) error {
	parsed, err := ParsePriority(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// ParsePriority は優先度名をPriorityに変換する。
func ParsePriority(name string) (Priority, error) {
	for p, n := range priorityNames {
		if n == name {
			return p, nil
		}
	}
	return 0, fmt.Errorf("不明な優先度: %q", name)
}

// Metadata は通知に付与する任意のキーバリュー。
// 値は文字列・数値・真偽値・日時のいずれか。
type Metadata map[string]any

// validate は値の型が許可されたものかを検証する。
func (m Metadata) validate() error {
	for key, value := range m {
		switch value.(type) {
		case string, bool, time.Time,
			int, int32, int64, uint, uint32, uint64, float32, float64, json.Number:
		default:
			return fmt.Errorf("メタデータ %q の値の型 %T はサポートされていません", key, value)
		}
	}
	return nil
}

// Notification は配信単位となる通知。
// 作成後は既読状態以外変更されない。既読状態は受信者ごとに ReadState で管理する。
type Notification struct {
	// ID は通知の一意識別子（UUID）。
	ID string `json:"id"`
	// Title は通知のタイトル。
	Title string `json:"title"`
	// Body は通知メッセージ。
	Body string `json:"message"`
	// Category は通知の種類。
	Category Category `json:"type"`
	// Priority は通知の優先度。
	Priority Priority `json:"priority"`
	// SenderID は送信者のユーザーID。
	SenderID string `json:"sender_id,omitempty"`
	// SenderName は送信者の表示名。
	SenderName string `json:"sender_name,omitempty"`
	// Target は宛先。ユーザー・グループ・全体のいずれか1つ。
	Target Target `json:"target"`
	// CreatedAt は通知の作成日時。
	CreatedAt time.Time `json:"created_at"`
	// ExpiresAt は通知の有効期限。
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	// ActionURL は通知から遷移する先。
	ActionURL string `json:"action_url,omitempty"`
	// IconURL は通知アイコン。
	IconURL string `json:"icon_url,omitempty"`
	// Metadata はカテゴリ固有の付加情報。
	Metadata Metadata `json:"metadata,omitempty"`
}

// Validate は通知の不変条件を検証する。宛先の検証を最初に行う。
func (n *Notification) Validate() error {
	if err := n.Target.Validate(); err != nil {
		return err
	}
	if n.Title == "" {
		return fmt.Errorf("%w: タイトルが空です", ErrInvalidNotification)
	}
	if n.Body == "" {
		return fmt.Errorf("%w: メッセージが空です", ErrInvalidNotification)
	}
	if !n.Category.Valid() {
		return fmt.Errorf("%w: 不明な種類 %q", ErrInvalidNotification, n.Category)
	}
	if !n.Priority.Valid() {
		return fmt.Errorf("%w: 不明な優先度 %d", ErrInvalidNotification, int(n.Priority))
	}
	if err := n.Metadata.validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidNotification, err)
	}
	return nil
}

// Expired は指定時刻において有効期限が切れているかを返す。
func (n *Notification) Expired(now time.Time) bool {
	return n.ExpiresAt != nil && !n.ExpiresAt.After(now)
}

// ReadState は(通知, 受信者)ごとの既読状態レコード。
type ReadState struct {
	// NotificationID は対象通知のID。
	NotificationID string `json:"notification_id"`
	// UserID は受信者のユーザーID。
	UserID string `json:"user_id"`
	// IsRead は既読かどうか。
	IsRead bool `json:"is_read"`
	// ReadAt は既読にした日時。IsReadがtrueのときのみ設定される。
	ReadAt *time.Time `json:"read_at,omitempty"`
	// DeletedAt は論理削除日時。設定されると一覧・統計から除外される。
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
	// CreatedAt はレコードの作成日時。
	CreatedAt time.Time `json:"created_at"`
}

// Item はユーザーの通知一覧の1行。通知本体と受信者の既読状態を合わせたもの。
type Item struct {
	Notification
	// IsRead は既読かどうか。
	IsRead bool `json:"is_read"`
	// ReadAt は既読にした日時。
	ReadAt *time.Time `json:"read_at,omitempty"`
	// ReceivedAt は既読レコードの作成日時。一覧の並び順に使う。
	ReceivedAt time.Time `json:"received_at"`
	// Expired は一覧取得時点で有効期限が切れているか。
	Expired bool `json:"expired"`
}

// Stats はユーザーの通知統計。論理削除されていないレコードのみを集計する。
type Stats struct {
	// Total は通知の総数。
	Total int `json:"total"`
	// Unread は未読数。
	Unread int `json:"unread"`
	// HighPriority は優先度Highの件数。
	HighPriority int `json:"high_priority"`
	// Critical は優先度Criticalの件数。
	Critical int `json:"critical"`
	// ByCategory は種類ごとの件数。
	ByCategory map[Category]int `json:"by_type"`
	// ByPriority は優先度ごとの件数。
	ByPriority map[Priority]int `json:"by_priority"`
}

// NewStats は空の統計を生成する。
func NewStats() *Stats {
	return &Stats{
		ByCategory: make(map[Category]int),
		ByPriority: make(map[Priority]int),
	}
}

// Add は同じ(種類, 優先度, 既読)を持つcount件を集計に加える。
// ストア実装は1回の読み取り結果をこのメソッドで畳み込み、すべての集計値を同じスナップショットから得る。
func (s *Stats) Add(category Category, priority Priority, isRead bool, count int) {
	if count <= 0 {
		return
	}
	s.Total += count
	if !isRead {
		s.Unread += count
	}
	switch priority {
	case PriorityHigh:
		s.HighPriority += count
	case PriorityCritical:
		s.Critical += count
	}
	s.ByCategory[category] += count
	s.ByPriority[priority] += count
}
