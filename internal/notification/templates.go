package notification

import (
	"context"
	"fmt"
	"strings"
)

// 各コンストラクタは型付きのパラメータから完全な通知を1件組み立てる純粋関数。
// 複数の関連通知が必要な場合は呼び出し側が Dispatch を複数回呼ぶ。

// systemSenderName はシステム発の通知の送信者名。
const systemSenderName = "システム"

// ApprovalRequestParams は承認依頼通知のパラメータ。
type ApprovalRequestParams struct {
	// RequestID は申請の識別子。
	RequestID string `json:"request_id" binding:"required"`
	// RequestType は申請の種類（例: 休暇申請）。
	RequestType string `json:"request_type" binding:"required"`
	// TargetUserID は通知先のユーザーID。
	TargetUserID string `json:"target_user_id" binding:"required"`
	// ApproverName は依頼者の表示名。
	ApproverName string `json:"approver_name" binding:"required"`
}

// NewApprovalRequest は承認依頼の通知を組み立てる。
func NewApprovalRequest(p ApprovalRequestParams) *Notification {
	return &Notification{
		Title:      fmt.Sprintf("新しい承認依頼 - %s", p.RequestType),
		Body:       fmt.Sprintf("%sさんから確認が必要な承認依頼が届いています", p.ApproverName),
		Category:   CategoryApprovalRequest,
		Priority:   PriorityHigh,
		SenderName: p.ApproverName,
		Target:     ToUser(p.TargetUserID),
		ActionURL:  fmt.Sprintf("/approvals/%s", p.RequestID),
		Metadata: Metadata{
			"RequestId":    p.RequestID,
			"RequestType":  p.RequestType,
			"ApproverName": p.ApproverName,
		},
	}
}

// ApprovalDecisionParams は承認・却下の結果通知のパラメータ。
type ApprovalDecisionParams struct {
	// RequestID は申請の識別子。
	RequestID string `json:"request_id" binding:"required"`
	// RequestType は申請の種類。
	RequestType string `json:"request_type" binding:"required"`
	// RequesterID は申請者のユーザーID。通知先になる。
	RequesterID string `json:"requester_id" binding:"required"`
	// ApproverName は判断した承認者の表示名。
	ApproverName string `json:"approver_name" binding:"required"`
	// Approved は承認ならtrue、却下ならfalse。
	Approved bool `json:"approved"`
	// Comments は承認者のコメント。
	Comments string `json:"comments"`
}

// NewApprovalDecision は承認・却下の結果通知を組み立てる。
func NewApprovalDecision(p ApprovalDecisionParams) *Notification {
	category := CategoryApprovalRejected
	verb := "却下"
	priority := PriorityHigh
	if p.Approved {
		category = CategoryApprovalApproved
		verb = "承認"
		priority = PriorityNormal
	}

	body := fmt.Sprintf("%sさんが%sを%sしました", p.ApproverName, p.RequestType, verb)
	if p.Comments != "" {
		body += fmt.Sprintf("（コメント: %s）", p.Comments)
	}

	meta := Metadata{
		"RequestId":    p.RequestID,
		"RequestType":  p.RequestType,
		"ApproverName": p.ApproverName,
		"Approved":     p.Approved,
	}
	if p.Comments != "" {
		meta["Comments"] = p.Comments
	}

	return &Notification{
		Title:      fmt.Sprintf("%sが%sされました", p.RequestType, verb),
		Body:       body,
		Category:   category,
		Priority:   priority,
		SenderName: p.ApproverName,
		Target:     ToUser(p.RequesterID),
		ActionURL:  fmt.Sprintf("/approvals/%s", p.RequestID),
		Metadata:   meta,
	}
}

// UserManagementParams はユーザー管理通知のパラメータ。
type UserManagementParams struct {
	// AffectedUserID は対象ユーザーのID。
	AffectedUserID string `json:"affected_user_id" binding:"required"`
	// AffectedUserName は対象ユーザーの表示名。
	AffectedUserName string `json:"affected_user_name" binding:"required"`
	// Category は UserCreated / UserUpdated / UserDeleted / UserRoleChanged のいずれか。
	Category Category `json:"type" binding:"required"`
	// AdminName は操作した管理者の表示名。
	AdminName string `json:"admin_name" binding:"required"`
	// TargetGroup は通知先グループ。空なら全体宛て。
	TargetGroup string `json:"target_group"`
}

// Validate はCategoryがユーザー管理の種類であることを確認する。
func (p UserManagementParams) Validate() error {
	switch p.Category {
	case CategoryUserCreated, CategoryUserUpdated, CategoryUserDeleted, CategoryUserRoleChanged:
		return nil
	}
	return fmt.Errorf("%w: ユーザー管理通知に使えない種類 %q", ErrInvalidNotification, p.Category)
}

// NewUserManagement はユーザー管理通知を組み立てる。
func NewUserManagement(p UserManagementParams) *Notification {
	var title, body string
	switch p.Category {
	case CategoryUserCreated:
		title = "新しいユーザーが作成されました"
		body = fmt.Sprintf("新しいユーザーが作成されました: %s", p.AffectedUserName)
	case CategoryUserUpdated:
		title = "ユーザー情報が更新されました"
		body = fmt.Sprintf("ユーザー情報が更新されました: %s", p.AffectedUserName)
	case CategoryUserDeleted:
		title = "ユーザーが削除されました"
		body = fmt.Sprintf("ユーザーが削除されました: %s", p.AffectedUserName)
	case CategoryUserRoleChanged:
		title = "ユーザーの権限が変更されました"
		body = fmt.Sprintf("ユーザーの権限が変更されました: %s", p.AffectedUserName)
	default:
		title = "ユーザー管理の変更"
		body = fmt.Sprintf("ユーザーが変更されました: %s", p.AffectedUserName)
	}

	target := ToEveryone()
	if p.TargetGroup != "" {
		target = ToGroup(p.TargetGroup)
	}

	return &Notification{
		Title:      title,
		Body:       body,
		Category:   p.Category,
		Priority:   PriorityHigh,
		SenderName: p.AdminName,
		Target:     target,
		ActionURL:  fmt.Sprintf("/users/%s", p.AffectedUserID),
		Metadata: Metadata{
			"AffectedUserId":   p.AffectedUserID,
			"AffectedUserName": p.AffectedUserName,
			"AdminName":        p.AdminName,
		},
	}
}

// DataChangeParams はデータ変更通知のパラメータ。
type DataChangeParams struct {
	// EntityType は変更されたエンティティの種類（例: Invoice）。
	EntityType string `json:"entity_type" binding:"required"`
	// EntityID は変更されたエンティティのID。
	EntityID string `json:"entity_id" binding:"required"`
	// ChangeType は Created / Updated / Deleted のいずれか。
	ChangeType string `json:"change_type" binding:"required"`
	// UserID は変更したユーザーのID。
	UserID string `json:"user_id" binding:"required"`
	// UserName は変更したユーザーの表示名。
	UserName string `json:"user_name" binding:"required"`
	// TargetGroup は通知先グループ。空なら全体宛て。
	TargetGroup string `json:"target_group"`
}

// NewDataChange はデータ変更通知を組み立てる。
func NewDataChange(p DataChangeParams) *Notification {
	var title, body string
	category := CategoryDataModified
	switch p.ChangeType {
	case "Created":
		category = CategoryDataCreated
		title = fmt.Sprintf("新しい%sが作成されました", p.EntityType)
		body = fmt.Sprintf("%sさんが新しい%sを作成しました", p.UserName, p.EntityType)
	case "Updated":
		title = fmt.Sprintf("%sが更新されました", p.EntityType)
		body = fmt.Sprintf("%sさんが%sを更新しました", p.UserName, p.EntityType)
	case "Deleted":
		category = CategoryDataDeleted
		title = fmt.Sprintf("%sが削除されました", p.EntityType)
		body = fmt.Sprintf("%sさんが%sを削除しました", p.UserName, p.EntityType)
	default:
		title = fmt.Sprintf("%sが変更されました", p.EntityType)
		body = fmt.Sprintf("%sさんが%sを変更しました", p.UserName, p.EntityType)
	}

	target := ToEveryone()
	if p.TargetGroup != "" {
		target = ToGroup(p.TargetGroup)
	}

	return &Notification{
		Title:      title,
		Body:       body,
		Category:   category,
		Priority:   PriorityNormal,
		SenderID:   p.UserID,
		SenderName: p.UserName,
		Target:     target,
		ActionURL:  fmt.Sprintf("/%s/%s", strings.ToLower(p.EntityType), p.EntityID),
		Metadata: Metadata{
			"EntityType": p.EntityType,
			"EntityId":   p.EntityID,
			"ChangeType": p.ChangeType,
			"UserId":     p.UserID,
			"UserName":   p.UserName,
		},
	}
}

// TaskParams はタスク通知のパラメータ。
type TaskParams struct {
	// TaskID はタスクの識別子。
	TaskID string `json:"task_id" binding:"required"`
	// TaskTitle はタスク名。
	TaskTitle string `json:"task_title" binding:"required"`
	// Category は TaskAssigned / TaskCompleted / TaskOverdue のいずれか。
	Category Category `json:"type" binding:"required"`
	// AssigneeID は通知先（担当者）のユーザーID。
	AssigneeID string `json:"assignee_id" binding:"required"`
	// AssignerName は割り当てた人の表示名。
	AssignerName string `json:"assigner_name"`
}

// Validate はCategoryがタスクの種類であることを確認する。
func (p TaskParams) Validate() error {
	switch p.Category {
	case CategoryTaskAssigned, CategoryTaskCompleted, CategoryTaskOverdue:
		return nil
	}
	return fmt.Errorf("%w: タスク通知に使えない種類 %q", ErrInvalidNotification, p.Category)
}

// NewTask はタスク通知を組み立てる。
func NewTask(p TaskParams) *Notification {
	var title, body string
	priority := PriorityNormal
	switch p.Category {
	case CategoryTaskAssigned:
		title = "新しいタスクが割り当てられました"
		body = fmt.Sprintf("%sさんからタスク「%s」が割り当てられました", p.AssignerName, p.TaskTitle)
	case CategoryTaskCompleted:
		title = "タスクが完了しました"
		body = fmt.Sprintf("タスク「%s」が完了しました", p.TaskTitle)
		priority = PriorityLow
	case CategoryTaskOverdue:
		title = "タスクの期限が過ぎています"
		body = fmt.Sprintf("タスク「%s」の期限が過ぎています", p.TaskTitle)
		priority = PriorityHigh
	default:
		title = "タスクの更新"
		body = fmt.Sprintf("タスク「%s」が更新されました", p.TaskTitle)
	}

	return &Notification{
		Title:      title,
		Body:       body,
		Category:   p.Category,
		Priority:   priority,
		SenderName: p.AssignerName,
		Target:     ToUser(p.AssigneeID),
		ActionURL:  fmt.Sprintf("/tasks/%s", p.TaskID),
		Metadata: Metadata{
			"TaskId":    p.TaskID,
			"TaskTitle": p.TaskTitle,
		},
	}
}

// SystemAlertParams はシステムアラートのパラメータ。
type SystemAlertParams struct {
	// Title はアラートのタイトル。
	Title string `json:"title" binding:"required"`
	// Message はアラートの本文。
	Message string `json:"message" binding:"required"`
	// Priority は優先度。ゼロ値ならHigh。
	Priority Priority `json:"priority"`
}

// NewSystemAlert は全体宛てのシステムアラートを組み立てる。
func NewSystemAlert(p SystemAlertParams) *Notification {
	priority := p.Priority
	if priority == 0 {
		priority = PriorityHigh
	}
	return &Notification{
		Title:      p.Title,
		Body:       p.Message,
		Category:   CategorySystemAlert,
		Priority:   priority,
		SenderName: systemSenderName,
		Target:     ToEveryone(),
		IconURL:    "/icons/system-alert.png",
	}
}

// SendApprovalRequest は承認依頼を組み立てて配信する。
func (d *Dispatcher) SendApprovalRequest(ctx context.Context, p ApprovalRequestParams) (*Result, error) {
	return d.Dispatch(ctx, NewApprovalRequest(p))
}

// SendApprovalDecision は承認・却下の結果を組み立てて配信する。
func (d *Dispatcher) SendApprovalDecision(ctx context.Context, p ApprovalDecisionParams) (*Result, error) {
	return d.Dispatch(ctx, NewApprovalDecision(p))
}

// SendUserManagement はユーザー管理通知を組み立てて配信する。
func (d *Dispatcher) SendUserManagement(ctx context.Context, p UserManagementParams) (*Result, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return d.Dispatch(ctx, NewUserManagement(p))
}

// SendDataChange はデータ変更通知を組み立てて配信する。
func (d *Dispatcher) SendDataChange(ctx context.Context, p DataChangeParams) (*Result, error) {
	return d.Dispatch(ctx, NewDataChange(p))
}

// SendTask はタスク通知を組み立てて配信する。
func (d *Dispatcher) SendTask(ctx context.Context, p TaskParams) (*Result, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return d.Dispatch(ctx, NewTask(p))
}

// SendSystemAlert はシステムアラートを組み立てて配信する。
func (d *Dispatcher) SendSystemAlert(ctx context.Context, p SystemAlertParams) (*Result, error) {
	return d.Dispatch(ctx, NewSystemAlert(p))
}
