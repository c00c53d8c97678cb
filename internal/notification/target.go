package notification

import (
	"encoding/json"
	"fmt"
)

// TargetKind は宛先の種類。
type TargetKind uint8

const (
	// TargetUser は単一ユーザー宛て。
	TargetUser TargetKind = iota + 1
	// TargetGroup はグループ宛て。
	TargetGroup
	// TargetBroadcast は接続中の全員宛て。
	TargetBroadcast
)

// String は宛先種別の名前を返す。
func (k TargetKind) String() string {
	switch k {
	case TargetUser:
		return "user"
	case TargetGroup:
		return "group"
	case TargetBroadcast:
		return "broadcast"
	default:
		return "unknown"
	}
}

// Target は通知の宛先。User | Group | Broadcast のタグ付き共用体。
// ゼロ値はどの宛先も選ばれていない状態で、Validate は ErrMalformedTarget を返す。
type Target struct {
	kind TargetKind
	name string
}

// ToUser は単一ユーザー宛ての宛先を返す。
func ToUser(userID string) Target {
	return Target{kind: TargetUser, name: userID}
}

// ToGroup はグループ宛ての宛先を返す。
func ToGroup(groupName string) Target {
	return Target{kind: TargetGroup, name: groupName}
}

// ToEveryone は全体宛ての宛先を返す。
func ToEveryone() Target {
	return Target{kind: TargetBroadcast}
}

// ParseTarget はリクエストの3つの宛先フィールドから宛先を組み立てる。
// ちょうど1つだけが指定されていなければ ErrMalformedTarget を返す。
func ParseTarget(userID, groupName string, broadcast bool) (Target, error) {
	set := 0
	if userID != "" {
		set++
	}
	if groupName != "" {
		set++
	}
	if broadcast {
		set++
	}
	if set != 1 {
		return Target{}, fmt.Errorf("%w: %d個の宛先が指定されています", ErrMalformedTarget, set)
	}

	switch {
	case userID != "":
		return ToUser(userID), nil
	case groupName != "":
		return ToGroup(groupName), nil
	default:
		return ToEveryone(), nil
	}
}

// Kind は宛先の種類を返す。
func (t Target) Kind() TargetKind { return t.kind }

// UserID は宛先ユーザーIDを返す。ユーザー宛てでなければ空文字列。
func (t Target) UserID() string {
	if t.kind != TargetUser {
		return ""
	}
	return t.name
}

// Group は宛先グループ名を返す。グループ宛てでなければ空文字列。
func (t Target) Group() string {
	if t.kind != TargetGroup {
		return ""
	}
	return t.name
}

// Validate は宛先がちょうど1つに定まっているかを検証する。
func (t Target) Validate() error {
	switch t.kind {
	case TargetUser, TargetGroup:
		if t.name == "" {
			return fmt.Errorf("%w: %s宛ての名前が空です", ErrMalformedTarget, t.kind)
		}
		return nil
	case TargetBroadcast:
		if t.name != "" {
			return fmt.Errorf("%w: 全体宛てに名前が指定されています", ErrMalformedTarget)
		}
		return nil
	default:
		return fmt.Errorf("%w: 宛先が指定されていません", ErrMalformedTarget)
	}
}

// String はログ出力用の表現を返す。
func (t Target) String() string {
	if t.kind == TargetBroadcast {
		return t.kind.String()
	}
	return t.kind.String() + ":" + t.name
}

// targetJSON はTargetのJSON表現。
type targetJSON struct {
	Kind  string `json:"kind"`
	User  string `json:"user_id,omitempty"`
	Group string `json:"group,omitempty"`
}

// MarshalJSON は宛先をJSONにエンコードする。
func (t Target) MarshalJSON() ([]byte, error) {
	return json.Marshal(targetJSON{
		Kind:  t.kind.String(),
		User:  t.UserID(),
		Group: t.Group(),
	})
}

// UnmarshalJSON はJSONから宛先を復元する。
func (t *Target) UnmarshalJSON(data []byte) error {
	var raw targetJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := ParseTarget(raw.User, raw.Group, raw.Kind == TargetBroadcast.String())
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}
