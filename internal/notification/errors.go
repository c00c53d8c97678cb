package notification

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedTarget は宛先が「ユーザー」「グループ」「全体」のちょうど1つになっていないことを表す。
	// 副作用が発生する前に返される。
	ErrMalformedTarget = errors.New("宛先の指定が不正です")
	// ErrInvalidNotification は宛先以外の通知の内容が不正であることを表す。
	ErrInvalidNotification = errors.New("通知の内容が不正です")
	// ErrNotFound は(通知, ユーザー)の既読レコードが存在しないか、論理削除済みであることを表す。
	ErrNotFound = errors.New("通知が見つかりません")
	// ErrStoreUnavailable はNotification Storeへの書き込み・読み込みが失敗したことを表す。
	ErrStoreUnavailable = errors.New("通知ストアが利用できません")
	// ErrInvalidPage はページ番号またはページサイズが正の整数でないことを表す。
	ErrInvalidPage = errors.New("ページ指定が不正です")
)

// storeError はストア由来のエラーを ErrStoreUnavailable でラップする。
func storeError(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}
