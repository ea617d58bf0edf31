package identity

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyInput はemailとphoneNumberの両方が空の場合に返される。
	// ハンドラーで事前に弾くべき入力であり、ストアには到達しない。
	ErrEmptyInput = errors.New("emailまたはphoneNumberのいずれかが必要です")

	// ErrStore は連絡先ストアの操作が失敗したことを示す。
	// 元のエラーは同時にラップされ、errors.Is/errors.Asで参照できる。
	ErrStore = errors.New("連絡先ストアの操作に失敗しました")

	// ErrInconsistentCluster はlinked_idの参照先が存在しない、または循環している場合に返される。
	// 常にErrStoreと併せてラップされる。
	ErrInconsistentCluster = errors.New("クラスタの整合性が崩れています")

	// ErrContactNotFound は指定IDの連絡先が存在しない場合に返される。
	ErrContactNotFound = errors.New("連絡先が見つかりません")

	// ErrConflictExhausted は競合による再実行が上限回数に達した場合に返される。
	ErrConflictExhausted = errors.New("同時更新が収束しませんでした")
)

// storeFailure はストア操作のエラーをErrStoreでラップする。
func storeFailure(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStore, op, err)
}

// inconsistent はクラスタ不整合をErrStoreとErrInconsistentClusterの両方でラップする。
func inconsistent(format string, args ...any) error {
	return fmt.Errorf("%w: %w: %s", ErrStore, ErrInconsistentCluster, fmt.Sprintf(format, args...))
}
