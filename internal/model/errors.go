// Package model はドメインモデルを定義する。
package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// クライアントに返す原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: validation, identity, system
	Action   string // クライアント向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeInvalidRequest     = "INVALID_REQUEST"
	ErrCodeRequestTooLarge    = "REQUEST_TOO_LARGE"
	ErrCodeIdentifierRequired = "IDENTIFIER_REQUIRED"
	ErrCodeInvalidContactID   = "INVALID_CONTACT_ID"
	ErrCodeContactNotFound    = "CONTACT_NOT_FOUND"
	ErrCodeIdentityConflict   = "IDENTITY_CONFLICT"
	ErrCodeRateLimitExceeded  = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternal           = "INTERNAL_ERROR"
)

// NewInvalidRequestError はリクエストボディの解析失敗エラーを生成する。
func NewInvalidRequestError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  "リクエストボディの解析に失敗しました。",
		Category: "validation",
		Action:   "正しいJSON形式でリクエストしてください。",
	}
}

// NewRequestTooLargeError はリクエストボディが上限バイト数を超えた場合のエラーを生成する。
func NewRequestTooLargeError(limit int64) *APIError {
	return &APIError{
		Code:     ErrCodeRequestTooLarge,
		Message:  fmt.Sprintf("リクエストボディが上限(%dバイト)を超えています。", limit),
		Category: "validation",
		Action:   "emailとphoneNumberのみを含むJSONを送信してください。",
	}
}

// NewIdentifierRequiredError はemailとphoneNumberが両方とも未指定の場合のエラーを生成する。
func NewIdentifierRequiredError() *APIError {
	return &APIError{
		Code:     ErrCodeIdentifierRequired,
		Message:  "emailまたはphoneNumberのいずれかを指定する必要があります。",
		Category: "validation",
		Action:   "emailとphoneNumberの少なくとも一方を指定してください。",
	}
}

// NewInvalidContactIDError は連絡先IDの形式が不正な場合のエラーを生成する。
func NewInvalidContactIDError(raw string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidContactID,
		Message:  fmt.Sprintf("無効な連絡先IDです: %s", raw),
		Category: "validation",
		Action:   "連絡先IDには正の整数を指定してください。",
	}
}

// NewContactNotFoundError は連絡先が見つからない場合のエラーを生成する。
func NewContactNotFoundError(id int64) *APIError {
	return &APIError{
		Code:     ErrCodeContactNotFound,
		Message:  fmt.Sprintf("指定された連絡先が見つかりません: %d", id),
		Category: "identity",
		Action:   "連絡先IDを確認してください。",
	}
}

// NewIdentityConflictError は同時更新の競合が解消できなかった場合のエラーを生成する。
func NewIdentityConflictError() *APIError {
	return &APIError{
		Code:     ErrCodeIdentityConflict,
		Message:  "同じ識別子に対する更新が競合しました。",
		Category: "identity",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewRateLimitedError はレート制限超過時のエラーを生成する。
func NewRateLimitedError() *APIError {
	return &APIError{
		Code:     ErrCodeRateLimitExceeded,
		Message:  "リクエストが多すぎます。",
		Category: "system",
		Action:   "Retry-Afterヘッダーの秒数だけ待ってから再度お試しください。",
	}
}

// NewInternalError は内部エラーを生成する。
// 詳細はログにのみ記録し、クライアントには一般的なメッセージを返す。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}
