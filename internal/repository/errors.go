package repository

import (
	"errors"
	"sort"
	"strings"

	"github.com/lib/pq"
)

// ErrConflict は条件付き更新が競合により適用されなかったことを示す。
// 呼び出し側はトランザクション全体を再実行できる。
var ErrConflict = errors.New("repository: concurrent update conflict")

// PostgreSQLのリトライ可能なSQLSTATE
const (
	pqSerializationFailure pq.ErrorCode = "40001"
	pqDeadlockDetected     pq.ErrorCode = "40P01"
	pqLockNotAvailable     pq.ErrorCode = "55P03"
)

// IsRetryable はトランザクションの再実行で解消し得るエラーかどうかを判定する。
// ErrConflictに加え、PostgreSQLのシリアライズ失敗とデッドロック検出を対象とする。
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrConflict) {
		return true
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case pqSerializationFailure, pqDeadlockDetected, pqLockNotAvailable:
			return true
		}
	}
	return false
}

// EmailKey はemailの排他ロックキーを返す。
func EmailKey(email string) string {
	return "email:" + email
}

// PhoneKey はphone_numberの排他ロックキーを返す。
func PhoneKey(phoneNumber string) string {
	return "phone:" + phoneNumber
}

// normalizeLockKeys はロックキーから空・重複を除き、昇順に並べる。
// 全トランザクションが同じ順序でロックを取得することでデッドロックを避ける。
func normalizeLockKeys(keys []string) []string {
	seen := make(map[string]bool, len(keys))
	result := make([]string, 0, len(keys))
	for _, k := range keys {
		if strings.TrimSpace(k) == "" || seen[k] {
			continue
		}
		seen[k] = true
		result = append(result, k)
	}
	sort.Strings(result)
	return result
}
