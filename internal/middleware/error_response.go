package middleware

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/hitoshi/idlink/internal/model"
)

// ErrorResponseBody は/identifyと/contacts/{id}が返すエラーのJSON表現。
type ErrorResponseBody struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Category string `json:"category"`
	Action   string `json:"action"`
}

// WriteErrorResponse はapiErrをErrorResponseBodyとして書き込む。
// apiErrがnilの場合はINTERNAL_ERRORに置き換える。
func WriteErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	if apiErr == nil {
		apiErr = model.NewInternalError()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	err := json.NewEncoder(w).Encode(ErrorResponseBody{
		Code:     apiErr.Code,
		Message:  apiErr.Message,
		Category: apiErr.Category,
		Action:   apiErr.Action,
	})
	if err != nil {
		slog.Debug("failed to write error response", slog.String("code", apiErr.Code), slog.String("error", err.Error()))
	}
}

// WriteRetryableError はRetry-Afterヘッダー付きでエラーを書き込む。
// 429のレート制限と503の識別競合で使う。retryAfterSecが1未満の場合は1秒とする。
func WriteRetryableError(w http.ResponseWriter, statusCode int, retryAfterSec int, apiErr *model.APIError) {
	if retryAfterSec < 1 {
		retryAfterSec = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSec))
	WriteErrorResponse(w, statusCode, apiErr)
}

// WriteInternalServerError はINTERNAL_ERRORの500を書き込む。原因はログにのみ残す。
func WriteInternalServerError(w http.ResponseWriter) {
	WriteErrorResponse(w, http.StatusInternalServerError, model.NewInternalError())
}
