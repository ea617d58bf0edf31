package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hitoshi/idlink/internal/identity"
	"github.com/hitoshi/idlink/internal/middleware"
	"github.com/hitoshi/idlink/internal/model"
)

// maxIdentifyBodyBytes はPOST /identifyで受け付けるリクエストボディの上限。
const maxIdentifyBodyBytes = 64 << 10

// IdentityServiceInterface は識別解決ハンドラーが必要とするサービスインターフェース。
type IdentityServiceInterface interface {
	// Identify はemailと電話番号から連絡先クラスタを解決し、統合結果を返す。
	Identify(ctx context.Context, email, phoneNumber string) (*identity.Result, error)
	// Lookup は連絡先IDが属するクラスタの統合結果を返す。
	Lookup(ctx context.Context, id int64) (*identity.Result, error)
}

// IdentifyHandler は識別解決のHTTPハンドラー。
type IdentifyHandler struct {
	service IdentityServiceInterface
	timeout time.Duration
}

// NewIdentifyHandler はIdentifyHandlerを生成する。
// timeoutが0以下の場合はリクエストのコンテキストをそのまま使用する。
func NewIdentifyHandler(service IdentityServiceInterface, timeout time.Duration) *IdentifyHandler {
	return &IdentifyHandler{
		service: service,
		timeout: timeout,
	}
}

// identifyRequest はPOST /identifyのリクエストボディ。
// phoneNumberは文字列と数値の両方を受け付けるため生のJSONで受け取る。
type identifyRequest struct {
	Email       json.RawMessage `json:"email"`
	PhoneNumber json.RawMessage `json:"phoneNumber"`
}

// contactResponse は統合済み連絡先のAPIレスポンス。
type contactResponse struct {
	PrimaryContactID    int64    `json:"primaryContactId"`
	Emails              []string `json:"emails"`
	PhoneNumbers        []string `json:"phoneNumbers"`
	SecondaryContactIDs []int64  `json:"secondaryContactIds"`
}

// identifyResponse はPOST /identifyとGET /contacts/{id}のレスポンス。
type identifyResponse struct {
	Contact contactResponse `json:"contact"`
}

// Identify は識別解決を処理する。
// POST /identify
func (h *IdentifyHandler) Identify(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxIdentifyBodyBytes)

	var req identifyRequest
	if err := decodeSingleJSON(r.Body, &req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeAPIErrorResponse(w, http.StatusRequestEntityTooLarge, model.NewRequestTooLargeError(maxErr.Limit))
			return
		}
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError())
		return
	}

	email, ok := parseIdentifier(req.Email, false)
	if !ok {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError())
		return
	}
	phoneNumber, ok := parseIdentifier(req.PhoneNumber, true)
	if !ok {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError())
		return
	}
	if email == "" && phoneNumber == "" {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewIdentifierRequiredError())
		return
	}

	ctx := r.Context()
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}

	result, err := h.service.Identify(ctx, email, phoneNumber)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toIdentifyResponse(result))
}

// parseIdentifier はJSON値を識別子の文字列に変換する。
// 未指定とnullは空文字列、文字列は前後の空白を除去した値になる。
// allowNumberがtrueの場合は整数の数値リテラルもその表記のまま受け付ける。
func parseIdentifier(raw json.RawMessage, allowNumber bool) (string, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", true
	}

	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", false
		}
		return strings.TrimSpace(s), true
	}

	if !allowNumber || !isDigits(raw) {
		return "", false
	}
	return string(raw), true
}

func isDigits(b []byte) bool {
	for _, c := range b {
		if c < '0' || c > '9' {
			return false
		}
	}
	return len(b) > 0
}

func toIdentifyResponse(result *identity.Result) identifyResponse {
	resp := contactResponse{
		PrimaryContactID:    result.PrimaryContactID,
		Emails:              result.Emails,
		PhoneNumbers:        result.PhoneNumbers,
		SecondaryContactIDs: result.SecondaryContactIDs,
	}
	// 空配列はnullではなく[]として返す
	if resp.Emails == nil {
		resp.Emails = []string{}
	}
	if resp.PhoneNumbers == nil {
		resp.PhoneNumbers = []string{}
	}
	if resp.SecondaryContactIDs == nil {
		resp.SecondaryContactIDs = []int64{}
	}
	return identifyResponse{Contact: resp}
}

// errTrailingData はJSON値の後に余分なデータが続く場合のエラー。
var errTrailingData = errors.New("unexpected data after JSON body")

// decodeSingleJSON はbodyからJSON値を1つだけ読み取りvへ格納する。
// 値の後に空白以外のデータが続く場合はerrTrailingDataを返す。
func decodeSingleJSON(body io.Reader, v any) error {
	dec := json.NewDecoder(body)
	if err := dec.Decode(v); err != nil {
		return err
	}
	var extra json.RawMessage
	switch err := dec.Decode(&extra); {
	case errors.Is(err, io.EOF):
		return nil
	case err != nil:
		return err
	default:
		return errTrailingData
	}
}

// writeJSON はステータスコードとJSONボディを書き込む。
func writeJSON(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(body)
}

// writeAPIErrorResponse は統一エラーフォーマットでエラーレスポンスを書き込む。
func writeAPIErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	middleware.WriteErrorResponse(w, statusCode, apiErr)
}

// handleServiceError はサービス層から返されたエラーを適切なHTTPステータスコードに変換する。
// 内部エラーの詳細はログにのみ記録する。
func handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	requestID := middleware.RequestIDFromContext(r.Context())

	switch {
	case errors.Is(err, identity.ErrEmptyInput):
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewIdentifierRequiredError())
	case errors.Is(err, identity.ErrConflictExhausted):
		middleware.WriteRetryableError(w, http.StatusServiceUnavailable, 1, model.NewIdentityConflictError())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		slog.Warn("request cancelled",
			slog.String("request_id", requestID),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		middleware.WriteInternalServerError(w)
	default:
		slog.Error("internal server error",
			slog.String("request_id", requestID),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		middleware.WriteInternalServerError(w)
	}
}
