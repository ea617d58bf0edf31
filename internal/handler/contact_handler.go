package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/idlink/internal/identity"
	"github.com/hitoshi/idlink/internal/model"
)

// ContactHandler は連絡先参照のHTTPハンドラー。
type ContactHandler struct {
	service IdentityServiceInterface
	timeout time.Duration
}

// NewContactHandler はContactHandlerを生成する。
// timeoutが0以下の場合はリクエストのコンテキストをそのまま使用する。
func NewContactHandler(service IdentityServiceInterface, timeout time.Duration) *ContactHandler {
	return &ContactHandler{
		service: service,
		timeout: timeout,
	}
}

// GetContact は連絡先が属するクラスタの統合結果を返す。
// GET /contacts/{id}
func (h *ContactHandler) GetContact(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidContactIDError(raw))
		return
	}

	ctx := r.Context()
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}

	result, err := h.service.Lookup(ctx, id)
	if err != nil {
		if errors.Is(err, identity.ErrContactNotFound) {
			writeAPIErrorResponse(w, http.StatusNotFound, model.NewContactNotFoundError(id))
			return
		}
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toIdentifyResponse(result))
}
