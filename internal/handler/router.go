// Package handler はHTTPハンドラーとルーティングを提供する。
package handler

import (
	"log/slog"
	"net/http"
	"net/netip"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/idlink/internal/metrics"
	"github.com/hitoshi/idlink/internal/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Logger            *slog.Logger
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
	TrustedProxies    []netip.Prefix

	// メトリクス
	Metrics         metrics.MetricsCollector
	MetricsGatherer prometheus.Gatherer

	// 識別解決
	IdentityService IdentityServiceInterface
	IdentifyTimeout time.Duration

	// ヘルスチェック
	HealthChecker HealthChecker
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	TrustedRealIP → RequestID → HTTPStatus(metrics) → Logging → Recovery → SecurityHeaders → CORS
//
// 転送ヘッダーはTrustedProxiesからの接続に限り採用する。
// レート制限はPOST /identifyとGET /contacts/{id}に適用する。
func NewRouter(deps *RouterDeps) http.Handler {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	collector := deps.Metrics
	if collector == nil {
		collector = metrics.NopCollector{}
	}

	r := chi.NewRouter()

	r.Use(middleware.NewTrustedRealIPMiddleware(deps.TrustedProxies))
	r.Use(middleware.NewRequestIDMiddleware())
	r.Use(metrics.NewHTTPStatusMiddleware(collector))
	r.Use(middleware.NewLoggingMiddleware(log))
	r.Use(middleware.NewRecoveryMiddleware(log))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	identifyHandler := NewIdentifyHandler(deps.IdentityService, deps.IdentifyTimeout)
	contactHandler := NewContactHandler(deps.IdentityService, deps.IdentifyTimeout)

	r.Group(func(r chi.Router) {
		if deps.RateLimiter != nil {
			r.Use(deps.RateLimiter.Middleware())
		}
		r.Post("/identify", identifyHandler.Identify)
		r.Get("/contacts/{id}", contactHandler.GetContact)
	})

	if deps.HealthChecker != nil {
		r.Get("/health", NewHealthHandler(deps.HealthChecker))
	}
	if deps.MetricsGatherer != nil {
		r.Handle("/metrics", metrics.Handler(deps.MetricsGatherer))
	}

	return r
}
