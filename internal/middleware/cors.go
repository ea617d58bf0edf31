package middleware

import "net/http"

const (
	corsAllowMethods = "GET, POST, OPTIONS"
	corsMaxAge       = "86400"
)

// NewCORSMiddleware はブラウザから/identifyと/contacts/{id}を呼び出すためのCORSミドルウェアを返す。
//
// クライアントにはX-Request-IDとRetry-Afterを公開する。
// allowedOriginが"*"以外の場合はcredentialsを許可し、Vary: Originを付与する。
// OPTIONSには後続ハンドラーを呼ばずに204で応答する。
func NewCORSMiddleware(allowedOrigin string) func(next http.Handler) http.Handler {
	wildcard := allowedOrigin == "*"
	allowHeaders := "Content-Type, " + RequestIDHeader
	exposeHeaders := RequestIDHeader + ", Retry-After"

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", allowedOrigin)
			h.Set("Access-Control-Allow-Methods", corsAllowMethods)
			h.Set("Access-Control-Allow-Headers", allowHeaders)
			h.Set("Access-Control-Expose-Headers", exposeHeaders)
			h.Set("Access-Control-Max-Age", corsMaxAge)
			if !wildcard {
				h.Set("Access-Control-Allow-Credentials", "true")
				h.Add("Vary", "Origin")
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
