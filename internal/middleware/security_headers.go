package middleware

import "net/http"

// apiSecurityHeaders はすべての応答に付与する固定ヘッダー。
// 応答はJSONのみで、識別結果にはメールアドレスと電話番号が含まれる。
var apiSecurityHeaders = [...]struct {
	name  string
	value string
}{
	{"X-Content-Type-Options", "nosniff"},
	{"X-Frame-Options", "DENY"},
	{"Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'"},
	{"Referrer-Policy", "no-referrer"},
	// 連絡先情報を共有キャッシュやブラウザに残さない
	{"Cache-Control", "no-store"},
}

// NewSecurityHeadersMiddleware はapiSecurityHeadersを応答に設定するミドルウェアを返す。
func NewSecurityHeadersMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			for _, sh := range apiSecurityHeaders {
				h.Set(sh.name, sh.value)
			}
			next.ServeHTTP(w, r)
		})
	}
}
