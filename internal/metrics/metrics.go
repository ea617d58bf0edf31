// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Identifyの結果分類
const (
	OutcomeCreatedPrimary   = "created_primary"
	OutcomeCreatedSecondary = "created_secondary"
	OutcomeMerged           = "merged"
	OutcomeUnchanged        = "unchanged"
	OutcomeConflict         = "conflict"
	OutcomeError            = "error"
)

// MetricsCollector はメトリクス収集のインターフェース。
// 識別サービスやHTTPミドルウェアから利用する。
type MetricsCollector interface {
	RecordIdentifyOutcome(outcome string)
	RecordContactCreated(precedence string)
	RecordClustersMerged(count int)
	RecordSecondariesRelinked(count int)
	RecordRetry()
	RecordIdentifyLatency(duration time.Duration)
	RecordHTTPStatus(statusCode int)
	RecordLinksRepaired(count int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	identifyTotal   *prometheus.CounterVec
	contactsCreated *prometheus.CounterVec
	clustersMerged  prometheus.Counter
	relinked        prometheus.Counter
	retries         prometheus.Counter
	identifyLatency prometheus.Histogram
	httpStatus      *prometheus.CounterVec
	linksRepaired   prometheus.Counter
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		identifyTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "idlink_identify_total",
			Help: "結果分類別のidentify処理数",
		}, []string{"outcome"}),
		contactsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "idlink_contacts_created_total",
			Help: "link_precedence別の連絡先レコード作成数",
		}, []string{"link_precedence"}),
		clustersMerged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "idlink_clusters_merged_total",
			Help: "別クラスタのプライマリを降格して統合した合計数",
		}),
		relinked: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "idlink_secondaries_relinked_total",
			Help: "クラスタ統合時に付け替えたsecondaryの合計数",
		}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "idlink_identify_retries_total",
			Help: "競合によるidentifyトランザクションの再実行数",
		}),
		identifyLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "idlink_identify_latency_seconds",
			Help:    "identify処理のレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "idlink_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		linksRepaired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "idlink_links_repaired_total",
			Help: "修復ジョブが付け替えたlinked_idの合計数",
		}),
	}

	reg.MustRegister(
		c.identifyTotal,
		c.contactsCreated,
		c.clustersMerged,
		c.relinked,
		c.retries,
		c.identifyLatency,
		c.httpStatus,
		c.linksRepaired,
	)

	return c
}

// RecordIdentifyOutcome はidentify処理の結果を記録する。
func (c *Collector) RecordIdentifyOutcome(outcome string) {
	c.identifyTotal.WithLabelValues(outcome).Inc()
}

// RecordContactCreated は連絡先レコードの作成を記録する。
func (c *Collector) RecordContactCreated(precedence string) {
	c.contactsCreated.WithLabelValues(precedence).Inc()
}

// RecordClustersMerged はクラスタ統合数を記録する。
func (c *Collector) RecordClustersMerged(count int) {
	c.clustersMerged.Add(float64(count))
}

// RecordSecondariesRelinked は付け替えたsecondary数を記録する。
func (c *Collector) RecordSecondariesRelinked(count int) {
	c.relinked.Add(float64(count))
}

// RecordRetry はトランザクションの再実行を記録する。
func (c *Collector) RecordRetry() {
	c.retries.Inc()
}

// RecordIdentifyLatency はidentify処理のレイテンシを記録する。
func (c *Collector) RecordIdentifyLatency(duration time.Duration) {
	c.identifyLatency.Observe(duration.Seconds())
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordLinksRepaired は修復ジョブが付け替えたlinked_id数を記録する。
func (c *Collector) RecordLinksRepaired(count int) {
	c.linksRepaired.Add(float64(count))
}

// NopCollector は何も記録しないMetricsCollector。
// メトリクスを必要としないテストやジョブで使用する。
type NopCollector struct{}

func (NopCollector) RecordIdentifyOutcome(string)        {}
func (NopCollector) RecordContactCreated(string)         {}
func (NopCollector) RecordClustersMerged(int)            {}
func (NopCollector) RecordSecondariesRelinked(int)       {}
func (NopCollector) RecordRetry()                        {}
func (NopCollector) RecordIdentifyLatency(time.Duration) {}
func (NopCollector) RecordHTTPStatus(int)                {}
func (NopCollector) RecordLinksRepaired(int)             {}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// NewHTTPStatusMiddleware はレスポンスのステータスコードを記録するミドルウェアを返す。
func NewHTTPStatusMiddleware(collector MetricsCollector) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rec, r)
			collector.RecordHTTPStatus(rec.statusCode)
		})
	}
}

// statusRecorder はhttp.ResponseWriterをラップし、最初に書き込まれたステータスコードを記録する。
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (sr *statusRecorder) WriteHeader(code int) {
	if !sr.written {
		sr.statusCode = code
		sr.written = true
	}
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if !sr.written {
		sr.written = true
	}
	return sr.ResponseWriter.Write(b)
}

// compile-time interface checks
var _ MetricsCollector = (*Collector)(nil)
var _ MetricsCollector = NopCollector{}
