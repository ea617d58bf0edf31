// Package repair はsecondaryからsecondaryへ連鎖したlinked_idを
// クラスタのプライマリへ直接付け替える修復ジョブを提供する。
// 過去データや中断された統合で残った連鎖を平坦化する。
package repair

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/idlink/internal/database"
	"github.com/hitoshi/idlink/internal/metrics"
)

// defaultMaxPasses は1回のRunで実行する平坦化UPDATEの上限回数。
// 1回のUPDATEで連鎖が1段ずつ短くなるため、これを超える場合は循環とみなす。
const defaultMaxPasses = 32

// ErrNotConverged は上限回数のUPDATEを実行しても連鎖が解消しなかった場合に返される。
var ErrNotConverged = errors.New("linked_idの連鎖が解消しませんでした")

// Executor はSQLのExecContextを抽象化するインターフェース。
// *sql.DB や *sql.Tx を受け付けることができる。
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// 親がsecondaryである行のlinked_idを親のlinked_idに置き換える。1回で1段進む。
const (
	postgresFlattenQuery = `UPDATE contacts AS c
SET linked_id = p.linked_id, updated_at = clock_timestamp()
FROM contacts AS p
WHERE c.linked_id = p.id
  AND c.deleted_at IS NULL
  AND p.link_precedence = 'secondary'
  AND p.linked_id IS NOT NULL`

	sqliteFlattenQuery = `UPDATE contacts
SET linked_id = (SELECT p.linked_id FROM contacts AS p WHERE p.id = contacts.linked_id),
    updated_at = ?
WHERE deleted_at IS NULL
  AND linked_id IN (
    SELECT id FROM contacts WHERE link_precedence = 'secondary' AND linked_id IS NOT NULL
  )`
)

// RepairJob はlinked_idの連鎖を平坦化するバッチジョブ。
// 冪等であり、修復対象がない場合は何も更新しない。
type RepairJob struct {
	db        Executor
	driver    database.Driver
	logger    *slog.Logger
	metrics   metrics.MetricsCollector
	now       func() time.Time
	MaxPasses int // 1回のRunで実行するUPDATEの上限（デフォルト: 32）
}

// NewRepairJob は新しいRepairJobを生成する。
// collectorがnilの場合は何も記録しない実装を使用する。
func NewRepairJob(db Executor, driver database.Driver, logger *slog.Logger, collector metrics.MetricsCollector) *RepairJob {
	if collector == nil {
		collector = metrics.NopCollector{}
	}
	return &RepairJob{
		db:        db,
		driver:    driver,
		logger:    logger,
		metrics:   collector,
		now:       time.Now,
		MaxPasses: defaultMaxPasses,
	}
}

// Run はUPDATEを更新件数が0になるまで繰り返し、付け替えた件数の合計を返す。
func (j *RepairJob) Run(ctx context.Context) (int64, error) {
	start := time.Now()

	var total int64
	for pass := 1; pass <= j.MaxPasses; pass++ {
		affected, err := j.flatten(ctx)
		if err != nil {
			j.logger.Error("linked_id修復ジョブの実行に失敗しました",
				slog.String("error", err.Error()),
				slog.Int("pass", pass),
				slog.Int64("repaired_count", total),
			)
			j.metrics.RecordLinksRepaired(int(total))
			return total, fmt.Errorf("linked_idの平坦化に失敗しました: %w", err)
		}
		if affected == 0 {
			j.metrics.RecordLinksRepaired(int(total))
			j.logger.Info("linked_id修復ジョブが完了しました",
				slog.Int64("repaired_count", total),
				slog.Int("passes", pass),
				slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
			)
			return total, nil
		}
		total += affected
	}

	j.metrics.RecordLinksRepaired(int(total))
	j.logger.Error("linked_id修復ジョブが収束しませんでした",
		slog.Int("max_passes", j.MaxPasses),
		slog.Int64("repaired_count", total),
	)
	return total, fmt.Errorf("%w: %d回のUPDATEを実行しました", ErrNotConverged, j.MaxPasses)
}

// Start は起動直後に1回Runを実行し、以降はinterval間隔で繰り返す。
// コンテキストがキャンセルされるまで実行を継続する。
func (j *RepairJob) Start(ctx context.Context, interval time.Duration) {
	j.logger.Info("linked_id修復ジョブを開始しました",
		slog.Duration("interval", interval),
	)

	j.Run(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			j.logger.Info("linked_id修復ジョブを停止しました")
			return
		case <-ticker.C:
			j.Run(ctx)
		}
	}
}

func (j *RepairJob) flatten(ctx context.Context) (int64, error) {
	var (
		result sql.Result
		err    error
	)
	switch j.driver {
	case database.DriverSQLite:
		result, err = j.db.ExecContext(ctx, sqliteFlattenQuery, j.now().UnixNano())
	default:
		result, err = j.db.ExecContext(ctx, postgresFlattenQuery)
	}
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
