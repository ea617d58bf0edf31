// Package identity は部分的な識別子（emailと電話番号）から人物を特定する
// 識別解決のドメインロジックを提供する。
package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/idlink/internal/logger"
	"github.com/hitoshi/idlink/internal/metrics"
	"github.com/hitoshi/idlink/internal/model"
	"github.com/hitoshi/idlink/internal/repository"
)

// Service は識別解決のサービス層。
// 1回のIdentifyは1つのストアトランザクション内で実行され、
// 競合が検出された場合はトランザクション全体を指数バックオフで再実行する。
type Service struct {
	store       repository.ContactStore
	metrics     metrics.MetricsCollector
	logger      *slog.Logger
	maxAttempts int
	sleep       func(ctx context.Context, d time.Duration) error
}

// NewService はServiceの新しいインスタンスを生成する。
// maxAttemptsが0以下の場合はデフォルト値3を使用する。
// collectorとlogがnilの場合はそれぞれ何も記録しない実装とslog.Default()を使用する。
func NewService(
	store repository.ContactStore,
	collector metrics.MetricsCollector,
	log *slog.Logger,
	maxAttempts int,
) *Service {
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	if collector == nil {
		collector = metrics.NopCollector{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		store:       store,
		metrics:     collector,
		logger:      log,
		maxAttempts: maxAttempts,
		sleep:       sleepContext,
	}
}

// Identify はemailとphoneNumberに一致する連絡先クラスタを解決し、統合結果を返す。
// 空文字列は未指定として扱い、値はそのまま保存・比較する。
// 一致するレコードがなければプライマリを作成し、複数のクラスタに一致すれば
// 最も古いプライマリに統合し、クラスタにない値を含む場合はsecondaryを1件作成する。
func (s *Service) Identify(ctx context.Context, email, phoneNumber string) (*Result, error) {
	if email == "" && phoneNumber == "" {
		return nil, ErrEmptyInput
	}

	start := time.Now()
	keys := make([]string, 0, 2)
	if email != "" {
		keys = append(keys, repository.EmailKey(email))
	}
	if phoneNumber != "" {
		keys = append(keys, repository.PhoneKey(phoneNumber))
	}

	var res *resolution
	err := s.withRetry(ctx, "identify", func() error {
		return s.store.WithinIdentifierLock(ctx, keys, func(ctx context.Context, repo repository.ContactRepository) error {
			r, err := resolve(ctx, repo, email, phoneNumber)
			if err != nil {
				return err
			}
			res = r
			return nil
		})
	})
	s.metrics.RecordIdentifyLatency(time.Since(start))

	if err != nil {
		if errors.Is(err, ErrConflictExhausted) {
			s.metrics.RecordIdentifyOutcome(metrics.OutcomeConflict)
		} else {
			s.metrics.RecordIdentifyOutcome(metrics.OutcomeError)
		}
		s.logger.Error("識別解決に失敗しました",
			slog.String("email", logger.MaskEmail(email)),
			slog.String("phone_number", logger.MaskPhone(phoneNumber)),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	s.recordResolution(res)
	s.logger.Info("識別解決が完了しました",
		slog.String("outcome", res.outcome),
		slog.Int64("primary_contact_id", res.result.PrimaryContactID),
		slog.Int("secondary_count", len(res.result.SecondaryContactIDs)),
		slog.Int("merged", res.merged),
		slog.Int("relinked", res.relinked),
	)
	return res.result, nil
}

// Lookup は指定IDの連絡先が属するクラスタの統合結果を返す。書き込みは行わない。
// 連絡先が存在しない場合はErrContactNotFoundを返す。
func (s *Service) Lookup(ctx context.Context, id int64) (*Result, error) {
	var result *Result
	err := s.withRetry(ctx, "lookup", func() error {
		r, err := lookup(ctx, s.store, id)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	if err != nil {
		if !errors.Is(err, ErrContactNotFound) {
			s.logger.Error("連絡先クラスタの取得に失敗しました",
				slog.Int64("contact_id", id),
				slog.String("error", err.Error()),
			)
		}
		return nil, err
	}
	return result, nil
}

// withRetry はfnを実行し、再実行可能なエラーの場合は最大maxAttempts回まで
// 指数バックオフを挟んで再実行する。
// 再実行不能なエラーはErrStoreでラップされていなければラップして返す。
func (s *Service) withRetry(ctx context.Context, op string, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < s.maxAttempts; attempt++ {
		if attempt > 0 {
			s.metrics.RecordRetry()
			delay := CalculateBackoff(attempt - 1)
			s.logger.Warn("競合を検出したため再実行します",
				slog.String("operation", op),
				slog.Int("attempt", attempt+1),
				slog.Duration("backoff", delay),
				slog.String("error", lastErr.Error()),
			)
			if err := s.sleep(ctx, delay); err != nil {
				return err
			}
		}

		err := fn()
		if err == nil {
			return nil
		}
		if !repository.IsRetryable(err) || ctx.Err() != nil {
			return classify(err)
		}
		lastErr = err
	}
	return fmt.Errorf("%w: %d回試行しました: %w", ErrConflictExhausted, s.maxAttempts, lastErr)
}

// classify は再実行不能なエラーを呼び出し側が判別できる形に整える。
func classify(err error) error {
	switch {
	case errors.Is(err, ErrContactNotFound), errors.Is(err, ErrStore), errors.Is(err, ErrEmptyInput):
		return err
	default:
		return storeFailure("トランザクションの実行に失敗しました", err)
	}
}

// recordResolution はコミット済みの識別結果をメトリクスに記録する。
func (s *Service) recordResolution(res *resolution) {
	s.metrics.RecordIdentifyOutcome(res.outcome)
	if res.created != nil {
		s.metrics.RecordContactCreated(string(res.created.LinkPrecedence))
	}
	if res.merged > 0 {
		s.metrics.RecordClustersMerged(res.merged)
		s.metrics.RecordSecondariesRelinked(res.relinked)
	}
	if res.created != nil && res.created.LinkPrecedence == model.LinkPrecedenceSecondary {
		s.logger.Debug("secondary連絡先を作成しました",
			slog.Int64("contact_id", res.created.ID),
			slog.Int64("primary_contact_id", res.result.PrimaryContactID),
		)
	}
}
