// Package app はコマンドライン引数に応じてAPIサーバー、ワーカー、
// マイグレーション、ヘルスチェックを起動するエントリーポイントを提供する。
package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/idlink/internal/config"
	"github.com/hitoshi/idlink/internal/database"
	"github.com/hitoshi/idlink/internal/handler"
	"github.com/hitoshi/idlink/internal/identity"
	"github.com/hitoshi/idlink/internal/logger"
	"github.com/hitoshi/idlink/internal/metrics"
	"github.com/hitoshi/idlink/internal/middleware"
	"github.com/hitoshi/idlink/internal/repository"
	"github.com/hitoshi/idlink/internal/worker/repair"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// shutdownTimeout はグレースフルシャットダウンの待ち時間。
const shutdownTimeout = 30 * time.Second

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. .envファイルがあれば環境変数に取り込む（既存の値は上書きしない）
	if loaded, err := config.LoadEnvFile(""); err != nil {
		return nil, err
	} else if loaded {
		slog.Info("env file loaded")
	}

	// 3. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 4. LOG_LEVELを反映する
	logger.SetupDefaultWithLevel(w, logger.ParseLevel(cfg.LogLevel))

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("driver", string(database.DetectDriver(cfg.DatabaseURL))),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case CommandWorker:
		return runWorker(ctx, cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(ctx, cfg)
	}
}

// openDatabase はDATABASE_URLのスキームに応じてDB接続を開き、疎通を確認する。
// SQLiteは接続ごとにスキーマを持つため、開いた直後にマイグレーションを適用する。
func openDatabase(cfg *config.Config) (*sql.DB, database.Driver, error) {
	driver := database.DetectDriver(cfg.DatabaseURL)

	switch driver {
	case database.DriverSQLite:
		db, err := database.OpenSQLite(cfg.DatabaseURL)
		if err != nil {
			return nil, driver, err
		}
		if err := database.RunSQLiteMigrations(db); err != nil {
			db.Close()
			return nil, driver, fmt.Errorf("failed to migrate sqlite database: %w", err)
		}
		return db, driver, nil
	default:
		db, err := database.Open(cfg.DatabaseURL)
		if err != nil {
			return nil, driver, err
		}
		db.SetMaxOpenConns(cfg.DBMaxOpenConns)
		db.SetMaxIdleConns(cfg.DBMaxOpenConns)
		if err := db.Ping(); err != nil {
			db.Close()
			return nil, driver, fmt.Errorf("failed to connect to database: %w", err)
		}
		return db, driver, nil
	}
}

// newContactStore はドライバに対応する連絡先ストアを生成する。
func newContactStore(db *sql.DB, driver database.Driver) repository.ContactStore {
	if driver == database.DriverSQLite {
		return repository.NewSQLiteContactRepo(db)
	}
	return repository.NewPostgresContactRepo(db)
}

// newRegistry はGoランタイムとプロセスのメトリクスを含むレジストリを生成する。
func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// newAPIRouter は全依存関係をワイヤリングしたAPIルーターを返す。
// 戻り値の関数はレート制限のバックグラウンド処理を停止する。
func newAPIRouter(cfg *config.Config, db *sql.DB, driver database.Driver, reg *prometheus.Registry) (http.Handler, func()) {
	collector := metrics.NewCollector(reg)
	store := newContactStore(db, driver)
	service := identity.NewService(store, collector, slog.Default(), cfg.IdentifyMaxAttempts)

	// configのRATE_LIMIT_IDENTIFYはreq/min単位なのでreq/secに変換する
	rateLimiterCfg := middleware.DefaultRateLimiterConfig()
	rateLimiterCfg.Rate = rate.Limit(float64(cfg.RateLimitIdentify) / 60.0)
	rateLimiterCfg.Burst = cfg.RateLimitBurst
	rateLimiter := middleware.NewRateLimiter(rateLimiterCfg)

	router := handler.NewRouter(&handler.RouterDeps{
		Logger:            slog.Default(),
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       rateLimiter,
		TrustedProxies:    cfg.TrustedProxies,
		Metrics:           collector,
		MetricsGatherer:   reg,
		IdentityService:   service,
		IdentifyTimeout:   cfg.IdentifyTimeout,
		HealthChecker:     db,
	})

	return router, rateLimiter.Stop
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// ctxがキャンセルされるとグレースフルシャットダウンを行う。
func runServe(ctx context.Context, cfg *config.Config) error {
	db, driver, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	slog.Info("database connection established", slog.String("driver", string(driver)))

	router, stopRouter := newAPIRouter(cfg, db, driver, newRegistry())
	defer stopRouter()

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return serveUntilDone(ctx, server, "API server")
}

// runWorker はワーカーモードで起動する。
// linked_id修復ジョブをREPAIR_INTERVAL間隔で実行し、
// /healthと/metricsをSERVER_PORTで公開する。
func runWorker(ctx context.Context, cfg *config.Config) error {
	db, driver, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	slog.Info("database connection established (worker)", slog.String("driver", string(driver)))

	reg := newRegistry()
	collector := metrics.NewCollector(reg)
	job := repair.NewRepairJob(db, driver, slog.Default(), collector)

	r := chi.NewRouter()
	r.Get("/health", handler.NewHealthHandler(db))
	r.Handle("/metrics", metrics.Handler(reg))

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		job.Start(gctx, cfg.RepairInterval)
		return nil
	})
	g.Go(func() error {
		return serveUntilDone(gctx, server, "worker")
	})

	// サーバーの起動に失敗した場合もgctxがキャンセルされ、修復ジョブが停止する
	err = g.Wait()

	slog.Info("worker stopped gracefully")
	return err
}

// serveUntilDone はserverを起動し、ctxがキャンセルされるとシャットダウンする。
// 起動に失敗した場合はそのエラーを返す。
func serveUntilDone(ctx context.Context, server *http.Server, name string) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info(name+" starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("%s listen error: %w", name, err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("shutting down " + name + "...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("%s shutdown failed: %w", name, err)
	}

	slog.Info(name + " stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if database.DetectDriver(cfg.DatabaseURL) == database.DriverSQLite {
		db, err := database.OpenSQLite(cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
		defer db.Close()
		if err := database.RunSQLiteMigrations(db); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	} else if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
