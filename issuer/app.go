package issuer

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/robfig/cron/v3"
	"golang.org/x/exp/slog"

	"github.com/jonanatree/cyberbank/internal/cardgen"
	"github.com/jonanatree/cyberbank/internal/config"
	"github.com/jonanatree/cyberbank/internal/database"
	"github.com/jonanatree/cyberbank/internal/expiry"
	"github.com/jonanatree/cyberbank/internal/metrics"
	"github.com/jonanatree/cyberbank/internal/middleware"
	issuer8583 "github.com/jonanatree/cyberbank/issuer/iso8583"
)

const limiterIdle = 10 * time.Minute

// App is the main application, it contains all the components of the issuer service
// and is responsible for starting and stopping them.
type App struct {
	srv               *http.Server
	metricsSrv        *http.Server
	wg                *sync.WaitGroup
	Addr              string
	ISO8583ServerAddr string
	MetricsAddr       string
	logger            *slog.Logger
	iso8583Server     io.Closer
	scheduler         *cron.Cron
	closers           []func()
	config            *config.Config
}

func NewApp(logger *slog.Logger, cfg *config.Config) *App {
	logger = logger.With(slog.String("app", "issuer"))

	return &App{
		wg:     &sync.WaitGroup{},
		logger: logger,
		config: cfg,
	}
}

func (a *App) Start() error {
	a.logger.Info("starting app...")

	repository, err := a.openRepository()
	if err != nil {
		return err
	}

	numbers, err := cardgen.NewGenerator(cardgen.GeneratorConfig{
		Prefix:     a.config.CardPrefix,
		IssuerCode: a.config.CardIssuerCode,
		Length:     a.config.CardNumberLength,
	})
	if err != nil {
		return fmt.Errorf("card number generator: %w", err)
	}

	cvv, release, err := newCVVProvider(a.config)
	if err != nil {
		return fmt.Errorf("cvv provider: %w", err)
	}
	a.closers = append(a.closers, release)

	var recorder metrics.Recorder = metrics.Nop{}
	var metricsProvider *metrics.Provider
	if a.config.MetricsAddr != "" {
		metricsProvider = metrics.NewProvider(a.config.MetricsNamespace)
		recorder = metricsProvider
	}

	iss := NewService(repository, ServiceConfig{
		Numbers:           numbers,
		CVV:               cvv,
		Policy:            expiry.NewPolicy(a.config.Location(), a.config.ProductYears),
		DefaultProduct:    a.config.CardProduct,
		UniqueRetries:     a.config.CardUniqueRetries,
		ReissueWindowDays: a.config.ReissueWindowDays,
		Logger:            a.logger,
		Metrics:           recorder,
	})

	iso8583Server := issuer8583.NewServer(a.logger, a.config.ISO8583Addr, iss)
	if err := iso8583Server.Start(); err != nil {
		return fmt.Errorf("starting iso8583 server: %w", err)
	}
	a.ISO8583ServerAddr = iso8583Server.Addr
	a.iso8583Server = iso8583Server

	limiter := middleware.NewRateLimiter(a.config.VerifyRateLimit, a.config.VerifyRateBurst, a.logger)

	router := chi.NewRouter()
	router.Use(middleware.NewStructuredLogger(a.logger))

	api := NewAPI(iss, limiter.Handler)
	api.AppendRoutes(router)

	router.Get("/-/live", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	router.Get("/-/ready", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := repository.Ping(ctx); err != nil {
			http.Error(w, "db not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	if err := a.startScheduler(iss, limiter); err != nil {
		return err
	}

	if metricsProvider != nil {
		addr, err := a.serve(a.config.MetricsAddr, metricsProvider.Handler(), "metrics", &a.metricsSrv)
		if err != nil {
			return err
		}
		a.MetricsAddr = addr
	}

	addr, err := a.serve(a.config.HTTPAddr, router, "http", &a.srv)
	if err != nil {
		return err
	}
	a.Addr = addr

	return nil
}

func (a *App) openRepository() (*Repository, error) {
	switch a.config.RepoBackend {
	case "pg":
		db, err := database.Open(context.Background(), a.config.DBDSN, database.PoolConfig{
			MaxOpen:     a.config.DBMaxOpenConnections,
			MaxIdle:     a.config.DBMaxIdleConnections,
			MaxLifetime: a.config.DBConnMaxLifetime,
		})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { db.Close() })
		return NewPGRepository(db, []byte(a.config.PANHashKey)), nil
	case "mem":
		a.logger.Info("using in-memory repository; cards are lost on restart")
		return NewRepository(), nil
	default:
		return nil, fmt.Errorf("unsupported REPO_BACKEND=%s", a.config.RepoBackend)
	}
}

// startScheduler runs the reissue scan on the configured schedule and sweeps
// idle rate limiters every minute.
func (a *App) startScheduler(iss *Service, limiter *middleware.RateLimiter) error {
	a.scheduler = cron.New()
	if a.config.ReissueSchedule != "" {
		_, err := a.scheduler.AddFunc(a.config.ReissueSchedule, func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			if _, err := iss.ScanReissue(ctx, time.Now()); err != nil {
				a.logger.Error("reissue scan", "err", err)
			}
		})
		if err != nil {
			return fmt.Errorf("invalid REISSUE_SCHEDULE: %w", err)
		}
	}
	if _, err := a.scheduler.AddFunc("@every 1m", func() {
		limiter.Sweep(time.Now(), limiterIdle)
	}); err != nil {
		return fmt.Errorf("scheduling limiter sweep: %w", err)
	}
	a.scheduler.Start()
	return nil
}

func (a *App) serve(addr string, handler http.Handler, name string, dst **http.Server) (string, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("listening tcp port: %w", err)
	}

	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	*dst = srv
	bound := l.Addr().String()

	a.wg.Add(1)
	go func() {
		a.logger.Info(name+" server started", slog.String("addr", bound))

		if err := srv.Serve(l); err != nil {
			if err != http.ErrServerClosed {
				a.logger.Error("starting "+name+" server", "err", err)
			}

			a.logger.Info(name + " server stopped")
		}

		a.wg.Done()
	}()

	return bound, nil
}

func (a *App) Shutdown() {
	a.logger.Info("shutting down app...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if a.srv != nil {
		a.srv.Shutdown(ctx)
	}
	if a.metricsSrv != nil {
		a.metricsSrv.Shutdown(ctx)
	}

	if a.scheduler != nil {
		<-a.scheduler.Stop().Done()
	}

	if a.iso8583Server != nil {
		if err := a.iso8583Server.Close(); err != nil {
			a.logger.Error("closing iso8583 server", "err", err)
		}
	}

	a.wg.Wait()

	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}

	a.logger.Info("app stopped")
}
