package main

import (
	"context"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"strconv"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/ehr/clinic/internal/config"
	"github.com/ehr/clinic/internal/domain/appointment"
	"github.com/ehr/clinic/internal/domain/prescription"
	"github.com/ehr/clinic/internal/domain/retrieval"
	"github.com/ehr/clinic/internal/platform/apperr"
	"github.com/ehr/clinic/internal/platform/auth"
	"github.com/ehr/clinic/internal/platform/blobstore"
	"github.com/ehr/clinic/internal/platform/db"
	"github.com/ehr/clinic/internal/platform/events"
	"github.com/ehr/clinic/internal/platform/metrics"
	"github.com/ehr/clinic/internal/platform/middleware"
	"github.com/ehr/clinic/internal/platform/websocket"
	"github.com/ehr/clinic/migrations"
)

// deps is everything the HTTP server and the reconcile command share.
type deps struct {
	files        *blobstore.Store
	appointments *appointment.Service
	binder       *prescription.Binder
	gateway      *retrieval.Gateway
	hub          *websocket.Hub
	metrics      *metrics.Collector

	// pinger and poolStats back /health/db; both are nil without a database.
	pinger    db.Pinger
	poolStats func() *db.PoolStats
}

func migrationsFS(dir string) fs.FS {
	if dir != "" {
		return os.DirFS(dir)
	}
	return migrations.FS
}

// buildDeps connects to Postgres and wires the configured blob and event
// backends. The returned func releases every connection it opened.
func buildDeps(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*deps, func(), error) {
	pool, err := db.NewPool(ctx, db.PoolConfig{
		DatabaseURL: cfg.DatabaseURL,
		MaxConns:    cfg.DBMaxConns,
		MinConns:    cfg.DBMinConns,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("connect to database: %w", err)
	}
	logger.Info().Msg("connected to database")

	closers := []func(){pool.Close}
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	m := metrics.NewCollector()

	var content blobstore.ContentStore
	switch cfg.BlobBackend {
	case "s3":
		client, err := blobstore.NewS3Client(ctx, blobstore.S3Config{
			Bucket:   cfg.S3Bucket,
			Region:   cfg.S3Region,
			Endpoint: cfg.S3Endpoint,
		})
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		content = blobstore.NewS3ContentStore(client, cfg.S3Bucket)
	default:
		content = blobstore.NewPGContentStore(pool)
	}
	store := blobstore.NewStore(blobstore.NewPGMetaRepository(pool), content, cfg.MaxUploadBytes, logger, m)

	hub := websocket.NewHub(logger, m)
	fanout := events.NewFanout(logger, m)
	fanout.Add("websocket", hub)

	switch cfg.EventsBackend {
	case "kafka":
		kp := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		closers = append(closers, func() { _ = kp.Close() })
		fanout.Add("kafka", kp)
	case "sqs":
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("load AWS config: %w", err)
		}
		sp, err := events.NewSQSPublisher(ctx, sqs.NewFromConfig(awsCfg), cfg.SQSQueueName)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		fanout.Add("sqs", sp)
	default:
		fanout.Add("log", events.NewLogPublisher(logger))
	}
	logger.Info().Strs("sinks", fanout.Sinks()).Str("blob_backend", cfg.BlobBackend).Msg("backends configured")

	appts := appointment.NewService(appointment.NewRepoPG(pool), store, fanout, m, logger)
	hub.SetAppointmentOwner(appointmentOwner(appts))
	binder := prescription.NewBinder(prescription.NewRepoPG(pool), appts, db.NewPGTransactor(pool), fanout, m, logger)

	return &deps{
		files:        store,
		appointments: appts,
		binder:       binder,
		gateway:      retrieval.NewGateway(store, fanout, logger),
		hub:          hub,
		metrics:      m,
		pinger:       pool,
		poolStats:    func() *db.PoolStats { return db.GetPoolStats(pool) },
	}, closeAll, nil
}

// streamPrefixes are exempt from the request deadline.
var streamPrefixes = []string{"/ws", "/api/v1/files/view/", "/api/v1/files/download/"}

func newServer(cfg *config.Config, logger zerolog.Logger, d *deps) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = apperr.HTTPErrorHandler(logger)

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:  cfg.CORSOrigins,
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders:  []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
		ExposeHeaders: []string{"Content-Disposition", middleware.RequestIDHeader},
	}))
	e.Use(d.metrics.Middleware())
	e.Use(middleware.BodyLimit("1M", strconv.FormatInt(cfg.MaxUploadBytes, 10)))
	if cfg.RequestTimeout > 0 {
		e.Use(middleware.RequestTimeout(cfg.RequestTimeout, streamPrefixes...))
	}

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	if d.pinger != nil {
		e.GET("/health/db", db.HealthHandler(d.pinger, d.poolStats))
	}
	e.GET("/metrics", echo.WrapHandler(d.metrics.Handler()))

	jwtCfg := auth.JWTConfig{Issuer: cfg.AuthIssuer, SigningKey: []byte(cfg.AuthSigningKey)}
	authMW := auth.JWTMiddleware(jwtCfg)
	if cfg.IsDev() {
		authMW = auth.DevAuthMiddleware(jwtCfg)
	}

	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}

	// Rate limiting runs after auth so that buckets are per user.
	apiV1 := e.Group("/api/v1", authMW, middleware.RateLimit(rateLimitCfg))
	appointment.NewHandler(d.appointments).RegisterRoutes(apiV1)
	prescription.NewHandler(d.binder).RegisterRoutes(apiV1)
	retrieval.NewHandler(d.gateway).RegisterRoutes(apiV1)

	wsGroup := e.Group("", authMW)
	websocket.NewHandler(d.hub, cfg.CORSOrigins).RegisterRoutes(wsGroup)

	return e
}

// appointmentOwner lets the websocket hub check that a patient watching
// appointment/<id> owns that appointment.
func appointmentOwner(appts *appointment.Service) websocket.AppointmentOwner {
	return func(ctx context.Context, id string) (string, error) {
		apptID, err := uuid.Parse(id)
		if err != nil {
			return "", err
		}
		a, err := appts.Get(ctx, apptID)
		if err != nil {
			return "", err
		}
		return a.PatientID, nil
	}
}
