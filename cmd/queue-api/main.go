package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	_ "github.com/labqueue-io/lab-queue-api/api/swagger"
	"github.com/labqueue-io/lab-queue-api/internal/handler"
	"github.com/labqueue-io/lab-queue-api/internal/middleware"
	"github.com/labqueue-io/lab-queue-api/internal/models"
	"github.com/labqueue-io/lab-queue-api/internal/repository"
	"github.com/labqueue-io/lab-queue-api/internal/service"
	"github.com/labqueue-io/lab-queue-api/pkg/cache"
	"github.com/labqueue-io/lab-queue-api/pkg/config"
	"github.com/labqueue-io/lab-queue-api/pkg/database"
	"github.com/labqueue-io/lab-queue-api/pkg/logger"
	corsmiddleware "github.com/labqueue-io/lab-queue-api/pkg/middleware/cors"
	reqidmiddleware "github.com/labqueue-io/lab-queue-api/pkg/middleware/requestid"
)

// @title Lab Queue API
// @version 1.0.0
// @description First-come-first-served lab defense queues materialized from weekly schedules
// @BasePath /api/v1
// @schemes http

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Sugar().Fatalw("failed to connect to postgres", "error", err)
	}
	defer db.Close()

	redisClient, err := cache.NewRedis(cfg.Redis)
	if err != nil {
		logr.Sugar().Warnw("redis unavailable, queue-state caching disabled", "error", err)
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	validate := validator.New()
	metrics := service.NewMetricsService()

	userRepo := repository.NewUserRepository(db)
	subjectRepo := repository.NewSubjectRepository(db)
	enrollmentRepo := repository.NewEnrollmentRepository(db)
	scheduleRepo := repository.NewScheduleRepository(db)
	sessionRepo := repository.NewSessionRepository(db)
	queueRepo := repository.NewQueueRepository(db)
	cacheRepo := repository.NewCacheRepository(redisClient, logr)

	cacheSvc := service.NewCacheService(cacheRepo, metrics, cfg.Queue.StateCacheTTL, logr, cfg.Queue.CacheEnabled && redisClient != nil)
	authSvc := service.NewAuthService(userRepo, cfg.JWT, validate, logr)
	subjectSvc := service.NewSubjectService(subjectRepo, enrollmentRepo, userRepo, validate, logr)
	scheduleSvc := service.NewScheduleService(scheduleRepo, subjectRepo, validate, logr)
	sessionSvc := service.NewSessionService(sessionRepo, scheduleRepo, metrics, logr)
	queueSvc := service.NewQueueService(queueRepo, sessionSvc, enrollmentRepo, scheduleRepo, cacheSvc, metrics, cfg.Queue, validate, logr)
	exportSvc := service.NewExportService(sessionSvc, queueRepo, logr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Notifications.Enabled {
		notifier := service.NewLogNotifier(logr)
		notificationSvc := service.NewNotificationService(userRepo, subjectRepo, notifier, cfg.Notifications, logr)
		notificationSvc.Start(ctx)
		defer notificationSvc.Stop()
		queueSvc.Subscribe(notificationSvc)
	}

	authHandler := handler.NewAuthHandler(authSvc)
	subjectHandler := handler.NewSubjectHandler(subjectSvc, scheduleSvc)
	sessionHandler := handler.NewSessionHandler(sessionSvc, exportSvc)
	queueHandler := handler.NewQueueHandler(queueSvc)

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metrics))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.GET("/ready", func(c *gin.Context) {
		if err := db.PingContext(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "database": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})

	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	api := r.Group(cfg.APIPrefix)

	auth := api.Group("/auth")
	auth.POST("/register", authHandler.Register)
	auth.POST("/login", authHandler.Login)
	auth.POST("/refresh", authHandler.Refresh)
	auth.POST("/logout", middleware.JWT(authSvc), authHandler.Logout)
	auth.GET("/profile", middleware.JWT(authSvc), authHandler.Profile)
	auth.PUT("/profile", middleware.JWT(authSvc), authHandler.UpdateProfile)

	secured := api.Group("")
	secured.Use(middleware.JWT(authSvc))

	adminOnly := middleware.RequireRoles(models.RoleAdmin)
	staff := middleware.RequireRoles(models.RoleAdmin, models.RoleInstructor)

	secured.GET("/users", staff, authHandler.Users)

	secured.GET("/subjects", subjectHandler.List)
	secured.GET("/subjects/:id", subjectHandler.Get)
	secured.POST("/subjects", adminOnly, subjectHandler.Create)
	secured.PUT("/subjects/:id", adminOnly, subjectHandler.Update)
	secured.DELETE("/subjects/:id", adminOnly, subjectHandler.Delete)
	secured.POST("/subjects/:id/enroll", adminOnly, subjectHandler.Enroll)
	secured.GET("/subjects/:id/enrollments", staff, subjectHandler.Enrollments)
	secured.DELETE("/subjects/:id/enrollments/:studentId", adminOnly, subjectHandler.Unenroll)
	secured.GET("/enrollments/mine", subjectHandler.MyEnrollments)
	secured.GET("/subjects/:id/schedules", subjectHandler.Schedules)
	secured.POST("/subjects/:id/schedules", adminOnly, subjectHandler.CreateSchedule)
	secured.DELETE("/schedules/:id", adminOnly, subjectHandler.DeleteSchedule)

	secured.GET("/sessions", sessionHandler.List)
	secured.GET("/sessions/:id", sessionHandler.Get)
	secured.POST("/sessions/materialize", adminOnly, sessionHandler.Materialize)
	secured.GET("/sessions/:id/queue", queueHandler.State)
	secured.POST("/sessions/:id/withdraw", queueHandler.Withdraw)
	secured.GET("/sessions/:id/export", staff, sessionHandler.Export)

	secured.POST("/queue/join", middleware.RequireRoles(models.RoleStudent), queueHandler.Join)
	secured.POST("/queue/entries/:id/complete", queueHandler.Complete)

	addr := fmt.Sprintf(":%d", cfg.Port)
	server := &http.Server{Addr: addr, Handler: r}

	go func() {
		logr.Sugar().Infow("server starting", "addr", addr, "env", cfg.Env)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logr.Sugar().Fatalw("server failed", "error", err)
		}
	}()

	<-ctx.Done()
	logr.Sugar().Infow("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logr.Sugar().Errorw("graceful shutdown failed", "error", err)
	}
}
