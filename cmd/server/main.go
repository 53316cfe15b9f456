package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/tyyrok/chatcore/internal/api"
	"github.com/tyyrok/chatcore/internal/auth"
	"github.com/tyyrok/chatcore/internal/chat"
	"github.com/tyyrok/chatcore/internal/db"
	"github.com/tyyrok/chatcore/internal/metrics"
	"github.com/tyyrok/chatcore/internal/notification"
	"github.com/tyyrok/chatcore/internal/repositories"
	"github.com/tyyrok/chatcore/internal/scheduler"
	"github.com/tyyrok/chatcore/internal/websocket"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// shutdownTimeout bounds graceful shutdown of the HTTP server.
const shutdownTimeout = 10 * time.Second

type config struct {
	httpAddr       string
	dbDriver       string
	dbDSN          string
	logLevel       string
	logFile        string
	jwtPrivateKey  string
	jwtPublicKey   string
	jwtIssuer      string
	jwtTTL         time.Duration
	dbSlowQuery    time.Duration
	presenceSweep  time.Duration
	groupAdminOnly bool
}

func main() {
	// A missing .env file is normal; real environment variables still apply.
	_ = godotenv.Load()

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "chatcore",
		Short: "chatcore: real-time chat server",
		Long: `chatcore serves 1:1 and group chat over WebSocket, with presence,
unread counters and a per-user notification feed, plus a small read API
for conversations and message history.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newServeCmd(cfg))
	root.AddCommand(newVersionCmd())
	root.AddCommand(newMigrateCmd(cfg))
	root.AddCommand(newTokenCmd(cfg))

	flags := root.PersistentFlags()
	flags.StringVar(&cfg.httpAddr, "http-addr", envOrDefault("CHAT_HTTP_ADDR", ":8000"), "HTTP and WebSocket listen address")
	flags.StringVar(&cfg.dbDriver, "db-driver", envOrDefault("CHAT_DB_DRIVER", "sqlite"), "Database driver (sqlite or postgres)")
	flags.StringVar(&cfg.dbDSN, "db-dsn", envOrDefault("CHAT_DB_DSN", "./chat.db"), "Database DSN or file path for SQLite")
	flags.DurationVar(&cfg.dbSlowQuery, "db-slow-query", envDurationOrDefault("CHAT_DB_SLOW_QUERY", db.DefaultSlowQueryThreshold), "Log statements slower than this as warnings (negative disables)")
	flags.StringVar(&cfg.logLevel, "log-level", envOrDefault("CHAT_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	flags.StringVar(&cfg.logFile, "log-file", envOrDefault("CHAT_LOG_FILE", ""), "Also write JSON logs to this file, rotated by size")
	flags.StringVar(&cfg.jwtPrivateKey, "jwt-private-key", envOrDefault("CHAT_JWT_PRIVATE_KEY", ""), "PEM RSA private key for signing tokens (ephemeral key pair when empty)")
	flags.StringVar(&cfg.jwtPublicKey, "jwt-public-key", envOrDefault("CHAT_JWT_PUBLIC_KEY", ""), "PEM RSA public key matching --jwt-private-key")
	flags.StringVar(&cfg.jwtIssuer, "jwt-issuer", envOrDefault("CHAT_JWT_ISSUER", "chatcore"), "Issuer claim of access tokens")
	flags.DurationVar(&cfg.jwtTTL, "jwt-ttl", envDurationOrDefault("CHAT_JWT_TTL", auth.DefaultTokenTTL), "Access token lifetime")
	flags.DurationVar(&cfg.presenceSweep, "presence-sweep", envDurationOrDefault("CHAT_PRESENCE_SWEEP", time.Minute), "Interval of the stale presence sweep")
	flags.BoolVar(&cfg.groupAdminOnly, "group-admin-only", envBoolOrDefault("CHAT_GROUP_ADMIN_ONLY", false), "Only the group admin may add or remove members")

	return root
}

func newServeCmd(cfg *config) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the chat server (default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("chatcore %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func newMigrateCmd(cfg *config) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := buildLogger(cfg.logLevel, cfg.logFile)
			if err != nil {
				return fmt.Errorf("failed to build logger: %w", err)
			}
			defer logger.Sync() //nolint:errcheck

			// db.New applies migrations before returning.
			database, err := openDatabase(cfg, logger)
			if err != nil {
				return err
			}
			return db.Close(database)
		},
	}
}

func newTokenCmd(cfg *config) *cobra.Command {
	var username string

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an access token for a user (development)",
		Long: `Issue an access token for an existing user without a password.
The server must be started with the same --jwt-private-key and
--jwt-public-key for the token to be accepted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.jwtPrivateKey == "" || cfg.jwtPublicKey == "" {
				return errors.New("--jwt-private-key and --jwt-public-key are required: tokens signed by an ephemeral key are useless to the server")
			}

			logger, err := buildLogger(cfg.logLevel, cfg.logFile)
			if err != nil {
				return fmt.Errorf("failed to build logger: %w", err)
			}
			defer logger.Sync() //nolint:errcheck

			database, err := openDatabase(cfg, logger)
			if err != nil {
				return err
			}
			defer db.Close(database) //nolint:errcheck

			jwtManager, err := newJWTManager(cfg)
			if err != nil {
				return err
			}

			users := repositories.NewUserRepository(database)
			user, err := users.GetByUsername(cmd.Context(), username)
			if err != nil {
				return fmt.Errorf("user %q: %w", username, err)
			}

			token, err := auth.NewAuthService(users, jwtManager).IssueToken(user)
			if err != nil {
				return err
			}
			fmt.Println(token.AccessToken)
			return nil
		},
	}

	cmd.Flags().StringVar(&username, "username", "", "Username to issue the token for (required)")
	_ = cmd.MarkFlagRequired("username")
	return cmd
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel, cfg.logFile)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("starting chatcore",
		zap.String("version", version),
		zap.String("http_addr", cfg.httpAddr),
		zap.String("db_driver", cfg.dbDriver),
		zap.String("log_level", cfg.logLevel),
		zap.Bool("group_admin_only", cfg.groupAdminOnly),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// --- Storage ---
	database, err := openDatabase(cfg, logger)
	if err != nil {
		return err
	}
	defer db.Close(database) //nolint:errcheck

	users := repositories.NewUserRepository(database)
	conversations := repositories.NewConversationRepository(database)
	messages := repositories.NewMessageRepository(database)
	groups := repositories.NewGroupConversationRepository(database)
	groupMessages := repositories.NewGroupMessageRepository(database)
	presence := repositories.NewPresenceRepository(database)

	// --- Metrics ---
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	// --- Broadcast hub and chat sessions ---
	hub := websocket.NewHub(logger, m)
	m.TrackSubscribers(hub.ConnectedCount)
	router := notification.NewRouter(notification.Config{
		Hub:           hub,
		Messages:      messages,
		GroupMessages: groupMessages,
		Logger:        logger,
	})
	chatSvc := chat.NewService(chat.Config{
		Users:          users,
		Conversations:  conversations,
		Messages:       messages,
		Groups:         groups,
		GroupMessages:  groupMessages,
		Presence:       presence,
		Hub:            hub,
		Router:         router,
		Metrics:        m,
		Logger:         logger,
		GroupAdminOnly: cfg.groupAdminOnly,
	})

	// This process hosts every session, so presence left over from a
	// previous run is stale by definition.
	if err := chatSvc.ResetPresence(ctx); err != nil {
		return fmt.Errorf("failed to reset presence: %w", err)
	}

	// --- Auth ---
	jwtManager, err := newJWTManager(cfg)
	if err != nil {
		return err
	}
	authSvc := auth.NewAuthService(users, jwtManager)

	// --- Background jobs ---
	sched, err := scheduler.New(logger)
	if err != nil {
		return err
	}
	if err := sched.AddPresenceSweep(cfg.presenceSweep, chatSvc); err != nil {
		return err
	}
	sched.Start()
	defer func() {
		if err := sched.Stop(); err != nil {
			logger.Warn("scheduler stop failed", zap.Error(err))
		}
	}()

	hubCtx, stopHub := context.WithCancel(context.Background())
	hubDone := make(chan struct{})
	go func() {
		defer close(hubDone)
		hub.Run(hubCtx)
	}()

	// --- HTTP ---
	srv := &http.Server{
		Addr: cfg.httpAddr,
		Handler: api.NewRouter(api.RouterConfig{
			AuthService:   authSvc,
			Chat:          chatSvc,
			Metrics:       m,
			Logger:        logger,
			Gatherer:      reg,
			Ping:          func(ctx context.Context) error { return db.Ping(ctx, database) },
			Users:         users,
			Conversations: conversations,
			Messages:      messages,
			Groups:        groups,
			GroupMessages: groupMessages,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.httpAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down chatcore")
	case err := <-serveErr:
		stopHub()
		<-hubDone
		drainSessions(chatSvc, logger)
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown", zap.Error(err))
	}

	// Shutdown does not track hijacked connections; stopping the hub closes
	// every websocket so their sessions run their cleanup, which still needs
	// storage.
	stopHub()
	<-hubDone
	drainSessions(chatSvc, logger)
	return nil
}

// drainSessions waits for session cleanup before storage is closed.
func drainSessions(svc *chat.Service, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := svc.Drain(ctx); err != nil {
		logger.Warn("sessions still open at shutdown", zap.Error(err))
	}
}

func openDatabase(cfg *config, logger *zap.Logger) (*gorm.DB, error) {
	level := gormlogger.Warn
	if cfg.logLevel == "debug" {
		level = gormlogger.Info
	}
	database, err := db.New(db.Config{
		Driver:             cfg.dbDriver,
		DSN:                cfg.dbDSN,
		Logger:             logger,
		LogLevel:           level,
		SlowQueryThreshold: cfg.dbSlowQuery,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return database, nil
}

func newJWTManager(cfg *config) (*auth.JWTManager, error) {
	if cfg.jwtPrivateKey == "" && cfg.jwtPublicKey == "" {
		return auth.NewJWTManagerGenerated(cfg.jwtIssuer, cfg.jwtTTL)
	}
	if cfg.jwtPrivateKey == "" || cfg.jwtPublicKey == "" {
		return nil, errors.New("--jwt-private-key and --jwt-public-key must be set together")
	}
	return auth.NewJWTManagerFromFiles(cfg.jwtPrivateKey, cfg.jwtPublicKey, cfg.jwtIssuer, cfg.jwtTTL)
}

// buildLogger returns a development logger for "debug" and a production
// JSON logger otherwise. When file is set, output is also written to a
// size-rotated file.
func buildLogger(level, file string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	if file == "" {
		return logger, nil
	}

	fileCore := zapcore.NewCore(
		zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
		zapcore.AddSync(&lumberjack.Logger{
			Filename:   file,
			MaxSize:    100, // megabytes
			MaxBackups: 10,
			MaxAge:     30, // days
		}),
		cfg.Level,
	)
	return logger.WithOptions(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
		return zapcore.NewTee(core, fileCore)
	})), nil
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envDurationOrDefault(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}

func envBoolOrDefault(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}
