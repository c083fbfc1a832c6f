package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-auth-go/internal/auth"
	"github.com/ovaphlow/pitchfork/service-auth-go/internal/config"
	"github.com/ovaphlow/pitchfork/service-auth-go/internal/federation"
	"github.com/ovaphlow/pitchfork/service-auth-go/internal/middleware"
	"github.com/ovaphlow/pitchfork/service-auth-go/internal/otp"
	otpentity "github.com/ovaphlow/pitchfork/service-auth-go/internal/otp/entity"
	otprepo "github.com/ovaphlow/pitchfork/service-auth-go/internal/otp/repo"
	"github.com/ovaphlow/pitchfork/service-auth-go/internal/ratelimit"
	"github.com/ovaphlow/pitchfork/service-auth-go/internal/refresh"
	refreshrepo "github.com/ovaphlow/pitchfork/service-auth-go/internal/refresh/repo"
	"github.com/ovaphlow/pitchfork/service-auth-go/internal/router"
	"github.com/ovaphlow/pitchfork/service-auth-go/internal/sweeper"
	"github.com/ovaphlow/pitchfork/service-auth-go/internal/token"
	"github.com/ovaphlow/pitchfork/service-auth-go/internal/user"
	userrepo "github.com/ovaphlow/pitchfork/service-auth-go/internal/user/repo"
	"github.com/ovaphlow/pitchfork/service-auth-go/pkg/cache"
	"github.com/ovaphlow/pitchfork/service-auth-go/pkg/database"
	"github.com/ovaphlow/pitchfork/service-auth-go/pkg/utilities"
)

func main() {
	// load .env file if present so os.Getenv picks values from it
	_ = godotenv.Load()

	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	lg, err := utilities.Init(utilities.ConfigFromEnv())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer lg.Sync()

	sugar := lg.Sugar().With("app", cfg.AppName, "env", cfg.Env)
	sugar.Info("starting auth service")

	issuer, err := token.NewIssuer(token.Config{
		Secret:    []byte(cfg.JWT.Secret),
		Issuer:    cfg.JWT.Issuer,
		Audience:  cfg.JWT.Audience,
		AccessTTL: cfg.TTL.Access,
		Leeway:    cfg.JWT.Leeway,
	})
	if err != nil {
		sugar.Fatalf("token issuer: %v", err)
	}
	if issuer.Ephemeral() {
		if cfg.Production() {
			sugar.Fatal("JWT_SECRET is required in production")
		}
		sugar.Warn("JWT_SECRET not set; using an ephemeral signing secret, tokens will not survive a restart")
	}

	db, err := database.Connect(database.Config{
		DSN:      cfg.Database.URL,
		MaxConns: cfg.Database.MaxConns,
		Timeout:  5 * time.Second,
		TimeZone: cfg.Database.TimeZone,
	})
	if err != nil {
		sugar.Fatalf("db connect: %v", err)
	}
	defer db.Close()

	// graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	users := userrepo.NewUserRepo(db)
	otps := otprepo.NewOTPRepo(db)
	tokens := refreshrepo.NewRefreshRepo(db)
	if cfg.Database.AutoMigrate {
		if err := migrate(ctx, users, otps, tokens); err != nil {
			sugar.Fatalf("migrate: %v", err)
		}
	}

	var rdb *redis.Client
	if cfg.RedisURL != "" {
		rdb, err = cache.Connect(ctx, cfg.RedisURL)
		if err != nil {
			sugar.Fatalf("redis connect: %v", err)
		}
		defer rdb.Close()
	} else {
		sugar.Warn("REDIS_URL not set; rate limiting is disabled and federation state is kept in memory")
	}

	delivery, closeSenders, err := buildDelivery(cfg, sugar)
	if err != nil {
		sugar.Fatalf("delivery: %v", err)
	}
	defer closeSenders()

	engine := otp.NewEngine(otps, delivery, otp.Config{TTL: cfg.OTP.TTL, MaxAttempts: cfg.OTP.MaxAttempts, AppName: cfg.AppName}, sugar.Named("otp"))
	ledger := refresh.NewLedger(tokens, users, issuer, cfg.TTL.Refresh, sugar.Named("refresh"))
	usvc := user.NewUserService(users, user.BcryptHasher{Cost: cfg.BcryptCost}, sugar.Named("user"))
	usvc.MaxFailed, usvc.LockFor = cfg.Login.MaxFailed, cfg.Login.LockDuration

	bridge, err := buildBridge(ctx, cfg, users, rdb, sugar)
	if err != nil {
		sugar.Fatalf("federation: %v", err)
	}

	resetBase := ""
	if cfg.Federation.FrontendURL != "" {
		resetBase = strings.TrimRight(cfg.Federation.FrontendURL, "/") + "/reset-password"
	}
	svc := auth.NewService(usvc, issuer, ledger, engine, delivery, bridge, auth.Config{
		AppName:          cfg.AppName,
		PasswordResetTTL: cfg.TTL.PasswordReset,
		ResetLinkBase:    resetBase,
	}, sugar.Named("auth"))

	exposeInternal := !cfg.Production()
	limit := router.Limiter(ratelimit.Passthrough)
	if rdb != nil {
		limiter := ratelimit.NewRedisLimiter(rdb, map[ratelimit.Class]int{
			ratelimit.ClassAuth:      cfg.RateLimit.Auth,
			ratelimit.ClassOTPSend:   cfg.RateLimit.OTPSend,
			ratelimit.ClassOTPVerify: cfg.RateLimit.OTPVerify,
		}, cfg.RateLimit.Window, sugar.Named("ratelimit"))
		limit = limiter.Middleware
	}

	handler := router.New(router.Deps{
		Auth:   auth.NewHandler(svc, cfg.Federation.FrontendURL, exposeInternal, sugar.Named("http")),
		Users:  user.NewHandler(usvc, exposeInternal, sugar.Named("http")),
		Gate:   middleware.NewGate(issuer, users, sugar.Named("gate"), exposeInternal),
		Limit:  limit,
		Logger: sugar.Named("http"),
		Ready:  readiness(db, rdb),
	})

	go sweeper.New(engine, ledger, cfg.SweepInterval, sugar.Named("sweeper")).Start(ctx)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// run server in background
	go func() {
		sugar.Infow("listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			sugar.Fatalf("http server failed: %v", err)
		}
	}()

	<-ctx.Done()

	sugar.Info("shutting down")

	doneCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(doneCtx); err != nil {
		sugar.Warnf("http server shutdown failed: %v", err)
	}

	sugar.Info("goodbye")
}

func migrate(ctx context.Context, users *userrepo.UserRepo, otps *otprepo.OTPRepo, tokens *refreshrepo.RefreshRepo) error {
	if err := users.EnsureTable(ctx); err != nil {
		return fmt.Errorf("users: %w", err)
	}
	if err := otps.EnsureTable(ctx); err != nil {
		return fmt.Errorf("otp challenges: %w", err)
	}
	if err := tokens.EnsureTable(ctx); err != nil {
		return fmt.Errorf("refresh tokens: %w", err)
	}
	return nil
}

// buildDelivery registers a sender per channel from the configured transports.
// The returned func closes any Kafka writer.
func buildDelivery(cfg config.Config, logger *zap.SugaredLogger) (*otp.Delivery, func(), error) {
	closeFn := func() {}
	delivery := otp.NewDelivery(otp.DeliveryMode(cfg.OTP.DeliveryMode), cfg.OTP.DeliveryTimeout, logger.Named("delivery"))

	var kafkaSender *otp.KafkaDispatcher
	if cfg.Email.Transport == "kafka" || cfg.SMS.Transport == "kafka" {
		d, err := otp.NewKafkaDispatcher(cfg.Kafka.Brokers, cfg.Kafka.NotificationTopic)
		if err != nil {
			return nil, closeFn, err
		}
		kafkaSender = d
		closeFn = func() {
			if err := d.Close(); err != nil {
				logger.Warnw("kafka writer close failed", "err", err)
			}
		}
	}

	switch cfg.Email.Transport {
	case "smtp":
		delivery.Register(otpentity.ChannelEmail, otp.NewSMTPSender(otp.SMTPConfig{
			Host:     cfg.Email.SMTPHost,
			Port:     cfg.Email.SMTPPort,
			Username: cfg.Email.SMTPUsername,
			Password: cfg.Email.SMTPPassword,
			From:     cfg.Email.From,
		}))
	case "kafka":
		delivery.Register(otpentity.ChannelEmail, kafkaSender)
	default:
		if !cfg.Production() {
			delivery.Register(otpentity.ChannelEmail, otp.LogSender{Logger: logger.Named("outbox")})
		}
	}

	switch cfg.SMS.Transport {
	case "http":
		delivery.Register(otpentity.ChannelSMS, otp.NewHTTPSMSSender(otp.SMSConfig{
			APIURL:     cfg.SMS.APIURL,
			AccountSID: cfg.SMS.AccountSID,
			AuthToken:  cfg.SMS.AuthToken,
			From:       cfg.SMS.From,
		}, &http.Client{Timeout: cfg.OTP.DeliveryTimeout}))
	case "kafka":
		delivery.Register(otpentity.ChannelSMS, kafkaSender)
	default:
		if !cfg.Production() {
			delivery.Register(otpentity.ChannelSMS, otp.LogSender{Logger: logger.Named("outbox")})
		}
	}
	return delivery, closeFn, nil
}

// buildBridge returns nil when no federated sign-in route is configured.
func buildBridge(ctx context.Context, cfg config.Config, users *userrepo.UserRepo, rdb *redis.Client, logger *zap.SugaredLogger) (*federation.Bridge, error) {
	var (
		provider federation.Provider
		states   federation.StateStore
		idTokens federation.IDTokenVerifier
	)
	if cfg.FederationRedirectEnabled() {
		p, err := federation.NewOIDCProvider(ctx, federation.OIDCConfig{
			Name:         cfg.Federation.Provider,
			Issuer:       cfg.Federation.Issuer,
			ClientID:     cfg.Federation.ClientID,
			ClientSecret: cfg.Federation.ClientSecret,
			RedirectURL:  cfg.Federation.CallbackURL,
		})
		if err != nil {
			return nil, err
		}
		provider = p
		if rdb != nil {
			states = federation.NewRedisStateStore(rdb)
		} else {
			states = federation.NewMemoryStateStore()
		}
	}
	if cfg.Federation.GoogleClientID != "" {
		idTokens = federation.NewGoogleIDTokenVerifier(cfg.Federation.GoogleClientID)
	}
	if provider == nil && idTokens == nil {
		return nil, nil
	}
	return federation.NewBridge(federation.RepoStore{Repo: users}, provider, states, idTokens,
		federation.Config{LinkByEmail: cfg.Federation.LinkByEmail}, logger.Named("federation")), nil
}

func readiness(db *sqlx.DB, rdb *redis.Client) func(context.Context) error {
	return func(ctx context.Context) error {
		if err := db.PingContext(ctx); err != nil {
			return fmt.Errorf("db: %w", err)
		}
		if rdb != nil {
			if err := rdb.Ping(ctx).Err(); err != nil {
				return fmt.Errorf("redis: %w", err)
			}
		}
		return nil
	}
}
