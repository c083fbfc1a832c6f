package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/ovaphlow/pitchfork/service-auth-go/internal/config"
	"github.com/ovaphlow/pitchfork/service-auth-go/internal/otp"
	otprepo "github.com/ovaphlow/pitchfork/service-auth-go/internal/otp/repo"
	"github.com/ovaphlow/pitchfork/service-auth-go/internal/refresh"
	refreshrepo "github.com/ovaphlow/pitchfork/service-auth-go/internal/refresh/repo"
	"github.com/ovaphlow/pitchfork/service-auth-go/internal/sweeper"
	userrepo "github.com/ovaphlow/pitchfork/service-auth-go/internal/user/repo"
	"github.com/ovaphlow/pitchfork/service-auth-go/pkg/database"
	"github.com/ovaphlow/pitchfork/service-auth-go/pkg/utilities"
)

// sweeper purges expired OTP challenges and dead refresh tokens. It runs one
// pass and exits, or keeps running with -loop.
func main() {
	loop := flag.Bool("loop", false, "keep running and sweep every SWEEP_INTERVAL")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	lg, err := utilities.Init(utilities.ConfigFromEnv())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer lg.Sync()
	sugar := lg.Sugar().Named("sweeper")

	db, err := database.Connect(database.Config{
		DSN:      cfg.Database.URL,
		MaxConns: 2,
		Timeout:  5 * time.Second,
		TimeZone: cfg.Database.TimeZone,
	})
	if err != nil {
		sugar.Fatalf("db connect: %v", err)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Only the store side of the engine and ledger is used here, so neither
	// needs delivery transports or a signing key.
	engine := otp.NewEngine(otprepo.NewOTPRepo(db), nil, otp.Config{TTL: cfg.OTP.TTL}, sugar)
	ledger := refresh.NewLedger(refreshrepo.NewRefreshRepo(db), userrepo.NewUserRepo(db), nil, cfg.TTL.Refresh, sugar)
	runner := sweeper.New(engine, ledger, cfg.SweepInterval, sugar)

	if *loop {
		sugar.Infow("sweeping", "interval", cfg.SweepInterval)
		runner.Start(ctx)
		return
	}

	res, err := runner.RunOnce(ctx)
	if err != nil {
		sugar.Errorw("sweep failed", "err", err)
		os.Exit(1)
	}
	sugar.Infow("sweep complete", "challenges", res.Challenges, "tokens", res.Tokens)
}
