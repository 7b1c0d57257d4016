package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"vibechat/internal/config"
	"vibechat/internal/domain"
	"vibechat/internal/httpserver"
	"vibechat/internal/logging"
	"vibechat/internal/metrics"
	"vibechat/internal/security"
	"vibechat/internal/service"
	"vibechat/internal/store/postgres"
	"vibechat/internal/store/sqlite"
	"vibechat/internal/ws"
)

// @title           vibechat dev server
// @version         1.0
// @description     Development backend for the vibechat sync core.

// @host            localhost:8000
// @BasePath        /api

// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		envFile string
		seed    bool
	)
	cmd := &cobra.Command{
		Use:          "devserver",
		Short:        "Run the development chat backend (REST + /ws)",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("load %s: %w", envFile, err)
			}
			cfg, err := config.LoadServer()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger := logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, seed, logger)
		},
	}
	cmd.Flags().StringVar(&envFile, "env-file", ".env", "dotenv file to load before reading the environment")
	cmd.Flags().BoolVar(&seed, "seed", false, "create demo users, a vibe and a conversation on startup")
	return cmd
}

type repos struct {
	users         domain.UserRepository
	vibes         domain.VibeRepository
	conversations domain.ConversationRepository
	messages      domain.MessageRepository
	participants  domain.ParticipantRepository
}

func openStore(cfg *config.Server) (*sql.DB, repos, error) {
	if cfg.Driver() == "postgres" {
		db, err := postgres.Open(cfg.DatabaseURL)
		if err != nil {
			return nil, repos{}, err
		}
		if err := postgres.Migrate(db); err != nil {
			db.Close()
			return nil, repos{}, fmt.Errorf("run migrations: %w", err)
		}
		return db, repos{
			users:         postgres.NewUserRepo(db),
			vibes:         postgres.NewVibeRepo(db),
			conversations: postgres.NewConversationRepo(db),
			messages:      postgres.NewMessageRepo(db),
			participants:  postgres.NewParticipantRepo(db),
		}, nil
	}

	db, err := sqlite.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, repos{}, err
	}
	if err := sqlite.Migrate(db); err != nil {
		db.Close()
		return nil, repos{}, fmt.Errorf("run migrations: %w", err)
	}
	return db, repos{
		users:         sqlite.NewUserRepo(db),
		vibes:         sqlite.NewVibeRepo(db),
		conversations: sqlite.NewConversationRepo(db),
		messages:      sqlite.NewMessageRepo(db),
		participants:  sqlite.NewParticipantRepo(db),
	}, nil
}

func serve(ctx context.Context, cfg *config.Server, seed bool, logger *slog.Logger) error {
	db, r, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	tokenSvc := security.NewTokenService(cfg.JWTSecret, time.Duration(cfg.AccessTokenMinutes)*time.Minute)
	encryptor, err := security.NewEncryptor(cfg.EncryptKey)
	if err != nil {
		return fmt.Errorf("initialize encryptor: %w", err)
	}

	authSvc := service.NewAuthService(r.users, tokenSvc, security.NewPasswordHasher(0))
	msgSvc := service.NewMessageService(r.participants, r.messages, encryptor)
	convSvc := service.NewConversationService(r.vibes, r.conversations, r.participants, msgSvc, cfg.HistoryMaxLimit)

	if seed {
		if err := seedDemo(ctx, authSvc, convSvc, logger); err != nil {
			return fmt.Errorf("seed: %w", err)
		}
	}

	m := metrics.New()
	live := ws.NewHandler(ws.NewHub(), authSvc, msgSvc, m, ws.HandlerConfig{
		AllowedOrigins: cfg.CORSOrigins,
		SendRate:       cfg.WSSendRate,
		SendBurst:      cfg.WSSendBurst,
	}, logger)

	srv := &http.Server{
		Addr: cfg.HTTPAddr(),
		Handler: httpserver.NewRouter(httpserver.Deps{
			Config:        cfg,
			Auth:          authSvc,
			Conversations: convSvc,
			Messages:      msgSvc,
			Live:          live,
			Metrics:       m,
			Logger:        logger,
		}),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting server", "addr", cfg.HTTPAddr(), "driver", cfg.Driver(), "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
	return nil
}

const demoPassword = "password123"

// seedDemo creates alice and bob, a vibe owned by bob and the conversation
// alice opened about it. Existing accounts are reused.
func seedDemo(ctx context.Context, authSvc *service.AuthService, convSvc *service.ConversationService, logger *slog.Logger) error {
	tokens := map[string]*service.TokenResponse{}
	for _, name := range []string{"alice", "bob"} {
		if _, err := authSvc.Register(ctx, service.RegisterInput{Username: name, Password: demoPassword}); err != nil && !errors.Is(err, domain.ErrConflict) {
			return err
		}
		tok, err := authSvc.Login(ctx, service.LoginInput{Username: name, Password: demoPassword})
		if err != nil {
			return err
		}
		tokens[name] = tok
	}

	vibe, err := convSvc.CreateVibe(ctx, tokens["bob"].User.ID, "Vintage road bike")
	if err != nil {
		return err
	}
	convID, err := convSvc.StartForVibe(ctx, vibe.ID, tokens["alice"].User.ID)
	if err != nil {
		return err
	}

	logger.Info("seeded demo data", "vibe_id", vibe.ID, "conversation_id", convID, "password", demoPassword)
	for name, tok := range tokens {
		logger.Info("demo token", "user", name, "user_id", tok.User.ID, "token", tok.AccessToken)
	}
	return nil
}
