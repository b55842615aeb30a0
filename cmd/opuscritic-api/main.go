package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opuscritic/backend/internal/auth"
	"github.com/opuscritic/backend/internal/config"
	"github.com/opuscritic/backend/internal/database"
	"github.com/opuscritic/backend/internal/logging"
	"github.com/opuscritic/backend/internal/moderation"
	"github.com/opuscritic/backend/internal/ratings"
	"github.com/opuscritic/backend/internal/reviews"
	"github.com/opuscritic/backend/internal/server"
	"github.com/opuscritic/backend/internal/spamreports"
	"github.com/opuscritic/backend/internal/users"
	"github.com/opuscritic/backend/internal/votes"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "opuscritic-api",
		Short: "OpusCritic review backend service",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newTokenCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, postgres)")
	cmd.PersistentFlags().String("database-dsn", defaults.GetString("database.dsn"), "Database DSN or file path")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("token.ttl_minutes"), "Backend token TTL in minutes")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Backend signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "token.ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

// newTokenCommand mints a backend token for an account, for operators
// exercising the API without the session collaborator.
func newTokenCommand() *cobra.Command {
	var (
		userID string
		admin  bool
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a backend token for an account",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			issuer := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(appConfig.SigningSecret),
				Issuer:        appConfig.TokenIssuer,
				Audience:      appConfig.TokenAudience,
				TokenTTL:      time.Duration(appConfig.TokenTTLMins) * time.Minute,
			})
			token, expiresIn, err := issuer.IssueToken(cmd.Context(), auth.Identity{UserID: userID, Admin: admin})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\nexpires_in=%d\n", token, expiresIn)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user-id", "", "Account identifier for the token subject")
	cmd.Flags().BoolVar(&admin, "admin", false, "Grant the moderator claim")
	if err := cmd.MarkFlagRequired("user-id"); err != nil {
		panic(err)
	}
	return cmd
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.Open(appConfig.DatabaseDriver, appConfig.DatabaseDSN, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	tokenIssuer := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.TokenIssuer,
		Audience:      appConfig.TokenAudience,
		TokenTTL:      time.Duration(appConfig.TokenTTLMins) * time.Minute,
	})

	accountsService, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		return err
	}

	ratingsService, err := ratings.NewService(ratings.ServiceConfig{Database: db, Logger: logger})
	if err != nil {
		return err
	}

	reviewsService, err := reviews.NewService(reviews.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: reviews.NewUUIDProvider(),
		Aggregator: ratingsService,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	votesService, err := votes.NewService(votes.ServiceConfig{
		Database:  db,
		Clock:     time.Now,
		Revisions: reviewsService,
		Accounts:  accountsService,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	reportsService, err := spamreports.NewService(spamreports.ServiceConfig{
		Database:  db,
		Clock:     time.Now,
		Revisions: reviewsService,
		Accounts:  accountsService,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	moderationService, err := moderation.NewService(moderation.ServiceConfig{
		Database: db,
		Clock:    time.Now,
		Reviews:  reviewsService,
		Reports:  reportsService,
		Accounts: accountsService,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Tokens:     tokenIssuer,
		Accounts:   accountsService,
		Reviews:    reviewsService,
		Ratings:    ratingsService,
		Votes:      votesService,
		Reports:    reportsService,
		Moderation: moderationService,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
