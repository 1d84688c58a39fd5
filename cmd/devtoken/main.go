// Command devtoken ensures a ledger exists for a user and prints an access
// token for it. For local development only.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/companionchat/chat-api/internal/config"
	"github.com/companionchat/chat-api/internal/domain/ledger"
	"github.com/companionchat/chat-api/internal/pkg/database"
	"github.com/companionchat/chat-api/internal/pkg/jwt"
	"github.com/companionchat/chat-api/internal/pkg/logger"
)

func main() {
	userFlag := flag.String("user", "", "user id (random when empty)")
	role := flag.String("role", jwt.RoleUser, "token role: user or admin")
	flag.Parse()

	cfg := config.Load()
	logger.Init(logger.Config{Level: "warn", Environment: "development"})

	if cfg.IsProduction() {
		log.Fatal().Msg("devtoken refuses to run with ENV=production")
	}

	userID := uuid.New()
	if *userFlag != "" {
		var err error
		if userID, err = uuid.Parse(*userFlag); err != nil {
			log.Fatal().Err(err).Msg("Invalid user id")
		}
	}

	db, err := database.Open(cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer database.Close(db)

	if err := database.Migrate(context.Background(), db); err != nil {
		log.Fatal().Err(err).Msg("Failed to migrate database")
	}

	snapshot, err := ledger.NewRepository(db, 1).Create(context.Background(), userID)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to ensure ledger")
	}

	token, err := jwt.NewService(cfg.JWTSecret, cfg.JWTAccessTTL).GenerateAccessToken(userID, *role)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to sign token")
	}

	fmt.Fprintf(os.Stderr, "user %s, coins %d\n", snapshot.UserID, snapshot.CoinBalance)
	fmt.Println(token)
}
