// Command admin-token mints a bearer token for the /api/admin/v1 routes.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/angelmondragon/streamfair-backend/pkg/auth"
	"github.com/angelmondragon/streamfair-backend/pkg/config"
	"github.com/angelmondragon/streamfair-backend/pkg/logger"
)

func main() {
	logg := logger.New(logger.Options{ServiceName: "admin-token", Output: os.Stderr})

	_ = godotenv.Load()

	subject := flag.String("subject", "", "operator identity recorded in the token (required)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	token, err := auth.MintAdminToken(cfg.JWT, time.Now().UTC(), auth.AdminTokenPayload{Subject: *subject})
	if err != nil {
		logg.Error(context.Background(), "failed to mint admin token", err)
		os.Exit(1)
	}

	logg.Info(logg.WithFields(context.Background(), map[string]any{
		"subject":            *subject,
		"expiration_minutes": cfg.JWT.ExpirationMinutes,
	}), "admin token minted")
	fmt.Println(token)
}
