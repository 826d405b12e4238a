package main

import (
	"os"

	"github.com/alphabatem/common/context"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/studyforge-app/studyforge_api/middleware"
	"github.com/studyforge-app/studyforge_api/services"
)

func main() {
	err := godotenv.Load()
	if err != nil {
		log.Warn().Err(err).Msg("No .env file loaded")
	}

	// Services start in registration order: backing stores first, then
	// their consumers, the blocking HTTP listener last.
	var svcs []context.Service

	if os.Getenv("DB_DRIVER") == "sqlite" {
		svcs = append(svcs, &services.SqliteService{})
	} else {
		svcs = append(svcs, &services.PostgresService{})
	}

	if os.Getenv("RATE_LIMIT_BACKEND") == "redis" {
		svcs = append(svcs, &services.RedisService{})
	}

	svcs = append(svcs,
		&services.IdentityService{},
		&services.ThreatService{},
		&services.CounterService{},
		&services.RateLimitService{},
		&services.QuotaService{},
		&services.ExtractionService{},
		&middleware.AdmissionMiddleware{},
		&services.MonitoringService{},
		&services.HttpService{},
	)

	ctx, err := context.NewCtx(svcs...)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build service context")
	}

	if err := ctx.Run(); err != nil {
		log.Fatal().Err(err).Msg("Service runtime exited")
	}
}
