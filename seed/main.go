// seed/main.go
//
// Installs or updates per-user quota overrides without going through the
// running API, e.g. for support escalations:
//
//	go run ./seed -user 7f2c... -resource ai_extraction -limit 50
package main

import (
	"context"
	"flag"
	"log"
	"os"

	"github.com/joho/godotenv"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/studyforge-app/studyforge_api/model"
	"github.com/studyforge-app/studyforge_api/services"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using system environment variables")
	}

	var (
		userID   = flag.String("user", "", "User ID to override")
		resource = flag.String("resource", "ai_extraction", "Resource type")
		limit    = flag.Int("limit", -1, "Daily limit (required, >= 0; 0 disables the resource)")
		remove   = flag.Bool("remove", false, "Remove the override instead")
	)
	flag.Parse()

	if *userID == "" {
		log.Fatal("missing -user")
	}
	if !*remove && *limit < 0 {
		log.Fatal("missing -limit")
	}

	db, err := openDB()
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}

	if err := db.AutoMigrate(&model.QuotaOverride{}, &model.QuotaUsage{}); err != nil {
		log.Fatalf("failed to migrate: %v", err)
	}

	if *remove {
		result := db.Where("user_id = ? AND resource_type = ?", *userID, *resource).
			Delete(&model.QuotaOverride{})
		if result.Error != nil {
			log.Fatalf("failed to remove override: %v", result.Error)
		}
		log.Printf("Removed %d override(s) for %s/%s", result.RowsAffected, *userID, *resource)
		return
	}

	enforcer := services.NewQuotaEnforcer(db, 0, nil)
	if err := enforcer.SetOverride(context.Background(), *userID, *resource, *limit); err != nil {
		log.Fatalf("failed to set override: %v", err)
	}
	log.Printf("Override set: %s/%s daily_limit=%d", *userID, *resource, *limit)
}

func openDB() (*gorm.DB, error) {
	config := &gorm.Config{Logger: logger.Default.LogMode(logger.Error)}

	if os.Getenv("DB_DRIVER") == "sqlite" {
		path := os.Getenv("DB_DATABASE")
		if path == "" {
			path = "studyforge.db"
		}
		return gorm.Open(sqlite.Open(path), config)
	}

	dsn := os.Getenv("DATABASE_URL")
	return gorm.Open(postgres.Open(dsn), config)
}
