package main

import (
	"log"
	"os"

	"github.com/spf13/pflag"

	"github.com/campuslink/chat-app/internal/config"
	"github.com/campuslink/chat-app/internal/db"
)

func main() {
	fs := pflag.NewFlagSet("migrate", pflag.ExitOnError)
	databaseURL := fs.String("database-url", "", "PostgreSQL URL (default: database_url from config)")
	down := fs.Int("down", 0, "roll back this many migrations instead of applying")
	configName := fs.String("config", "campus", "config file name under config/")
	_ = fs.Parse(os.Args[1:])

	url := *databaseURL
	if url == "" {
		cfg, err := config.Read(*configName)
		if err != nil {
			log.Fatalf("config: %v", err)
		}
		url = cfg.DatabaseURL
	}

	if *down > 0 {
		log.Printf("rolling back %d migration(s)", *down)
		if err := db.Rollback(url, *down); err != nil {
			log.Fatalf("%v", err)
		}
		return
	}
	if err := db.Migrate(url); err != nil {
		log.Fatalf("%v", err)
	}
}
