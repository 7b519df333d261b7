// Command migrate runs schema operations for the backend.
package main

import (
	"flag"
	"fmt"
	"log"
	"strings"

	"agora/internal/config"
	"agora/internal/database"
	"agora/internal/middleware"

	"gorm.io/gorm"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func usage() error {
	return fmt.Errorf("usage: go run ./cmd/migrate <up|status|reset>")
}

func run() error {
	flag.Parse()
	if flag.NArg() < 1 {
		return usage()
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// Open without database.Connect so nothing is migrated implicitly.
	db, err := gorm.Open(database.Dialector(cfg), &gorm.Config{
		Logger: database.NewGormLogger(middleware.Logger),
	})
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}

	switch strings.ToLower(strings.TrimSpace(flag.Arg(0))) {
	case "up":
		if err := database.Migrate(db); err != nil {
			return err
		}
		log.Println("automigrations applied")
	case "status":
		migrator := db.Migrator()
		pending := 0
		for _, m := range database.PersistentModels() {
			stmt := &gorm.Statement{DB: db}
			if err := stmt.Parse(m); err != nil {
				return fmt.Errorf("parse model: %w", err)
			}
			state := "present"
			if !migrator.HasTable(m) {
				state = "missing"
				pending++
			}
			log.Printf("%-20s %s", stmt.Schema.Table, state)
		}
		log.Printf("env=%s driver=%s missing=%d", cfg.Env, cfg.DBDriver, pending)
	case "reset":
		if cfg.IsProduction() {
			return fmt.Errorf("refusing to reset a production database")
		}
		all := database.PersistentModels()
		for i := len(all) - 1; i >= 0; i-- {
			if err := db.Migrator().DropTable(all[i]); err != nil {
				return fmt.Errorf("drop table: %w", err)
			}
		}
		if err := database.Migrate(db); err != nil {
			return err
		}
		log.Println("database reset")
	default:
		return usage()
	}

	return nil
}
