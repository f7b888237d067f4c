package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/countryballcards/signup/internal/config"
	"github.com/countryballcards/signup/internal/repository"
)

// listQueries enumerates the service's tables per driver.
var listQueries = map[string]string{
	repository.DriverPostgres: "SELECT tablename FROM pg_tables WHERE schemaname='public' AND tablename IN ('email_subscribers','email_logs') ORDER BY tablename",
	repository.DriverMySQL:    "SELECT table_name FROM information_schema.tables WHERE table_schema = DATABASE() AND table_name IN ('email_subscribers','email_logs') ORDER BY table_name",
}

func main() {
	cfg, err := config.LoadFromEnv("config/config.yaml")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if cfg.Database.Driver == repository.DriverMemory {
		log.Fatal("memory driver has no schema to migrate")
	}

	dir := ""
	listOnly := false
	for _, a := range os.Args[1:] {
		if a == "--list" {
			listOnly = true
		} else {
			dir = a
		}
	}

	ctx := context.Background()
	db, err := repository.Open(ctx, cfg.Database)
	if err != nil {
		log.Fatalf("connect: %v", err)
	}
	defer db.Close()
	log.Printf("Connected to %s database", cfg.Database.Driver)

	if listOnly {
		if err := listTables(db, cfg.Database.Driver); err != nil {
			log.Fatal(err)
		}
		return
	}

	if err := repository.EnsureSchema(ctx, cfg.Database.Driver, db); err != nil {
		log.Fatalf("base schema: %v", err)
	}
	log.Println("Base schema applied")

	if dir == "" {
		log.Println("Migrations complete")
		return
	}

	okCount, errCount, err := applyDir(db, dir)
	if err != nil {
		log.Fatal(err)
	}
	log.Printf("Done: %d OK, %d errors", okCount, errCount)
	log.Println("Migrations complete")
}

func listTables(db *sql.DB, driver string) error {
	rows, err := db.Query(listQueries[driver])
	if err != nil {
		return err
	}
	defer rows.Close()
	n := 0
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return err
		}
		fmt.Println(" ", t)
		n++
	}
	fmt.Printf("Total: %d tables\n", n)
	return rows.Err()
}

// applyDir runs every *.sql file in dir in name order, each in its own
// transaction. A failing file is reported and skipped.
func applyDir(db *sql.DB, dir string) (int, int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, 0, fmt.Errorf("read migrations dir %s: %w", dir, err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	var okCount, errCount int
	for _, f := range files {
		path := filepath.Join(dir, f)
		data, err := os.ReadFile(path)
		if err != nil {
			return okCount, errCount, fmt.Errorf("read %s: %w", path, err)
		}
		content := string(data)
		if strings.TrimSpace(content) == "" {
			continue
		}
		fmt.Printf("  %s ... ", f)

		tx, err := db.Begin()
		if err != nil {
			fmt.Printf("BEGIN ERROR: %v\n", err)
			errCount++
			continue
		}
		if _, err := tx.Exec(content); err != nil {
			tx.Rollback()
			fmt.Printf("ERROR: %v\n", err)
			errCount++
		} else {
			tx.Commit()
			fmt.Println("OK")
			okCount++
		}
	}
	return okCount, errCount, nil
}
