package main

import (
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
)

// seedAccounts gives a fresh install something to dispatch: a spread of
// priorities and eyes-on requirements matching how monitored sites are
// typically tiered. Idempotent on account number.
const seedAccounts = `
INSERT INTO accounts (number, name, priority, allow_dismiss, eyes_on_count, timezone) VALUES
    ('ACC-1001', 'Riverside Depot',      1, FALSE, 2, 'America/Chicago'),
    ('ACC-1002', 'Harbor Yard',          2, TRUE,  1, 'America/New_York'),
    ('ACC-1003', 'Northgate Storage',    3, TRUE,  1, 'America/Denver'),
    ('ACC-1004', 'Westside Lot',         3, TRUE,  1, 'America/Los_Angeles'),
    ('ACC-1005', 'Quarry Access Road',   5, TRUE,  1, 'UTC')
ON CONFLICT (number) DO NOTHING`

func main() {
	upCmd := flag.Bool("up", false, "Run all up migrations")
	downCmd := flag.Bool("down", false, "Rollback all migrations")
	stepsCmd := flag.Int("steps", 0, "Run +/- steps")
	seedCmd := flag.Bool("seed", false, "Insert demo monitoring accounts (idempotent)")
	path := flag.String("path", "migrations", "Migrations directory")
	flag.Parse()

	db, err := sql.Open("postgres", dsnFromEnv())
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		log.Fatalf("Failed to ping database: %v", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		log.Fatalf("Failed to create migrate driver: %v", err)
	}

	m, err := migrate.NewWithDatabaseInstance("file://"+*path, "postgres", driver)
	if err != nil {
		log.Fatalf("Failed to initialize migrate: %v", err)
	}

	start := time.Now()
	switch {
	case *upCmd:
		log.Println("Running UP migrations...")
		if err := m.Up(); err != nil && err != migrate.ErrNoChange {
			log.Fatalf("Migration UP failed: %v", err)
		}
		log.Println("Migration UP completed.")
	case *downCmd:
		log.Println("Running DOWN migrations...")
		if err := m.Down(); err != nil && err != migrate.ErrNoChange {
			log.Fatalf("Migration DOWN failed: %v", err)
		}
		log.Println("Migration DOWN completed.")
	case *stepsCmd != 0:
		log.Printf("Running %d steps...\n", *stepsCmd)
		if err := m.Steps(*stepsCmd); err != nil && err != migrate.ErrNoChange {
			log.Fatalf("Migration Steps failed: %v", err)
		}
		log.Println("Migration Steps completed.")
	case *seedCmd:
		res, err := db.Exec(seedAccounts)
		if err != nil {
			log.Fatalf("Seed failed: %v", err)
		}
		n, _ := res.RowsAffected()
		log.Printf("Seed completed, %d accounts inserted.", n)
	default:
		log.Println("No command specified. Use -up, -down, -steps, or -seed.")
		version, dirty, err := m.Version()
		if err != nil {
			log.Println("No version found (empty db?).")
		} else {
			log.Printf("Current Version: %d, Dirty: %v\n", version, dirty)
		}
	}
	log.Printf("Duration: %v", time.Since(start))
}

func dsnFromEnv() string {
	host := os.Getenv("DB_HOST")
	port := os.Getenv("DB_PORT")
	user := os.Getenv("DB_USER")
	password := os.Getenv("DB_PASSWORD")
	dbname := os.Getenv("DB_NAME")
	sslmode := os.Getenv("DB_SSLMODE")

	if host == "" {
		host = "localhost"
	}
	if port == "" {
		port = "5432"
	}
	if sslmode == "" {
		sslmode = "disable"
	}

	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", user, password, host, port, dbname, sslmode)
}
