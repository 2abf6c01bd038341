package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"mapportal.org/internal/migrate"
	migrations "mapportal.org/ops/migrations"
)

func main() {
	log.SetFlags(0)
	defaultDSN := os.Getenv("MAPPORTAL_PG_DSN")
	if defaultDSN == "" {
		defaultDSN = os.Getenv("DATABASE_URL")
	}
	var (
		dsn     = flag.String("dsn", defaultDSN, "PostgreSQL DSN")
		timeout = flag.Duration("timeout", 30*time.Second, "Overall deadline")
		table   = flag.String("table", "", "goose version table (default goose_db_version)")
	)
	flag.Parse()

	if *dsn == "" {
		log.Fatal("missing DSN: provide via -dsn, MAPPORTAL_PG_DSN or DATABASE_URL")
	}
	if len(flag.Args()) == 0 {
		log.Fatal("usage: migrate [up|down|seed|status]")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	db, err := sql.Open("pgx", *dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()

	mgr := migrate.NewManager(db, migrations.FS, "sql", "seeds", migrate.WithVersionTable(*table))

	switch flag.Arg(0) {
	case "up":
		err = mgr.Up(ctx)
	case "down":
		err = mgr.Down(ctx)
	case "seed":
		err = mgr.Seed(ctx)
	case "status":
		var history []string
		history, err = mgr.Status(ctx)
		if err == nil {
			for _, item := range history {
				fmt.Println(item)
			}
		}
	default:
		log.Fatalf("unknown command %q", flag.Arg(0))
	}
	if err != nil {
		log.Fatalf("migrate %s: %v", flag.Arg(0), err)
	}
}
