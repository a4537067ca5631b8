package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"retailops.org/internal/migrate"
	"retailops.org/internal/obs"
)

func main() {
	log.SetFlags(0)
	var (
		dsn            = flag.String("dsn", os.Getenv("RETAIL_DATABASE_URL"), "PostgreSQL DSN")
		migrationsPath = flag.String("migrations", "", "read migrations from this directory instead of the embedded set")
		seedsPath      = flag.String("seeds", "", "read seeds from this directory (with -migrations)")
	)
	flag.Parse()

	if *dsn == "" {
		log.Fatal("missing DSN: provide via -dsn or RETAIL_DATABASE_URL")
	}
	if len(flag.Args()) == 0 {
		log.Fatal("usage: migrate [up|down|seed|status]")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := sql.Open("pgx", *dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()

	opts := []migrate.Option{migrate.WithLogger(obs.Configure(os.Stderr, "retail-migrate", "info"))}
	if *migrationsPath != "" {
		opts = append(opts, migrate.WithFS(os.DirFS("."), *migrationsPath, *seedsPath))
	}
	mgr := migrate.NewManager(db, opts...)

	switch flag.Arg(0) {
	case "up":
		var applied []string
		if applied, err = mgr.Up(ctx); err == nil {
			report("applied", applied)
		}
	case "seed":
		var applied []string
		if applied, err = mgr.Seed(ctx); err == nil {
			report("seeded", applied)
		}
	case "down":
		var reverted string
		reverted, err = mgr.Down(ctx)
		if errors.Is(err, migrate.ErrNothingApplied) {
			fmt.Println("nothing to revert")
			return
		}
		if err == nil {
			fmt.Println("reverted", reverted)
		}
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

func report(verb string, files []string) {
	if len(files) == 0 {
		fmt.Println("up to date")
		return
	}
	for _, f := range files {
		fmt.Println(verb, f)
	}
}
