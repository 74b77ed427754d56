package main

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"log"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/pflag"

	"retailgate.in/internal/migrate"
)

func main() {
	log.SetFlags(0)
	var (
		dsn       = pflag.String("dsn", os.Getenv("RETAILGATE_PG_DSN"), "PostgreSQL DSN")
		seedsPath = pflag.String("seeds", "", "Directory with SQL seed files")
		timeout   = pflag.Duration("timeout", 30*time.Second, "Overall deadline")
	)
	pflag.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: migrate [flags] up|down|status|pending|seed")
		pflag.PrintDefaults()
	}
	pflag.Parse()

	if *dsn == "" {
		log.Fatal("missing DSN: provide via --dsn or RETAILGATE_PG_DSN")
	}
	if pflag.NArg() == 0 {
		pflag.Usage()
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	db, err := sql.Open("pgx", *dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()

	var opts []migrate.Option
	if *seedsPath != "" {
		var seeds fs.FS = os.DirFS(*seedsPath)
		opts = append(opts, migrate.WithSeeds(seeds))
	}
	mgr := migrate.NewManager(db, nil, opts...)

	switch pflag.Arg(0) {
	case "up":
		var applied []string
		applied, err = mgr.Up(ctx)
		if err == nil {
			if len(applied) == 0 {
				fmt.Println("nothing to apply")
			}
			for _, name := range applied {
				fmt.Println("applied", name)
			}
		}
	case "down":
		var name string
		name, err = mgr.Down(ctx)
		if err == nil {
			fmt.Println("rolled back", name)
		}
	case "status":
		var history []string
		history, err = mgr.Status(ctx)
		if err == nil {
			for _, item := range history {
				fmt.Println(item)
			}
		}
	case "pending":
		var pending []string
		pending, err = mgr.Pending(ctx)
		if err == nil {
			for _, item := range pending {
				fmt.Println(item)
			}
		}
	case "seed":
		err = mgr.Seed(ctx)
	default:
		log.Fatalf("unknown command %q", pflag.Arg(0))
	}
	if err != nil {
		log.Fatalf("migrate %s: %v", pflag.Arg(0), err)
	}
}
