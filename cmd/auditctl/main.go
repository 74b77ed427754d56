// auditctl verifies and extracts tenant audit chains straight from PostgreSQL,
// for compliance reviews that should not depend on the API being up.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/spf13/pflag"

	"retailgate.in/internal/audit"
	"retailgate.in/internal/store/pg"
)

func main() {
	log.SetFlags(0)
	var (
		dsn     = pflag.String("dsn", os.Getenv("RETAILGATE_PG_DSN"), "PostgreSQL DSN")
		tenant  = pflag.String("tenant", "", "Tenant whose chain to read")
		from    = pflag.String("from", "", "Export lower bound, RFC3339 (inclusive)")
		to      = pflag.String("to", "", "Export upper bound, RFC3339 (exclusive)")
		out     = pflag.StringP("out", "o", "", "Write output to file instead of stdout")
		timeout = pflag.Duration("timeout", 5*time.Minute, "Overall deadline")
	)
	pflag.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: auditctl --tenant ID [flags] verify|export")
		pflag.PrintDefaults()
	}
	pflag.Parse()

	if *dsn == "" {
		log.Fatal("missing DSN: provide via --dsn or RETAILGATE_PG_DSN")
	}
	if *tenant == "" || pflag.NArg() != 1 {
		pflag.Usage()
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	store, err := pg.Open(*dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer store.Close()
	chain := audit.NewChain(store, nil)

	var w io.Writer = os.Stdout
	if *out != "" {
		f, err := os.Create(*out)
		if err != nil {
			log.Fatalf("create %s: %v", *out, err)
		}
		defer f.Close()
		w = f
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	switch pflag.Arg(0) {
	case "verify":
		report, err := chain.VerifyIntegrity(ctx, *tenant)
		if err != nil {
			log.Fatalf("verify: %v", err)
		}
		if err := enc.Encode(report); err != nil {
			log.Fatalf("write report: %v", err)
		}
		if !report.Valid {
			log.Printf("chain for %s is broken: %d divergent entries", *tenant, len(report.InvalidEntries))
			os.Exit(3)
		}
	case "export":
		lo, err := parseBound(*from)
		if err != nil {
			log.Fatalf("--from: %v", err)
		}
		hi, err := parseBound(*to)
		if err != nil {
			log.Fatalf("--to: %v", err)
		}
		bundle, err := chain.Export(ctx, *tenant, lo, hi)
		if err != nil {
			log.Fatalf("export: %v", err)
		}
		if err := enc.Encode(bundle); err != nil {
			log.Fatalf("write bundle: %v", err)
		}
		if !bundle.Integrity.Valid {
			log.Printf("warning: chain for %s failed verification", *tenant)
		}
	default:
		log.Fatalf("unknown command %q", pflag.Arg(0))
	}
}

func parseBound(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, raw)
}
