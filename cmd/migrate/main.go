package main

import (
	"context"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"time"

	"clubhub.app/internal/config"
	"clubhub.app/internal/migrate"
	"clubhub.app/internal/obs"
	"clubhub.app/internal/store/pg"
)

func main() {
	log := obs.Logger()
	var (
		configPath = flag.String("config", os.Getenv("CLUBHUB_CONFIG"), "Path to YAML config")
		dsn        = flag.String("dsn", "", "PostgreSQL DSN (overrides config)")
		seedsPath  = flag.String("seeds", "", "Directory with SQL seed files")
	)
	flag.Parse()

	if len(flag.Args()) == 0 {
		log.Fatal("usage: migrate [-config file] [-dsn dsn] [-seeds dir] up|down|seed|status")
	}

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.WithError(err).Fatal("load config")
		}
		cfg = loaded
	}
	if *dsn != "" {
		cfg.Database.DSN = *dsn
	}
	if v := os.Getenv("CLUBHUB_PG_DSN"); cfg.Database.DSN == "" && v != "" {
		cfg.Database.DSN = v
	}
	if cfg.Database.DSN == "" {
		log.Fatal("missing DSN: provide via -dsn, config or CLUBHUB_PG_DSN")
	}
	obs.SetLevel(cfg.Logging.Level)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store, err := pg.Open(cfg.Database)
	if err != nil {
		log.WithError(err).Fatal("open db")
	}
	defer store.Close()

	var seeds fs.FS
	if *seedsPath != "" {
		seeds = os.DirFS(*seedsPath)
	}
	mgr := migrate.NewManager(store.DB(), migrate.Migrations(), seeds)

	cmd := flag.Arg(0)
	switch cmd {
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
		log.Fatalf("unknown command %q", cmd)
	}
	if err != nil {
		log.WithError(err).WithField("command", cmd).Fatal("migrate failed")
	}
	log.WithField("command", cmd).Info("migrate complete")
}
