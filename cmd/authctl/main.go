package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"clubhub.app/internal/auth"
	"clubhub.app/internal/config"
	"clubhub.app/internal/obs"
	"clubhub.app/internal/store/pg"
)

const usage = `usage: authctl [-config file] <command> [flags]

commands:
  hash-password   read a password from stdin and print its peppered argon2id hash
  gen-code        print a fresh join code and its peppered hash
  seed -file f    create users listed in a YAML file`

func main() {
	log := obs.Logger()
	configPath := flag.String("config", os.Getenv("CLUBHUB_CONFIG"), "Path to YAML config")
	flag.Usage = func() { fmt.Fprintln(os.Stderr, usage) }
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.WithError(err).Fatal("load config")
		}
		cfg = loaded
	}
	if v := os.Getenv("CLUBHUB_PG_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("CLUBHUB_AUTH_PEPPER"); v != "" {
		cfg.Auth.Pepper = v
	}

	args := flag.Args()[1:]
	var err error
	switch flag.Arg(0) {
	case "hash-password":
		err = hashPassword(cfg.Auth.Pepper)
	case "gen-code":
		err = genCode(cfg.Auth.Pepper)
	case "seed":
		err = seed(cfg, args)
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		log.WithError(err).WithField("command", flag.Arg(0)).Fatal("authctl failed")
	}
}

func hashPassword(pepper string) error {
	hasher, err := auth.NewHasher(pepper)
	if err != nil {
		return err
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return fmt.Errorf("read password: %w", err)
	}
	hash, err := hasher.HashPassword(strings.TrimRight(line, "\r\n"))
	if err != nil {
		return err
	}
	fmt.Println(hash)
	return nil
}

func genCode(pepper string) error {
	hasher, err := auth.NewHasher(pepper)
	if err != nil {
		return err
	}
	code, err := auth.GenerateCode()
	if err != nil {
		return err
	}
	fmt.Printf("code: %s\nhash: %s\n", code, hasher.HashCode(code))
	return nil
}

func seed(cfg config.Config, args []string) error {
	fs := flag.NewFlagSet("seed", flag.ExitOnError)
	file := fs.String("file", "", "YAML file with users")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *file == "" {
		return fmt.Errorf("seed: -file is required")
	}
	if cfg.Database.DSN == "" {
		return fmt.Errorf("seed: database dsn is required")
	}
	hasher, err := auth.NewHasher(cfg.Auth.Pepper)
	if err != nil {
		return err
	}
	users, err := loadSeedFile(*file)
	if err != nil {
		return err
	}
	store, err := pg.Open(cfg.Database)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	res, err := seedUsers(ctx, store, hasher, users)
	if err != nil {
		return err
	}
	obs.Logger().WithField("created", res.Created).WithField("skipped", res.Skipped).Info("seed complete")
	return nil
}
