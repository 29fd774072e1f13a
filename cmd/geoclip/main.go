package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"geoclip/internal/cli"
	"geoclip/internal/config"
	"geoclip/internal/logging"
)

func main() {
	// Optional .env for local development; missing file is fine.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "geoclip: load config: %v\n", err)
		os.Exit(1)
	}

	log := logging.Setup(cfg)

	if err := cli.NewRootCmd(cfg, log).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "geoclip: %v\n", err)
		os.Exit(1)
	}
}
