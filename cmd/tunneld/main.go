// Command tunneld is the daemon's entry point: it resolves configuration
// from flags and the environment, then hands off to the orchestrator for
// mode selection and the run loop.
package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"beam-tunnel-daemon/internal/config"
	"beam-tunnel-daemon/internal/orchestrator"

	"github.com/joho/godotenv"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("warning: could not load .env file (%v), using process environment", err)
	}

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, "tunneld:", err)
		os.Exit(1)
	}

	orch := orchestrator.New(cfg)
	if err := orch.Run(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "tunneld:", err)
		os.Exit(1)
	}
}
