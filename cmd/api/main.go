package main

import (
	"context"
	"flag"
	"log"
	"os"

	"affiliate-ledger-api/internal/app/bootstrap"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_FILE"), "Path to a JSON or YAML config file")
	flag.Parse()

	runtime, err := bootstrap.NewRuntime(*configPath)
	if err != nil {
		log.Fatalf("bootstrap api runtime: %v", err)
	}
	if err := runtime.RunAPI(context.Background()); err != nil {
		log.Fatalf("run api: %v", err)
	}
}
