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
		log.Fatalf("bootstrap worker runtime: %v", err)
	}
	if err := runtime.RunWorker(context.Background()); err != nil {
		log.Fatalf("run worker: %v", err)
	}
}
