package main

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"taskmaster/config"
	"taskmaster/storage"
)

func main() {
	cfg, err := config.LoadStorage()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	cfg.ConfigureLogger(log.StandardLogger())
	log.WithField("driver", cfg.Storage.Driver).Info("storage init starting")

	store, err := storage.Open(storage.Options{
		Driver:           cfg.Storage.Driver,
		ConnectionString: cfg.StoreDSN(),
		TasksTable:       cfg.Storage.TasksTable,
		UsersTable:       cfg.Storage.UsersTable,
	})
	if err != nil {
		log.Fatalf("storage: %v", err)
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := store.Provision(ctx); err != nil {
		log.Fatalf("provision: %v", err)
	}

	log.Info("storage init complete")
}
