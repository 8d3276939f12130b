package main

import (
	"context"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/equipcare/backend/internal/config"
	"github.com/equipcare/backend/internal/logging"
	"github.com/equipcare/backend/internal/repository/minio"
	"github.com/equipcare/backend/internal/repository/ports"
	"github.com/equipcare/backend/internal/repository/postgres"
	"github.com/equipcare/backend/internal/service"
	transport "github.com/equipcare/backend/internal/transport/http"
)

func main() {
	cfg := config.Load()

	if cfg.LogstashTCPAddr != "" {
		writer, err := logging.NewLogstashWriter(cfg.LogstashTCPAddr)
		if err != nil {
			log.Printf("logstash disabled: %v", err)
		} else {
			defer writer.Close()
			log.SetOutput(io.MultiWriter(os.Stdout, writer))
		}
	}

	db, err := postgres.New(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("connect database: %v", err)
	}
	defer db.Close()

	var storage ports.ObjectStorage
	if cfg.MinIOEndpoint != "" {
		client, err := minio.NewClient(cfg.MinIOEndpoint, cfg.MinIOAccessKey, cfg.MinIOSecretKey, cfg.MinIOUseSSL)
		if err != nil {
			log.Fatalf("connect object storage: %v", err)
		}
		storage = minio.NewStorage(client)
	}

	jobRepo := postgres.NewImportJobRepo(db)
	equipmentRepo := postgres.NewEquipmentRepo(db)

	importSvc := service.NewImportService(jobRepo, equipmentRepo, storage, service.ImportServiceConfig{
		Bucket:         cfg.MinIOBucketImports,
		Workers:        cfg.ImportWorkers,
		MaxRows:        cfg.ImportMaxRows,
		MaxFileBytes:   cfg.ImportMaxFileBytes,
		RowTimeout:     cfg.ImportRowTimeout,
		RetryMax:       cfg.ImportRetryMax,
		RetryBackoff:   cfg.ImportRetryBackoff,
		PMIntervalMths: cfg.PMIntervalMonths,
	})

	e := transport.NewRouter(cfg.AllowOrigins)
	transport.RegisterImportJobs(e, importSvc, cfg.ImportMaxFileBytes)
	transport.RegisterSwagger(e)

	go func() {
		if err := e.Start(":" + cfg.Port); err != nil {
			log.Printf("http server stopped: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := importSvc.Shutdown(shutdownCtx); err != nil {
		log.Printf("import engine shutdown: %v", err)
	}
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown: %v", err)
	}
}
