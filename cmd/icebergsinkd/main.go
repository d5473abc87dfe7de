package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/ankurbansal-tradedoubler/iceberg/sink"
)

func main() {
	cfgPath := flag.String("config", "iceberg-sink.yaml", "path to config file")
	flag.Parse()

	cfg, err := sink.Load(*cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := buildLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("build logger: %v", err)
	}
	defer logger.Sync()

	s := sink.New(cfg, sink.WithLogger(logger))
	if err := s.Start(); err != nil {
		logger.Fatal("failed to start sink", zap.Error(err))
	}
	logger.Info("sink started", zap.String("group-id", cfg.GroupID))

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down")
	s.Stop()
}

func buildLogger(cfg sink.LoggingConfig) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
	}
	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	zcfg.Level = level
	return zcfg.Build()
}
