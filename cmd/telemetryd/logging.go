package main

import (
	"io"
	"log"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/nicktill/grapher/pkg/config"
)

// setupLogging mirrors log output into a rotating file when one is
// configured. The returned func closes the file.
func setupLogging(cfg config.LogConfig) func() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	if cfg.File == "" {
		return func() {}
	}

	file := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   true,
	}
	log.SetOutput(io.MultiWriter(os.Stderr, file))
	log.Printf("Logging to %s (rotate at %d MB, keep %d)", cfg.File, cfg.MaxSizeMB, cfg.MaxBackups)

	return func() {
		log.SetOutput(os.Stderr)
		file.Close()
	}
}
