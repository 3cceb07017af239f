package config

import (
	"io"

	log "github.com/sirupsen/logrus"
)

// ConfigureLogging sets up the standard logrus logger from cfg, writing to out
func ConfigureLogging(cfg LogConfig, out io.Writer) error {
	level, err := log.ParseLevel(cfg.Level)
	if err != nil {
		return err
	}

	if cfg.Format == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
	log.SetOutput(out)
	log.SetLevel(level)
	return nil
}
