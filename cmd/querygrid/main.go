package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/flagext"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/yaml.v2"

	"github.com/querygrid/querygrid/pkg/querygrid"
	util_log "github.com/querygrid/querygrid/pkg/util/log"
)

func main() {
	var (
		cfg        querygrid.Config
		configFile = ""
	)
	flag.StringVar(&configFile, "config.file", "", "Configuration file to load.")
	flagext.RegisterFlags(&cfg)
	flag.Parse()

	if configFile != "" {
		if err := readConfig(configFile, &cfg); err != nil {
			fmt.Fprintf(os.Stderr, "failed loading config %s: %v\n", configFile, err)
			os.Exit(1)
		}
	}

	logger := util_log.InitLogger(cfg.LogLevel, cfg.LogFormat, prometheus.DefaultRegisterer)

	if err := cfg.Validate(); err != nil {
		level.Error(logger).Log("msg", "invalid config", "err", err)
		os.Exit(1)
	}

	app, err := querygrid.New(cfg, logger, prometheus.DefaultRegisterer)
	if err != nil {
		level.Error(logger).Log("msg", "error initialising querygrid", "err", err)
		os.Exit(1)
	}

	runErr := app.Run()
	if runErr != nil {
		level.Error(logger).Log("msg", "error running querygrid", "err", runErr)
	}

	if err := app.Stop(); err != nil {
		level.Error(logger).Log("msg", "error stopping querygrid", "err", err)
		os.Exit(1)
	}
	if runErr != nil {
		os.Exit(1)
	}
}

func readConfig(filename string, cfg *querygrid.Config) error {
	buf, err := os.ReadFile(filepath.Clean(filename))
	if err != nil {
		return errors.Wrap(err, "opening config file")
	}
	if err := yaml.Unmarshal(buf, cfg); err != nil {
		return errors.Wrap(err, "parsing config file")
	}
	return nil
}
