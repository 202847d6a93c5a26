package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/arkade-os/batch-settler/internal/config"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

//nolint:all
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var configFileFlag = &cli.StringFlag{
	Name:    "config",
	Usage:   "path to a yaml, toml or json config file",
	EnvVars: []string{"SETTLER_CONFIG"},
}

var configCommand = &cli.Command{
	Name:   "config",
	Usage:  "Print the loaded configuration",
	Action: printConfig,
}

func main() {
	app := cli.NewApp()
	app.Name = "batch-settler"
	app.Version = fmt.Sprintf("%s (%s, %s)", version, commit, date)
	app.Usage = "settle vtxos into ark batches"
	app.Flags = append([]cli.Flag{configFileFlag}, config.Flags...)
	app.Before = loadConfigFile
	app.Commands = append(app.Commands, configCommand)
	app.Action = mainAction

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func mainAction(c *cli.Context) error {
	cfg, err := config.LoadConfig(c)
	if err != nil {
		return fmt.Errorf("invalid config: %s", err)
	}

	log.SetLevel(log.Level(cfg.LogLevel))
	if cfg.LogLevel >= int(log.DebugLevel) {
		log.Debugf("loaded config:\n%s", cfg)
	}

	if err := cfg.Validate(); err != nil {
		cfg.Close()
		return fmt.Errorf("invalid config: %s", err)
	}

	svc, err := cfg.AppService()
	if err != nil {
		cfg.Close()
		return err
	}

	log.RegisterExitHandler(func() {
		svc.Stop()
		cfg.Close()
	})

	log.Info("starting service...")
	if err := svc.Start(); err != nil {
		return err
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT, os.Interrupt)
	<-sigChan

	log.Info("shutting down service...")
	log.Exit(0)
	return nil
}

func printConfig(c *cli.Context) error {
	cfg, err := config.LoadConfig(c)
	if err != nil {
		return err
	}
	fmt.Println(cfg)
	return nil
}
