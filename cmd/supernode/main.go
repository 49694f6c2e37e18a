package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"n2n-go/pkg/appdir"
	"n2n-go/pkg/log"
	"n2n-go/pkg/supernode"

	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:      "supernode",
		Usage:     "n2n-go rendezvous and forwarding supernode",
		UsageText: "supernode [options]",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"l"},
				Usage:   "edge UDP listen `PORT`",
				Value:   supernode.DefaultEdgePort,
			},
			&cli.BoolFlag{
				Name:    "foreground",
				Aliases: []string{"f"},
				Usage:   "run in the foreground (the supernode never daemonizes, so this is always the case)",
			},
			&cli.IntFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "verbosity `LEVEL`; any value above 0 also logs to stdout",
			},
			&cli.IntFlag{
				Name:    "snm-port",
				Aliases: []string{"s"},
				Usage:   "enable supernode federation and listen for SNM on `PORT`",
			},
			&cli.StringSliceFlag{
				Name:    "seed",
				Aliases: []string{"i"},
				Usage:   "seed peer supernode `IP:PORT` (repeatable)",
			},
			&cli.StringFlag{
				Name:  "state-dir",
				Usage: "directory for persisted peer/community state",
				Value: appdir.AppDir(),
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	cfg, err := supernode.LoadConfig()
	if err != nil {
		return cli.Exit(fmt.Sprintf("failed to load configuration: %v", err), -2)
	}

	cfg.StateDir = c.String("state-dir")
	log.MustInit("supernode")
	defer log.Close()

	cfg.ApplyFlags(
		c.Int("port"),
		c.Int("snm-port"),
		c.Bool("foreground"),
		c.Int("verbose"),
		c.StringSlice("seed"),
		c.IsSet("port"),
		c.IsSet("snm-port"),
		c.IsSet("seed"),
	)

	if cfg.Verbose > 0 {
		log.SetStd()
	}

	sn, err := supernode.New(cfg)
	if err != nil {
		return cli.Exit(fmt.Sprintf("failed to initialize supernode: %v", err), -2)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Printf("supernode: received signal %s, shutting down", sig)
		sn.Close()
		os.Exit(0)
	}()

	if err := sn.Start(); err != nil {
		sn.Close()
		return cli.Exit(fmt.Sprintf("coordinator startup failed: %v", err), -2)
	}

	log.Printf("supernode: listening for edges on :%d, management on :%d", cfg.EdgePort, cfg.MgmtPort)
	if cfg.CoordinatorEnabled {
		log.Printf("supernode: federation enabled, SNM on :%d with %d seed peer(s)", cfg.SNMPort, len(cfg.SeedPeers))
	}

	if err := sn.Run(); err != nil {
		sn.Close()
		return cli.Exit(fmt.Sprintf("event loop exited: %v", err), -2)
	}

	sn.Close()
	return nil
}
