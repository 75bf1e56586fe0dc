package main

import (
	"context"

	"github.com/injadlu/dama/dama-golib/cmdline"
	"github.com/injadlu/dama/dama-golib/collective"
	"github.com/injadlu/dama/dama-golib/errors"
	"github.com/injadlu/dama/dama-golib/logging"
)

var coordinatorCmd = cmdline.Command{
	Name:     "coordinator",
	Synopsis: "serve the rendezvous for ranks running in separate processes",
	Args: &coordinatorArgs{
		Addr:     ":7070",
		LogLevel: "info",
	},
}

type coordinatorArgs struct {
	World    int    `arg:"--world,required" help:"number of ranks"`
	Addr     string `arg:"--addr" help:"address to listen on"`
	LogLevel string `arg:"--log-level"`
}

func (args *coordinatorArgs) Validate() error {
	if args.World < 1 {
		return errors.Errorf("--world must be positive, got %d", args.World)
	}
	return nil
}

func (args *coordinatorArgs) Handle(ctx context.Context) error {
	logger := logging.New(logging.Options{Level: args.LogLevel})
	defer logger.Sync()

	c, err := collective.NewCoordinator(args.World, logger)
	if err != nil {
		return err
	}
	return c.ListenAndServe(ctx, args.Addr)
}
