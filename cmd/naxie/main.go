package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root, err := newRootCommand(&app{})
	cobra.CheckErr(err)

	if err := root.ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

func newRootCommand(a *app) (*cobra.Command, error) {
	root := &cobra.Command{
		Use:           "naxie",
		Short:         "Terminal client for the naxie chat backend",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init(cmd)
		},
	}
	a.addFlags(root)

	modelsCmd, err := NewModelsCommand(a)
	if err != nil {
		return nil, err
	}
	optionsCmd, err := NewOptionsCommand(a)
	if err != nil {
		return nil, err
	}
	cobraModelsCmd, err := buildGlazedCommand(modelsCmd)
	if err != nil {
		return nil, err
	}
	cobraOptionsCmd, err := buildGlazedCommand(optionsCmd)
	if err != nil {
		return nil, err
	}
	replayCmd, err := newReplayCommand(a)
	if err != nil {
		return nil, err
	}

	root.AddCommand(
		newChatCommand(a),
		cobraModelsCmd,
		cobraOptionsCmd,
		newUploadCommand(a),
		replayCmd,
		newServeMockCommand(a),
		newEventsCommand(a),
	)
	return root, nil
}
