package main

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/aristath/droidrunner/internal/api"
	"github.com/aristath/droidrunner/internal/config"
)

// app carries the viper instance shared by every subcommand.
type app struct {
	v *viper.Viper
}

func (a *app) runtime() (config.Runtime, error) {
	return config.RuntimeFromViper(a.v)
}

func (a *app) client() (*api.Client, error) {
	rt, err := a.runtime()
	if err != nil {
		return nil, err
	}
	return api.NewClient(rt.Server, nil), nil
}

// newRootCommand builds the droidrunner command tree.
func newRootCommand() *cobra.Command {
	a := &app{v: config.NewViper()}

	root := &cobra.Command{
		Use:   "droidrunner",
		Short: "Schedule and supervise droid CLI tasks",
		Long: `droidrunner queues prompts for droids, runs them through the droid CLI
under concurrency limits, and keeps their output and history.

Run "droidrunner serve" to start the scheduler, then use the other
subcommands to talk to it.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.String(config.KeyDataDir, a.v.GetString(config.KeyDataDir), "Directory for the database and logs")
	flags.String(config.KeyLogLevel, a.v.GetString(config.KeyLogLevel), "Log level (debug, info, warn, error)")
	flags.String(config.KeyServer, a.v.GetString(config.KeyServer), "Base URL of a running droidrunner server")
	flags.String(config.KeyGlobalConfig, a.v.GetString(config.KeyGlobalConfig), "Global config file")
	flags.String(config.KeyProjectConfig, a.v.GetString(config.KeyProjectConfig), "Project config file")
	for _, key := range []string{config.KeyDataDir, config.KeyLogLevel, config.KeyServer, config.KeyGlobalConfig, config.KeyProjectConfig} {
		_ = a.v.BindPFlag(key, flags.Lookup(key))
	}

	root.AddCommand(
		newServeCommand(a),
		newSubmitCommand(a),
		newCancelCommand(a),
		newRetryCommand(a),
		newPauseCommand(a),
		newResumeCommand(a),
		newStatusCommand(a),
		newHistoryCommand(a),
		newOutputCommand(a),
		newProjectCommand(a),
		newDroidCommand(a),
	)
	return root
}
