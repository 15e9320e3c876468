package main

import (
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/kestrelfs/kestrel"
	"github.com/kestrelfs/kestrel/internal/cmdsupport"
	"github.com/kestrelfs/kestrel/internal/kestrelconfig"
	"github.com/kestrelfs/kestrel/internal/kestrellog"
)

var watchConfiguration struct {
	// config is the path to a TOML or YAML configuration file.
	config string
	// logLevel overrides the configuration file's log level, if set.
	logLevel string
}

// registerWatchFlags binds watchConfiguration to command's flags.
func registerWatchFlags(command *cobra.Command) {
	flags := command.Flags()
	flags.StringVarP(&watchConfiguration.config, "config", "c", "", "Load a kestrelwatch configuration file (TOML or YAML)")
	flags.StringVar(&watchConfiguration.logLevel, "log-level", "", "Override the configured log level (disabled|error|warn|info|debug)")
}

// watchMain is the kestrelwatch entry point: it loads configuration (if
// any), watches every configured root, and prints events until a
// termination signal arrives.
func watchMain(command *cobra.Command, arguments []string) error {
	config := &kestrelconfig.WatcherConfig{}
	if watchConfiguration.config != "" {
		loaded, err := kestrelconfig.Load(watchConfiguration.config)
		if err != nil {
			return errors.Wrap(err, "unable to load configuration")
		}
		config = loaded
	}
	config.Roots = append(config.Roots, arguments...)

	if len(config.Roots) == 0 {
		return errors.New("no roots specified (pass paths as arguments or list them in a configuration file)")
	}

	if watchConfiguration.logLevel != "" {
		config.LogLevel = watchConfiguration.logLevel
	}

	sink := kestrel.NewChannelSink(64, kestrel.PolicyDropWithOverflow)
	server := kestrel.NewServer(sink)
	server.SetLogLevel(config.ResolveLogLevel(kestrellog.LevelWarn))
	if config.WindowsBufferSize > 0 {
		server.SetWindowsBufferSize(int(config.WindowsBufferSize))
	}
	if config.LatencyMilliseconds > 0 {
		server.SetLatency(time.Duration(config.LatencyMilliseconds) * time.Millisecond)
	}

	if err := server.Start(); err != nil {
		return errors.Wrap(err, "unable to start watch server")
	}
	defer server.Close()

	var filter kestrel.Filter
	if len(config.Ignore) > 0 {
		filter = kestrel.GlobFilter(config.Ignore...)
	}

	for _, root := range config.Roots {
		if err := server.StartWatchingWithFilter(root, filter); err != nil {
			return errors.Wrapf(err, "unable to watch %s", root)
		}
		fmt.Println("Watching", root)
	}

	signalTermination := make(chan os.Signal, 1)
	signal.Notify(signalTermination, cmdsupport.TerminationSignals...)

	for {
		select {
		case event := <-sink.Events:
			printEvent(event)
		case <-signalTermination:
			fmt.Println("Received termination signal, stopping...")
			return nil
		}
	}
}

// printEvent renders a single kestrel.Event in a human-readable form.
func printEvent(event kestrel.Event) {
	switch event.Type {
	case kestrel.EventChange:
		fmt.Printf("%s: %s\n", event.Kind, event.Path)
	case kestrel.EventOverflow:
		if event.Scope == "" {
			fmt.Println("overflow (global)")
		} else {
			fmt.Println("overflow:", event.Scope)
		}
	case kestrel.EventUnknown:
		fmt.Println("unknown:", event.Path)
	case kestrel.EventFailure:
		cmdsupport.Warning(fmt.Sprintf("%s: %s", event.ErrKind, event.Message))
	}
}
