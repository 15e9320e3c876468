package main

import (
	"github.com/spf13/cobra"

	"github.com/kestrelfs/kestrel/internal/cmdsupport"
)

// rootCommand is the kestrelwatch entry point.
var rootCommand = &cobra.Command{
	Use:          "kestrelwatch",
	Short:        "Watch one or more directories for filesystem changes",
	Run:          cmdsupport.Mainify(watchMain),
	SilenceUsage: true,
}

var rootConfiguration struct {
	// help indicates whether or not help information should be shown for
	// the command.
	help bool
}

func init() {
	flags := rootCommand.Flags()
	flags.SortFlags = false
	flags.BoolVarP(&rootConfiguration.help, "help", "h", false, "Show help information")

	registerWatchFlags(rootCommand)
}

func main() {
	if err := rootCommand.Execute(); err != nil {
		cmdsupport.Fatal(err)
	}
}
