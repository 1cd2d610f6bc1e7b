package main

import (
	"context"
	"os"

	"github.com/hybridchain/hybridchain/cmd/hybridchain/commands"
	"github.com/hybridchain/hybridchain/config"
	"github.com/hybridchain/hybridchain/libs/cli"
	"github.com/hybridchain/hybridchain/libs/log"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conf := config.DefaultConfig()
	logger := log.MustNewDefaultLogger(log.LogFormatPlain, log.LogLevelInfo)

	rcmd := commands.RootCommand(conf, logger)
	rcmd.AddCommand(
		commands.MakeInitFilesCommand(conf, logger),
		commands.NewRunNodeCmd(conf, logger),
		commands.MakeShowBestCommand(conf, logger),
		commands.VersionCmd,
	)

	if err := cli.Execute(ctx, rcmd); err != nil {
		os.Exit(1)
	}
}
