package main

import (
	"context"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/tgifai/wxfhbridge/internal/pkg/logs"
)

func main() {
	cmd := &cli.Command{
		Name:  "bridge",
		Usage: "WeChat file-transfer-assistant to Telegram-Bot-API bridge",
		Commands: []*cli.Command{
			serveHwd.cmd(),
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		logs.Error("command execution failed: %v", err)
		os.Exit(1)
	}
}
