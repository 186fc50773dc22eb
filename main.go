package main

import (
	"os"

	"github.com/catalystcommunity/app-utils-go/logging"
	"github.com/urfave/cli/v2"

	"github.com/cryoboost/server/cmd"
)

func main() {
	app := &cli.App{
		Name:  "cryoboost-server",
		Usage: "Headnode-resident cryo-electron-tomography pipeline orchestrator",
		Commands: []*cli.Command{
			cmd.ServeCommand,
		},
	}
	err := app.Run(os.Args)
	if err != nil {
		// log fatal so we exit with the proper exit code, this is important for containerized deployment health checks
		logging.Log.WithError(err).Fatal("runtime error")
	}
}
