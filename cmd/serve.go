package cmd

import (
	"fmt"
	"net/http"
	"path/filepath"

	"github.com/catalystcommunity/app-utils-go/env"
	"github.com/urfave/cli/v2"

	"github.com/cryoboost/server/internal/api"
	"github.com/cryoboost/server/internal/clog"
	"github.com/cryoboost/server/internal/config"
	"github.com/cryoboost/server/internal/metadata"
	"github.com/cryoboost/server/internal/progress"
	"github.com/cryoboost/server/internal/state"
)

var (
	host string
	port int
)

var ServeCommand = &cli.Command{
	Name:  "serve",
	Usage: "Run the CryoBoost orchestration server",
	Flags: flags,
	Action: func(ctx *cli.Context) error {
		return Serve()
	},
}

// flags implements spec §6's CLI surface: --host (default 0.0.0.0) and
// --port (default 8081), nothing else.
var flags = []cli.Flag{
	&cli.StringFlag{
		Name:        "host",
		Value:       "0.0.0.0",
		Usage:       "Bind address for the HTTP/WebSocket surface",
		EnvVars:     []string{"CRBOOST_HOST"},
		Destination: &host,
	},
	&cli.IntFlag{
		Name:        "port",
		Value:       8081,
		Usage:       "Port to expose the HTTP/WebSocket surface on",
		EnvVars:     []string{"CRBOOST_PORT"},
		Destination: &port,
	},
}

// Serve loads configuration, wires the State Store and API surface, and
// blocks serving HTTP until the process exits (spec §6: exit code 0 on
// clean shutdown, non-zero on startup failure).
func Serve() error {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		clog.Log.WithError(err).Error("failed to load configuration")
		return err
	}

	store := state.New()
	store.StatusReader = progress.ReadStatuses
	store.ProbeReader = func(projectPath string) (metadata.Fields, error) {
		glob := filepath.Join(projectPath, "mdoc", "*")
		return metadata.Probe(glob, metadata.ProbeOptions{DoseCalibrationFactor: cfg.Local.DoseCalibrationFactor})
	}

	serverDir := env.GetEnvOrDefault("CRBOOST_SERVER_DIR", "/opt/cryoboost")
	pythonBin := env.GetEnvOrDefault("CRBOOST_PYTHON", "python3")

	deps := api.NewDependencies(store, cfg, serverDir, pythonBin)
	server := api.NewServer(deps)

	addr := fmt.Sprintf("%s:%d", host, port)
	clog.Log.WithField("addr", addr).Info("starting cryoboost server")
	return http.ListenAndServe(addr, server.Handler())
}
