// @title        Device Orchestrator API
// @version      1.0
// @description  Provisions and drives Android devices across Docker, Huawei Cloud, Alibaba Cloud and lab handsets.
// @BasePath     /
package main

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"device-orchestrator/internal/config"

	_ "device-orchestrator/docs"
)

var envFiles []string

var rootCmd = &cobra.Command{
	Use:          "device-orchestrator",
	Short:        "Android device fleet orchestrator",
	SilenceUsage: true,
	RunE:         runServe,
}

func init() {
	rootCmd.PersistentFlags().StringSliceVar(&envFiles, "env-file", nil, "dotenv files read before the environment (default .env)")
	rootCmd.AddCommand(serveCmd, migrateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(cfg config.Config) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(os.Stdout).Level(lvl).With().Timestamp().
		Str("svc", cfg.ServiceName).Logger()
}
