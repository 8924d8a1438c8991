package main

import (
	"os"

	"github.com/vanillabrand/fandom/internal/util"
	"github.com/vanillabrand/fandom/pkg/logger"
	"github.com/vanillabrand/fandom/pkg/logger/console"
)

func main() {
	util.LoadEnv()

	// logs go to stderr so stdout stays valid JSON
	logger.Init(console.NewConsoleLogger(console.ConsoleLoggerParams{
		Debug:  util.GetEnvBool("DEBUG", false),
		Output: os.Stderr,
	}))

	if err := rootCmd.Execute(); err != nil {
		logger.Error("Command execution failed", "err", err)
		os.Exit(1)
	}
}
