package main

import (
	"github.com/vanillabrand/fandom/internal/server"
	"github.com/vanillabrand/fandom/internal/util"
	"github.com/vanillabrand/fandom/pkg/logger"
	"github.com/vanillabrand/fandom/pkg/logger/console"

	_ "github.com/lib/pq"
)

func main() {
	util.LoadEnv()

	debug := util.GetEnvBool("DEBUG", false)

	consoleLogger := console.NewConsoleLogger(console.ConsoleLoggerParams{
		Debug: debug,
		JSON:  util.GetEnvBool("LOG_JSON", false),
	})
	logger.Init(consoleLogger)

	server.Init()
}
