package main

import (
	"github.com/ova-exporter/ova-exporter/cmd/ova-exporter/commands"
	"github.com/ova-exporter/ova-exporter/pkg/logger"
)

func main() {
	// Replaced once the configuration is loaded
	logger.Setup(logger.Config{Level: "info", Format: "console"})

	commands.Execute()
}
