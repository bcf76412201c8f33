package main

import (
	"winnow/cmd/cmd"
	"winnow/internal/logger"
)

func main() {
	logger.Init() // Initialize the logger
	cmd.Execute()
}
