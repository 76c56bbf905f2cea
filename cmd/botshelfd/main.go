package main

import (
	"log"

	"github.com/botshelf/botshelf/core/cmd"
)

func main() {
	err := cmd.Run(cmd.Options{
		ConfigEnvVar:      "CONFIG_PATH",
		DefaultConfigPath: "config.yaml",
	})
	if err != nil {
		log.Fatalf("botshelfd: %v", err)
	}
}
