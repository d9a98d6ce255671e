package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/yuuki/flowping/internal/config"
	"github.com/yuuki/flowping/internal/controller"
)

func main() {
	// Parse command line flags
	flagSet := pflag.NewFlagSet("flowping-controller", pflag.ExitOnError)
	config.SetupControllerFlags(flagSet)
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		log.Fatal().Err(err).Msg("Failed to parse flags")
	}

	configPath, _ := flagSet.GetString("config")
	createConfig, _ := flagSet.GetBool("create-config")
	configOutput, _ := flagSet.GetString("config-output")
	showVersion, _ := flagSet.GetBool("version")

	// Show version information
	if showVersion {
		fmt.Println("Flowping Controller")
		fmt.Println("Version: 0.1.0")
		return
	}

	// Create default configuration file if requested
	if createConfig {
		if err := config.CreateDefaultControllerConfig(configOutput); err != nil {
			log.Fatal().Err(err).Str("path", configOutput).Msg("Failed to create default configuration")
		}
		fmt.Printf("Default configuration written to %s\n", configOutput)
		return
	}

	// Create and run controller
	ctrl, err := controller.New(configPath, flagSet)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create controller")
	}

	// Run the controller with signal handling
	if err := ctrl.Run(); err != nil {
		log.Fatal().Err(err).Msg("Controller failed")
	}
}
