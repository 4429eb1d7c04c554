package main

import (
	"fmt"
	"log"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

const defaultConfigPath = "configs/crawler/config.yaml"

// NewRootCmd creates the root command of the crawler.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "crawler",
		Short: "Run browser spiders once or as queue workers",
		Long: `crawler drives headless-browser spiders.

In parser mode a spider processes the inputs given on the command line and
prints the items as JSON lines. In worker mode it consumes tasks from its
RabbitMQ queue until interrupted.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			if err := godotenv.Load(); err != nil {
				log.Println("No .env file found, using environment variables or flags")
			}
		},
	}

	configPath := os.Getenv("CRAWLER_CONFIG_PATH")
	if configPath == "" {
		configPath = defaultConfigPath
	}
	cmd.PersistentFlags().StringP("config", "c", configPath, "Path to configuration file")

	cmd.AddCommand(NewCrawlCmd())
	cmd.AddCommand(NewListCmd())

	return cmd
}

// Execute runs the root command and exits 1 on error.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
