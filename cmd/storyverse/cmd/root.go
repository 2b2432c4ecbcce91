package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/jmcleod/storyverse/internal/config"
)

// Version is set at build time with -ldflags "-X ...cmd.Version=...".
var Version = "dev"

var envFile string

var rootCmd = &cobra.Command{
	Use:   "storyverse",
	Short: "Storyverse turns images into illustrated stories",
	Long: `Storyverse signs in with a phone number, uploads an image with a short
description and a style, and browses the generated stories and their PDFs,
from the terminal or from a local web interface (storyverse serve).

Settings come from flags, STORYVERSE_* environment variables and .env files.`,
	SilenceUsage: true,
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	config.RegisterFlags(rootCmd.PersistentFlags())
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "load environment variables from this file instead of ./.env")
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	var files []string
	if envFile != "" {
		files = append(files, envFile)
	}
	return config.Load(cmd.Flags(), files...)
}
