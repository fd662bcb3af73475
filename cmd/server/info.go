package main

import (
	"encoding/json"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/Brownie44l1/classify-api/internal/config"
	"github.com/Brownie44l1/classify-api/internal/logging"
	"github.com/Brownie44l1/classify-api/internal/serving"
)

var infoCmd = &cobra.Command{
	Use:   "info [model path]",
	Short: "Load a model and print its metadata and session info",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runInfo,
}

func runInfo(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if len(args) == 1 {
		cfg.Model.Path = args[0]
	}
	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.File)
	if err != nil {
		return err
	}
	if cfg.Logging.File == "" {
		logger.SetOutput(cmd.ErrOrStderr())
	}

	_, handle, closeModel, err := loadModel(cmd.Context(), cfg, logrus.NewEntry(logger))
	if err != nil {
		return err
	}
	defer closeModel()

	info, err := serving.NewService(serving.Options{Handle: handle}).ModelInfo()
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(info)
}
