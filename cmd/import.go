package cmd

import (
	"context"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/spigell/qcs-matcher/internal/importer"
)

var importCmd = &cobra.Command{
	Use:   "import <file.json>",
	Short: "Seed profiles and block pairs into the configured store",
	Args:  cobra.ExactArgs(1),
	Run: func(_ *cobra.Command, args []string) {
		importFile(args[0])
	},
}

func init() {
	rootCmd.AddCommand(importCmd)
}

func importFile(path string) {
	ctx := context.Background()
	logger, config := setup()
	defer logger.Sync()

	f, err := os.Open(path)
	if err != nil {
		logger.Fatal("opening import file", zap.Error(err))
	}
	defer f.Close()

	ds, err := importer.Decode(f, logger)
	if err != nil {
		logger.Fatal("decoding import file", zap.String("path", path), zap.Error(err))
	}

	st, err := openStore(ctx, config.Store, logger)
	if err != nil {
		logger.Fatal("opening store", zap.Error(err))
	}
	defer st.Close()

	if _, err := importer.Apply(ctx, st, ds, logger); err != nil {
		logger.Fatal("import failed", zap.Error(err))
	}
}
