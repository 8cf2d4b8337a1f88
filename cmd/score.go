package cmd

import (
	"context"
	"encoding/json"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/spigell/qcs-matcher/internal/qcs"
)

var scoreCmd = &cobra.Command{
	Use:   "score <user-id>",
	Short: "Recompute the QCS of a user and print the result",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		score(cmd, args[0])
	},
}

func init() {
	rootCmd.AddCommand(scoreCmd)

	scoreCmd.Flags().String("physical", "", "free-text physical notes forwarded to the AI")
	scoreCmd.Flags().String("mental", "", "free-text mental notes forwarded to the AI")
	scoreCmd.Flags().String("description", "", "used as the bio when the profile has none")
	scoreCmd.Flags().String("model", "", "preferred AI model for this request")
}

func score(cmd *cobra.Command, userID string) {
	ctx := context.Background()
	logger, config := setup()
	defer logger.Sync()

	c, err := newComponents(ctx, config, logger)
	if err != nil {
		logger.Fatal("building components", zap.Error(err))
	}
	defer c.Close()

	req := qcs.Request{UserID: userID}
	req.Physical, _ = cmd.Flags().GetString("physical")
	req.Mental, _ = cmd.Flags().GetString("mental")
	req.Description, _ = cmd.Flags().GetString("description")
	req.PreferredModel, _ = cmd.Flags().GetString("model")

	resp, err := c.scorer.Score(ctx, req)
	if err != nil {
		logger.Fatal("scoring failed", zap.String("user_id", userID), zap.Error(err))
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(resp); err != nil {
		logger.Fatal("printing result", zap.Error(err))
	}
}
