package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/spigell/qcs-matcher/internal/matching"
)

const promptDone = "done"

var matchCmd = &cobra.Command{
	Use:   "match <user-id>",
	Short: "Rank compatible candidates for a user",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		match(cmd, args[0])
	},
}

func init() {
	rootCmd.AddCommand(matchCmd)

	matchCmd.Flags().IntP("limit", "l", 0, "number of matches to return (default from matching.default-limit)")
	matchCmd.Flags().BoolP("interactive", "i", false, "pick candidates from a list to inspect their breakdown")
}

func match(cmd *cobra.Command, userID string) {
	ctx := context.Background()
	logger, config := setup()
	defer logger.Sync()

	c, err := newComponents(ctx, config, logger)
	if err != nil {
		logger.Fatal("building components", zap.Error(err))
	}
	defer c.Close()

	limit, _ := cmd.Flags().GetInt("limit")
	res, err := c.matcher.Find(ctx, userID, limit)
	if err != nil {
		logger.Fatal("matching failed", zap.String("user_id", userID), zap.Error(err))
	}

	if interactive, _ := cmd.Flags().GetBool("interactive"); interactive {
		if err := inspect(res); err != nil {
			logger.Fatal("exiting", zap.Error(err))
		}
		return
	}

	if err := printJSON(res); err != nil {
		logger.Fatal("printing result", zap.Error(err))
	}
}

// inspect lets the operator walk through the ranking one candidate at a time.
func inspect(res *matching.Result) error {
	if len(res.Matches) == 0 {
		fmt.Println("no matches found")
		return nil
	}

	items := make([]string, 0, len(res.Matches)+1)
	for i, m := range res.Matches {
		items = append(items, fmt.Sprintf("%d. %s (compatibility %d, %s)", i+1, m.UserID, m.CompatibilityScore, m.Persona))
	}
	items = append(items, promptDone)

	for {
		prompt := promptui.Select{
			Label: "Candidate",
			Items: items,
			Size:  10,
		}
		idx, choice, err := prompt.Run()
		if errors.Is(err, promptui.ErrInterrupt) || errors.Is(err, promptui.ErrEOF) || choice == promptDone {
			return nil
		}
		if err != nil {
			return err
		}
		if err := printJSON(res.Matches[idx]); err != nil {
			return err
		}
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
