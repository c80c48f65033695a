// Package commands – classify.go classifies commands from the CLI, either
// one-shot or in an interactive REPL.
package commands

import (
	"fmt"
	"io"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/jholhewres/shellgate/pkg/shellgate/security"
)

// newClassifyCmd creates the `shellgate classify` command.
func newClassifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "classify [command]",
		Short: "Classify a shell command (green/yellow/red)",
		Long: `Run a command string through the classifier and print the decision.

Examples:
  shellgate classify "ls -la"
  shellgate classify "rm -rf /"
  shellgate classify -i   # interactive REPL`,
		Args: cobra.MaximumNArgs(1),
		RunE: runClassify,
	}

	cmd.Flags().BoolP("interactive", "i", false, "interactive classification REPL")
	return cmd
}

func runClassify(cmd *cobra.Command, args []string) error {
	logger := newLogger(cmd)
	patterns := security.NewDefaultPatternStore(logger)
	classifier := security.NewClassifier(patterns, logger)

	if len(args) > 0 {
		printClassification(classifier.Classify(args[0], nil))
		return nil
	}

	interactive, _ := cmd.Flags().GetBool("interactive")
	if !interactive {
		return fmt.Errorf("provide a command or use --interactive")
	}

	rl, err := readline.New("classify> ")
	if err != nil {
		return fmt.Errorf("starting REPL: %w", err)
	}
	defer rl.Close()

	fmt.Println("Interactive classifier. Enter commands, /quit to exit.")
	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt || err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == "/quit" || line == "/exit" {
			return nil
		}
		printClassification(classifier.Classify(line, nil))
	}
}

func printClassification(cls security.Classification) {
	marker := map[security.Tier]string{
		security.TierGreen:  "✓",
		security.TierYellow: "?",
		security.TierRed:    "✗",
	}[cls.Tier]

	fmt.Printf("%s %s/%s  %s\n", marker, cls.Tier, cls.Action, cls.Reason)
	if cls.MatchedPattern != "" {
		fmt.Printf("  pattern: %s\n", cls.MatchedPattern)
	}
}
