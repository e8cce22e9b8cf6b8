package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"interfix/internal/classify"
	"interfix/internal/document"
)

var classifyJSON bool

var classifyCmd = &cobra.Command{
	Use:   "classify [file]",
	Short: "Attribute layout defects without repairing anything",
	Long: `Runs only the static classifier over one document and prints every
defect it attributes: the broken element, the defect kind, the blocker
when one exists, and whether the rule catalog or the generative fixer
would handle it.`,
	Args: cobra.ExactArgs(1),
	RunE: runClassify,
}

func init() {
	classifyCmd.Flags().BoolVar(&classifyJSON, "json", false, "Emit defects as JSON")
}

func runClassify(cmd *cobra.Command, args []string) error {
	raw, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading %s: %w", args[0], err)
	}

	classifier := classify.New(classify.Config{
		ViewportWidth:  cfg.Browser.ViewportWidth,
		ViewportHeight: cfg.Browser.ViewportHeight,
	}, logger)
	defer classifier.Close()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.GetRepairTimeout())
	defer cancel()

	defects, err := classifier.Classify(ctx, document.New(raw), nil)
	if err != nil {
		return err
	}

	if classifyJSON {
		data, err := json.MarshalIndent(defects, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	}

	if len(defects) == 0 {
		fmt.Printf("%s: no defects found\n", args[0])
		return nil
	}

	fmt.Printf("%s: %d defect(s)\n\n", args[0], len(defects))
	for _, d := range defects {
		route := "catalog"
		if d.RequiresGenerative {
			route = "generative"
		}
		fmt.Printf("%-18s %-24s conf=%.2f via %s\n", d.Kind, d.Selector, d.Confidence, route)
		if d.Blocker != nil {
			fmt.Printf("%18s blocked by %s (layer %d)\n", "", d.Blocker.Selector, d.Blocker.LayerIndex)
		}
		for _, ev := range d.Evidence {
			fmt.Printf("%18s - %s\n", "", ev)
		}
	}
	return nil
}
