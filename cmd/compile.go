package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"insights-engine/internal/model"
	"insights-engine/internal/registry"
	"insights-engine/internal/service"
)

var compileCmd = &cobra.Command{
	Use:   "compile",
	Short: "Print the SQL an insight query compiles to",
	Long: `Compile an insight query without touching any store.

Examples:
  insights compile -f query.json
  cat query.json | insights compile -f - --timezone Europe/Berlin`,
	RunE: runCompile,
}

var (
	compileFile     string
	compileRegistry string
	compileTimezone string
)

func init() {
	rootCmd.AddCommand(compileCmd)

	compileCmd.Flags().StringVarP(&compileFile, "file", "f", "-", "query JSON file, - for stdin")
	compileCmd.Flags().StringVar(&compileRegistry, "registry", os.Getenv("WAREHOUSE_REGISTRY_PATH"), "warehouse registry YAML")
	compileCmd.Flags().StringVar(&compileTimezone, "timezone", "", "timezone used when the query has none")
}

func runCompile(cmd *cobra.Command, args []string) error {
	var in io.Reader = cmd.InOrStdin()
	if compileFile != "-" {
		f, err := os.Open(compileFile)
		if err != nil {
			return fmt.Errorf("open query: %w", err)
		}
		defer f.Close()
		in = f
	}

	var q model.InsightQuery
	if err := json.NewDecoder(in).Decode(&q); err != nil {
		return fmt.Errorf("decode query: %w", err)
	}
	if q.Time.Timezone == "" {
		q.Time.Timezone = compileTimezone
	}

	reg, err := registry.NewFileRegistry(compileRegistry, zap.NewNop())
	if err != nil {
		return fmt.Errorf("load warehouse registry: %w", err)
	}
	svc := service.NewInsightService(nil, reg, zap.NewNop(), nil, service.Options{})

	compiled, err := svc.Compile(q)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(compiled)
}
