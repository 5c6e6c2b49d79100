package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

const (
	formatTable = "table"
	formatJSON  = "json"
	formatYAML  = "yaml"
	formatTOML  = "toml"
)

func addFormatFlag(cmd *cobra.Command) {
	cmd.Flags().StringP("format", "f", formatTable, "Output format: table, json, yaml or toml")
}

func formatFlag(cmd *cobra.Command) (string, error) {
	f, _ := cmd.Flags().GetString("format")
	switch f {
	case formatTable, formatJSON, formatYAML, formatTOML:
		return f, nil
	}
	return "", fmt.Errorf("unknown format %q (want table, json, yaml or toml)", f)
}

// writeStructured encodes v under key. TOML needs a table at the top level,
// so every format wraps the value the same way.
func writeStructured(w io.Writer, format, key string, v any) error {
	doc := map[string]any{key: v}
	switch format {
	case formatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(doc)
	case formatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(doc); err != nil {
			return err
		}
		return enc.Close()
	case formatTOML:
		return toml.NewEncoder(w).Encode(doc)
	}
	return fmt.Errorf("unknown format %q", format)
}
