package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	p8core "github.com/p8db/p8core"
)

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Register and list entity schemas",
}

var schemaAddCmd = &cobra.Command{
	Use:   "add <schema-file>",
	Short: "Register a schema document (spec §6: register_schema)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		var doc p8core.SchemaDoc
		if strings.HasSuffix(args[0], ".json") {
			err = json.Unmarshal(raw, &doc)
		} else {
			err = yaml.Unmarshal(raw, &doc)
		}
		if err != nil {
			return fmt.Errorf("parse schema document: %w", err)
		}
		sc, err := cmdCtx.database.RegisterSchema(cmdCtx.ctx, doc)
		if err != nil {
			return err
		}
		fmt.Printf("registered schema %q (category=%q, key_field=%q)\n", sc.Name, sc.Category, sc.KeyField)
		return nil
	},
}

var schemaListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered schemas",
	RunE: func(cmd *cobra.Command, args []string) error {
		category, _ := cmd.Flags().GetString("category")
		var schemas []*p8core.Schema
		if category != "" {
			schemas = cmdCtx.database.ListByCategory(category)
		} else {
			schemas = cmdCtx.database.ListSchemas()
		}
		if cmdCtx.jsonOut {
			return json.NewEncoder(os.Stdout).Encode(schemas)
		}
		for _, sc := range schemas {
			fmt.Printf("%s\tcategory=%s\tkey_field=%s\n", sc.Name, sc.Category, sc.KeyField)
		}
		return nil
	},
}

func init() {
	schemaListCmd.Flags().String("category", "", "filter by declared category")
	schemaCmd.AddCommand(schemaAddCmd, schemaListCmd)
	rootCmd.AddCommand(schemaCmd)
}
