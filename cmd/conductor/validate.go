package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ormasoftchile/conductor/pkg/directive"
)

var validateCmd = &cobra.Command{
	Use:   "validate [document.yaml]",
	Short: "Validate a directive document against the schema",
	Args:  cobra.ExactArgs(1),
	RunE:  runValidate,
}

func runValidate(cmd *cobra.Command, args []string) error {
	doc, errs := directive.ValidateFile(args[0])
	if len(errs) > 0 {
		reportValidation(errs)
		return fmt.Errorf("validation failed")
	}
	n := 0
	list, err := doc.Compile()
	if err != nil {
		return err
	}
	directive.Walk(list, func(directive.Directive) { n++ })
	fmt.Printf("✓ %s is valid (%d directives)\n", args[0], n)
	return nil
}

func reportValidation(errs []*directive.ValidationError) {
	fmt.Fprintf(os.Stderr, "Validation failed: %d error(s)\n\n", len(errs))
	for i, e := range errs {
		fmt.Fprintf(os.Stderr, "  %d. [%s] %s\n", i+1, e.Phase, e.Message)
		if e.Path != "" {
			fmt.Fprintf(os.Stderr, "     at: %s\n", e.Path)
		}
	}
}

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Print the JSON schema of directive documents",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := directive.GenerateJSONSchema()
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return err
	},
}
