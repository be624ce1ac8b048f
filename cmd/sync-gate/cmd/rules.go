package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	celeval "github.com/Sentinel-Gate/Syncgate/internal/adapter/outbound/cel"
	"github.com/Sentinel-Gate/Syncgate/internal/adapter/outbound/couch"
	"github.com/Sentinel-Gate/Syncgate/internal/config"
	"github.com/Sentinel-Gate/Syncgate/internal/domain/acl"
	"github.com/Sentinel-Gate/Syncgate/internal/domain/document"
)

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Check or publish the rule document",
	Long: `Work with the rule document that drives the permission filter.

Rule files are YAML or JSON objects mapping a role name to its ordered
rule list. Keys starting with an underscore are ignored.

Examples:
  # Validate a rule file without touching the backend
  sync-gate rules check rules.yaml

  # Validate and publish it to the configured rule document
  sync-gate rules push rules.yaml`,
}

var rulesCheckCmd = &cobra.Command{
	Use:   "check <file>",
	Short: "Validate a rule file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		roles, err := readRuleFile(args[0])
		if err != nil {
			return err
		}
		report, err := checkRules(roles)
		if err != nil {
			return err
		}
		printRuleReport(cmd.OutOrStdout(), report)
		return nil
	},
}

var rulesPushCmd = &cobra.Command{
	Use:   "push <file>",
	Short: "Validate a rule file and publish it to the backend",
	Args:  cobra.ExactArgs(1),
	RunE:  runRulesPush,
}

func init() {
	rulesCmd.AddCommand(rulesCheckCmd)
	rulesCmd.AddCommand(rulesPushCmd)
	rootCmd.AddCommand(rulesCmd)
}

// ruleReport summarizes a checked rule file.
type ruleReport struct {
	Roles    int
	Rules    int
	Warnings []string
}

// readRuleFile loads a YAML or JSON rule file. Underscore keys are dropped.
func readRuleFile(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rule file: %w", err)
	}
	// JSON is valid YAML, so one decoder covers both formats.
	var roles map[string]any
	if err := yaml.Unmarshal(data, &roles); err != nil {
		return nil, fmt.Errorf("%s: %w: %w", path, acl.ErrMalformedRules, err)
	}
	if roles == nil {
		return nil, fmt.Errorf("%s: %w: empty rule file", path, acl.ErrMalformedRules)
	}
	for key := range roles {
		if strings.HasPrefix(key, "_") {
			delete(roles, key)
		}
	}
	return roles, nil
}

// checkRules runs the same checks the gateway applies when it loads the
// rule document, plus the advisory ones.
func checkRules(roles map[string]any) (ruleReport, error) {
	raw, err := json.Marshal(roles)
	if err != nil {
		return ruleReport{}, fmt.Errorf("%w: %w", acl.ErrMalformedRules, err)
	}
	cfg, _, err := acl.ParseRuleDocument(raw)
	if err != nil {
		return ruleReport{}, err
	}

	evaluator, err := celeval.NewEvaluator()
	if err != nil {
		return ruleReport{}, fmt.Errorf("failed to create expression evaluator: %w", err)
	}
	if _, err := acl.NewRuleSet(cfg, "", evaluator); err != nil {
		return ruleReport{}, err
	}
	if errs := acl.CheckVariables(cfg); len(errs) > 0 {
		return ruleReport{}, fmt.Errorf("%w: %w", acl.ErrMalformedRules, errors.Join(errs...))
	}

	report := ruleReport{Roles: len(cfg)}
	for _, rules := range cfg {
		report.Rules += len(rules)
	}
	for _, o := range acl.Overlaps(cfg) {
		report.Warnings = append(report.Warnings,
			fmt.Sprintf("%s and %s disagree on %s", acl.RoleDefault, acl.RolePublic, o))
	}
	if _, ok := cfg[acl.RolePublic]; !ok {
		report.Warnings = append(report.Warnings,
			fmt.Sprintf("no %q role: anonymous requests are denied everything", acl.RolePublic))
	}
	return report, nil
}

func printRuleReport(w io.Writer, r ruleReport) {
	fmt.Fprintf(w, "OK: %d roles, %d rules\n", r.Roles, r.Rules)
	for _, warning := range r.Warnings {
		fmt.Fprintf(w, "warning: %s\n", warning)
	}
}

// ruleDocument builds the document stored in the backend from checked roles.
func ruleDocument(id, rev string, roles map[string]any) document.Doc {
	doc := make(document.Doc, len(roles)+2)
	for role, rules := range roles {
		doc[role] = rules
	}
	doc["_id"] = id
	if rev != "" {
		doc["_rev"] = rev
	}
	return doc
}

func runRulesPush(cmd *cobra.Command, args []string) error {
	roles, err := readRuleFile(args[0])
	if err != nil {
		return err
	}
	report, err := checkRules(roles)
	if err != nil {
		return err
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}
	backend, err := couch.NewClient(cfg.Backend.URL,
		couch.WithTimeout(config.Duration(cfg.Backend.Timeout, couch.DefaultTimeout)),
		couch.WithCredentials(cfg.Backend.Username, cfg.Backend.Password),
	)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	var rev string
	current, err := backend.Get(ctx, cfg.Rules.Database, cfg.Rules.DocID, nil)
	switch {
	case err == nil:
		rev = current.Rev()
	case errors.Is(err, document.ErrNotFound):
	default:
		return fmt.Errorf("failed to read current rule document: %w", err)
	}

	res, err := backend.Put(ctx, cfg.Rules.Database, ruleDocument(cfg.Rules.DocID, rev, roles))
	if err != nil {
		return fmt.Errorf("failed to publish rule document: %w", err)
	}

	out := cmd.OutOrStdout()
	printRuleReport(out, report)
	fmt.Fprintf(out, "published %s/%s at revision %s\n", cfg.Rules.Database, cfg.Rules.DocID, res.Rev)
	return nil
}
