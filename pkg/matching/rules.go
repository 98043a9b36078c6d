package matching

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"

	"github.com/Ramsey-B/clover/pkg/models"
)

// LoadRules reads a scoring rule table from a JSON file. The file fully
// replaces the built-in defaults so weights can be retuned without a
// redeploy. The decision thresholds themselves are configuration, not rules.
func LoadRules(path string) ([]models.ScoreRule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error while reading score rule file %s: %w", path, err)
	}

	var rules []models.ScoreRule
	if err := json.Unmarshal(data, &rules); err != nil {
		return nil, fmt.Errorf("error while parsing score rule file %s: %w", path, err)
	}

	validate := validator.New()
	for i, rule := range rules {
		if err := validate.Struct(rule); err != nil {
			return nil, fmt.Errorf("invalid score rule %d (%s): %w", i, rule.Name, err)
		}
		if !rule.Kind.Valid() {
			return nil, fmt.Errorf("invalid score rule %d (%s): unknown kind %q", i, rule.Name, rule.Kind)
		}
	}
	return rules, nil
}

// RulesFromConfig loads the configured rule file, or the defaults when no
// file is configured.
func RulesFromConfig(path string) ([]models.ScoreRule, error) {
	if path == "" {
		return models.DefaultScoreRules(), nil
	}
	return LoadRules(path)
}
