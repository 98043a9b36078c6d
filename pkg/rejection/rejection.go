// Package rejection classifies records that must never enter the match pool:
// internal bookkeeping accounts, organizations, and placeholder garbage.
package rejection

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/normalizers"
)

const (
	FilterInternalAccount = "internal_account"
	FilterOrganization    = "organization"
	FilterGarbage         = "garbage"
)

// Verdict is the result of running a record through the filter chain.
// Matched false means the record may proceed to candidate scoring.
type Verdict struct {
	Matched bool
	Filter  string
	Reason  string
}

type filter struct {
	name string
	eval func(record *models.NormalizedRecord) (bool, string)
}

// Chain evaluates the rejection filters in a fixed order; the first filter
// to fire wins. All filters are pure and read-only.
type Chain struct {
	filters []filter
	logger  ectologger.Logger
}

type compiledPatterns struct {
	internal     []*regexp.Regexp
	internalLits map[string]bool
	orgKeywords  []string
	garbage      []*regexp.Regexp
	placeholders map[string]bool
}

// NewChain compiles the pattern set into the ordered filter chain. Internal
// domains and phone numbers identify the operating organization's own
// accounts.
func NewChain(patterns *PatternSet, internalDomains, internalPhones []string, logger ectologger.Logger) (*Chain, error) {
	compiled, err := compile(patterns)
	if err != nil {
		return nil, err
	}

	domains := make([]string, 0, len(internalDomains))
	for _, d := range internalDomains {
		if d = strings.ToLower(strings.TrimSpace(d)); d != "" {
			domains = append(domains, d)
		}
	}
	phones := map[string]bool{}
	for _, p := range internalPhones {
		if p = normalizers.NormalizePhone(p); p != "" {
			phones[p] = true
		}
	}

	chain := &Chain{logger: logger}
	chain.filters = []filter{
		{name: FilterInternalAccount, eval: func(r *models.NormalizedRecord) (bool, string) {
			return evalInternal(r, compiled, domains, phones)
		}},
		{name: FilterOrganization, eval: func(r *models.NormalizedRecord) (bool, string) {
			return evalOrganization(r, compiled)
		}},
		{name: FilterGarbage, eval: func(r *models.NormalizedRecord) (bool, string) {
			return evalGarbage(r, compiled)
		}},
	}
	return chain, nil
}

// Evaluate runs the record through each filter in order and returns the
// first match.
func (c *Chain) Evaluate(record *models.NormalizedRecord) Verdict {
	for _, f := range c.filters {
		if matched, reason := f.eval(record); matched {
			c.logger.WithFields(map[string]any{
				"filter": f.name,
				"reason": reason,
				"source": record.SourceSystem,
			}).Debug("record rejected by filter")
			return Verdict{Matched: true, Filter: f.name, Reason: reason}
		}
	}
	return Verdict{}
}

func compile(patterns *PatternSet) (*compiledPatterns, error) {
	out := &compiledPatterns{
		internalLits: map[string]bool{},
		placeholders: map[string]bool{},
		orgKeywords:  patterns.OrganizationKeywords,
	}

	for _, p := range patterns.InternalPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid internal pattern %q: %w", p, err)
		}
		out.internal = append(out.internal, re)
	}
	for _, p := range patterns.GarbagePatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid garbage pattern %q: %w", p, err)
		}
		out.garbage = append(out.garbage, re)
	}
	for _, lit := range patterns.InternalLiterals {
		out.internalLits[normalizers.NormalizeName(lit)] = true
	}
	for _, lit := range patterns.PlaceholderLiterals {
		if normalized := normalizers.NormalizeName(lit); normalized != "" {
			out.placeholders[normalized] = true
		}
	}
	return out, nil
}

func evalInternal(r *models.NormalizedRecord, c *compiledPatterns, domains []string, phones map[string]bool) (bool, string) {
	if r.FullName != "" {
		if c.internalLits[r.FullName] {
			return true, fmt.Sprintf("internal account name %q", r.FullName)
		}
		for _, re := range c.internal {
			if re.MatchString(r.FullName) {
				return true, fmt.Sprintf("internal account pattern %q", re.String())
			}
		}
	}
	if r.Email != "" {
		for _, domain := range domains {
			if strings.HasSuffix(r.Email, "@"+domain) {
				return true, fmt.Sprintf("internal email domain %q", domain)
			}
		}
	}
	if r.Phone != "" && phones[r.Phone] {
		return true, "internal phone number"
	}
	return false, ""
}

func evalOrganization(r *models.NormalizedRecord, c *compiledPatterns) (bool, string) {
	if r.FullName == "" {
		return false, ""
	}
	for _, keyword := range c.orgKeywords {
		if containsWord(r.FullName, keyword) {
			return true, fmt.Sprintf("organization keyword %q", keyword)
		}
	}
	return false, ""
}

func evalGarbage(r *models.NormalizedRecord, c *compiledPatterns) (bool, string) {
	if r.FullName == "" {
		return false, ""
	}
	if c.placeholders[r.FullName] {
		return true, fmt.Sprintf("placeholder name %q", r.FullName)
	}
	for _, re := range c.garbage {
		if re.MatchString(r.FullName) {
			return true, fmt.Sprintf("garbage pattern %q", re.String())
		}
	}
	return false, ""
}

// containsWord matches keyword at word boundaries so "inc" does not fire on
// "lincoln". Multi-word keywords match as substrings.
func containsWord(name, keyword string) bool {
	if strings.Contains(keyword, " ") {
		return strings.Contains(name, keyword)
	}
	for _, word := range strings.Fields(name) {
		if word == keyword {
			return true
		}
	}
	return false
}
