package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Policies are per-call-site governor overrides loaded from YAML:
//
//	call_sites:
//	  contact.submit:
//	    debounce: 1.5s
//	    max_retries: 2
//	    retry_delay_base: ${CONTACT_RETRY_BASE}
//	    rate_limit_phrases: ["Too many requests"]
type Policies struct {
	CallSites map[string]CallSitePolicy `yaml:"call_sites"`
}

// CallSitePolicy overrides the environment defaults for one call site.
// Zero fields keep the default.
type CallSitePolicy struct {
	Debounce         time.Duration `yaml:"debounce"`
	MaxRetries       int           `yaml:"max_retries"`
	RetryDelayBase   time.Duration `yaml:"retry_delay_base"`
	MaxDelay         time.Duration `yaml:"max_delay"`
	Jitter           *bool         `yaml:"jitter"`
	RateLimitPhrases []string      `yaml:"rate_limit_phrases"`
}

// CallSite is the resolved governor configuration for one call site.
type CallSite struct {
	Name             string
	Debounce         time.Duration
	MaxRetries       int
	RetryDelayBase   time.Duration
	MaxDelay         time.Duration
	Jitter           bool
	RateLimitPhrases []string // nil means the built-in phrases
}

// LoadPolicies reads and parses a policy file, expanding env vars.
func LoadPolicies(path string) (*Policies, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("policies: read %s: %w", path, err)
	}
	p, err := LoadPoliciesBytes(raw)
	if err != nil {
		return nil, fmt.Errorf("policies: %s: %w", path, err)
	}
	return p, nil
}

// LoadPoliciesBytes parses policies from bytes.
func LoadPoliciesBytes(data []byte) (*Policies, error) {
	expanded := expandEnvVars(string(data))
	var p Policies
	if err := yaml.Unmarshal([]byte(expanded), &p); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	for name, cs := range p.CallSites {
		if cs.Debounce < 0 || cs.MaxRetries < 0 || cs.RetryDelayBase < 0 || cs.MaxDelay < 0 {
			return nil, fmt.Errorf("call site %q: negative value", name)
		}
	}
	return &p, nil
}

// CallSite resolves name against the environment defaults and p, which
// may be nil.
func (c *Config) CallSite(name string, p *Policies) CallSite {
	cs := CallSite{
		Name:           name,
		MaxRetries:     c.MaxRetries,
		RetryDelayBase: c.RetryDelayBase,
	}
	switch name {
	case CallSiteContactSubmit:
		cs.Debounce = c.ContactDebounce
	case CallSiteAdminContacts:
		cs.Debounce = c.AdminContactsDebounce
	}

	if p == nil {
		return cs
	}
	o, ok := p.CallSites[name]
	if !ok {
		return cs
	}
	if o.Debounce > 0 {
		cs.Debounce = o.Debounce
	}
	if o.MaxRetries > 0 {
		cs.MaxRetries = o.MaxRetries
	}
	if o.RetryDelayBase > 0 {
		cs.RetryDelayBase = o.RetryDelayBase
	}
	if o.MaxDelay > 0 {
		cs.MaxDelay = o.MaxDelay
	}
	if o.Jitter != nil {
		cs.Jitter = *o.Jitter
	}
	if len(o.RateLimitPhrases) > 0 {
		cs.RateLimitPhrases = o.RateLimitPhrases
	}
	return cs
}

// envVarPattern matches ${VAR_NAME} and $VAR_NAME.
var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces ${VAR} and $VAR with the corresponding environment
// variable value. Missing vars are replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := strings.TrimPrefix(match, "${")
		name = strings.TrimSuffix(name, "}")
		name = strings.TrimPrefix(name, "$")
		return os.Getenv(name)
	})
}
