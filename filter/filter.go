package filter

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync/atomic"

	"github.com/dhcgn/mail-dl/model"
)

var (
	ErrNoRules       = errors.New("at least one rule is required")
	ErrRuleCondition = errors.New("rule has no conditions")
)

// RuleSpec is the configuration form of a single rule.
type RuleSpec struct {
	Name                        string `mapstructure:"name" yaml:"name"`
	Subject                     string `mapstructure:"subject" yaml:"subject"`
	From                        string `mapstructure:"from" yaml:"from"`
	AttachmentContentTypePrefix string `mapstructure:"attachment_content_type_prefix" yaml:"attachment_content_type_prefix"`
}

// Rule is a compiled predicate. Every configured condition must hold.
type Rule struct {
	Name                        string
	subject                     *regexp.Regexp
	from                        *regexp.Regexp
	attachmentContentTypePrefix string
}

// Matches returns true if the message satisfies all conditions of the rule.
func (r Rule) Matches(msg model.RawMessage) bool {
	if r.subject != nil && !r.subject.MatchString(msg.Subject) {
		return false
	}
	if r.from != nil && !r.from.MatchString(msg.From.String()) {
		return false
	}
	if r.attachmentContentTypePrefix != "" && !hasContentTypePrefix(msg.Attachments, r.attachmentContentTypePrefix) {
		return false
	}
	return true
}

// Matcher holds an ordered list of rules combined with a logical OR.
type Matcher struct {
	rules []Rule
}

// New compiles the rule specs in configuration order.
func New(specs []RuleSpec) (*Matcher, error) {
	if len(specs) == 0 {
		return nil, ErrNoRules
	}

	rules := make([]Rule, 0, len(specs))
	for idx, spec := range specs {
		rule, err := compileRule(spec)
		if err != nil {
			name := spec.Name
			if name == "" {
				name = fmt.Sprintf("#%d", idx+1)
			}
			return nil, fmt.Errorf("rule %s: %w", name, err)
		}
		if rule.Name == "" {
			rule.Name = fmt.Sprintf("rule-%d", idx+1)
		}
		rules = append(rules, rule)
	}

	return &Matcher{rules: rules}, nil
}

// Matches returns true if any rule matches the message.
func (m *Matcher) Matches(msg model.RawMessage) bool {
	_, ok := m.Match(msg)
	return ok
}

// Match returns the name of the first matching rule.
func (m *Matcher) Match(msg model.RawMessage) (string, bool) {
	if m == nil {
		return "", false
	}
	for _, rule := range m.rules {
		if rule.Matches(msg) {
			return rule.Name, true
		}
	}
	return "", false
}

// Rules returns the names of the compiled rules in evaluation order.
func (m *Matcher) Rules() []string {
	names := make([]string, 0, len(m.rules))
	for _, rule := range m.rules {
		names = append(names, rule.Name)
	}
	return names
}

// Reloadable wraps a Matcher that can be replaced while the drain loop runs.
type Reloadable struct {
	current atomic.Pointer[Matcher]
}

// NewReloadable returns a holder serving the given matcher.
func NewReloadable(m *Matcher) *Reloadable {
	r := &Reloadable{}
	r.current.Store(m)
	return r
}

// Swap installs a new matcher and returns the previous one.
func (r *Reloadable) Swap(m *Matcher) *Matcher {
	return r.current.Swap(m)
}

// Matches evaluates the currently installed matcher.
func (r *Reloadable) Matches(msg model.RawMessage) bool {
	return r.current.Load().Matches(msg)
}

// Match evaluates the currently installed matcher.
func (r *Reloadable) Match(msg model.RawMessage) (string, bool) {
	return r.current.Load().Match(msg)
}

func compileRule(spec RuleSpec) (Rule, error) {
	subject, err := compilePattern(spec.Subject)
	if err != nil {
		return Rule{}, fmt.Errorf("compile subject pattern: %w", err)
	}
	from, err := compilePattern(spec.From)
	if err != nil {
		return Rule{}, fmt.Errorf("compile from pattern: %w", err)
	}
	prefix := strings.ToLower(strings.TrimSpace(spec.AttachmentContentTypePrefix))

	if subject == nil && from == nil && prefix == "" {
		return Rule{}, ErrRuleCondition
	}

	return Rule{
		Name:                        strings.TrimSpace(spec.Name),
		subject:                     subject,
		from:                        from,
		attachmentContentTypePrefix: prefix,
	}, nil
}

func compilePattern(pattern string) (*regexp.Regexp, error) {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return nil, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("compile %q: %w", pattern, err)
	}
	return re, nil
}

func hasContentTypePrefix(attachments []model.RawAttachment, prefix string) bool {
	for _, att := range attachments {
		if strings.HasPrefix(strings.ToLower(att.ContentType), prefix) {
			return true
		}
	}
	return false
}
