package brain

import (
	"regexp"
	"strconv"
	"strings"
)

// Rule maps a message pattern to a tool-call draft. Rules are evaluated
// in registration order and the first match wins.
type Rule struct {
	Name     string
	Pattern  *regexp.Regexp
	ToolName string
	// Extract builds the tool input from the message and the caller
	// context. A nil return means the rule declines the match.
	Extract func(message string, context map[string]any) map[string]any
}

// RuleSet is an ordered rule list.
type RuleSet struct {
	rules []Rule
}

// NewRuleSet builds a rule set in the given order.
func NewRuleSet(rules ...Rule) *RuleSet {
	return &RuleSet{rules: rules}
}

// Match returns the first rule whose pattern matches and whose extractor
// produced an input, or nil.
func (rs *RuleSet) Match(message string, context map[string]any) (*Rule, map[string]any) {
	for i := range rs.rules {
		r := &rs.rules[i]
		if !r.Pattern.MatchString(message) {
			continue
		}
		if input := r.Extract(message, context); input != nil {
			return r, input
		}
	}
	return nil, nil
}

// Rules returns the rules in evaluation order.
func (rs *RuleSet) Rules() []Rule { return rs.rules }

var (
	phoneRe  = regexp.MustCompile(`\+?\d[\d().\-\s]{6,}\d`)
	amountRe = regexp.MustCompile(`\$\s*(\d+(?:\.\d{1,2})?)`)
	quotedRe = regexp.MustCompile(`"([^"]+)"|'([^']+)'`)
	// The capture stays case-sensitive: capitalization is the name signal.
	namedRe = regexp.MustCompile(`\b(?i:for|named|called)\s+([A-Z][\w]*(?:\s+[A-Z][\w]*)?)`)
)

// DefaultRules is the built-in rule base covering the bundled handlers.
// Order matters: more specific intents come first.
func DefaultRules() *RuleSet {
	return NewRuleSet(
		Rule{
			Name:     "sync_contacts",
			Pattern:  regexp.MustCompile(`(?i)\bsync\b.*\bcontacts?\b`),
			ToolName: "integrations.highlevel.sync_contacts",
			Extract: func(msg string, ctx map[string]any) map[string]any {
				input := map[string]any{"direction": "pull"}
				if strings.Contains(strings.ToLower(msg), "push") {
					input["direction"] = "push"
				}
				return input
			},
		},
		Rule{
			Name:     "send_sms",
			Pattern:  regexp.MustCompile(`(?i)\b(?:send|text)\b.*\b(?:sms|text|message)\b|\bsms\b`),
			ToolName: "comms.send_sms",
			Extract: func(msg string, ctx map[string]any) map[string]any {
				phone := firstPhone(msg, ctx)
				if phone == "" {
					return nil
				}
				body := quotedText(msg)
				if body == "" {
					body = msg
				}
				return map[string]any{"to": phone, "body": body}
			},
		},
		Rule{
			Name:     "draft_quote",
			Pattern:  regexp.MustCompile(`(?i)\b(?:quote|estimate)\b`),
			ToolName: "quotes.draft_quote",
			Extract: func(msg string, ctx map[string]any) map[string]any {
				input := map[string]any{"description": msg}
				if name := namedParty(msg, ctx); name != "" {
					input["customer_name"] = name
				}
				if m := amountRe.FindStringSubmatch(msg); m != nil {
					if amount, err := strconv.ParseFloat(m[1], 64); err == nil {
						input["amount"] = amount
					}
				}
				return input
			},
		},
		Rule{
			Name:     "create_lead",
			Pattern:  regexp.MustCompile(`(?i)\b(?:new|create|add)\b.*\blead\b|\blead\b.*\b(?:for|from)\b`),
			ToolName: "leads.create",
			Extract: func(msg string, ctx map[string]any) map[string]any {
				phone := firstPhone(msg, ctx)
				if phone == "" {
					return nil
				}
				input := map[string]any{"phone": phone}
				if name := namedParty(msg, ctx); name != "" {
					input["name"] = name
				}
				if src, ok := ctx["source"].(string); ok && src != "" {
					input["source"] = src
				}
				return input
			},
		},
		Rule{
			Name:     "create_note",
			Pattern:  regexp.MustCompile(`(?i)\b(?:note|remember|jot|write\s+down)\b`),
			ToolName: "os.create_note",
			Extract: func(msg string, ctx map[string]any) map[string]any {
				content := quotedText(msg)
				if content == "" {
					content = strings.TrimSpace(msg)
				}
				if content == "" {
					return nil
				}
				input := map[string]any{"content": content}
				if topic, ok := ctx["topic"].(string); ok && topic != "" {
					input["topic"] = topic
				}
				return input
			},
		},
	)
}

// firstPhone pulls a phone number from the message, falling back to the
// conversation context.
func firstPhone(msg string, ctx map[string]any) string {
	if m := phoneRe.FindString(msg); m != "" {
		return normalizePhone(m)
	}
	if p, ok := ctx["phone"].(string); ok {
		return normalizePhone(p)
	}
	return ""
}

func normalizePhone(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r == '+' || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func quotedText(msg string) string {
	m := quotedRe.FindStringSubmatch(msg)
	if m == nil {
		return ""
	}
	if m[1] != "" {
		return m[1]
	}
	return m[2]
}

func namedParty(msg string, ctx map[string]any) string {
	if m := namedRe.FindStringSubmatch(msg); m != nil {
		return m[1]
	}
	if n, ok := ctx["name"].(string); ok {
		return n
	}
	return ""
}
