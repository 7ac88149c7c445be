package mail

import (
	"fmt"
	netmail "net/mail"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"github.com/inboxlab/mailrag/internal/config"
)

// markerRe matches an explicit workspace marker line in the message body.
// The marker always wins over the rule list.
var markerRe = regexp.MustCompile(`(?im)^(?:workspace|dossier)\s*:\s*(.+)$`)

// compiledRule is a routing rule with its regex (if any) precompiled.
type compiledRule struct {
	config.RoutingRule
	re *regexp.Regexp
}

// Router maps a message to a collection name. It is a pure function of
// (subject, sender, body): same inputs always give the same workspace.
type Router struct {
	rules            []compiledRule
	defaultWorkspace string
}

// NewRouter compiles the rule list. An invalid rule type or regex is a
// configuration error and fails fast.
func NewRouter(cfg config.MailConfig) (*Router, error) {
	rules := make([]compiledRule, 0, len(cfg.Rules))
	for i, r := range cfg.Rules {
		cr := compiledRule{RoutingRule: r}
		switch r.Type {
		case "sender", "sender_contains", "sender_domain",
			"subject", "subject_contains", "body_contains":
		case "subject_regex", "body_regex":
			re, err := regexp.Compile("(?i)" + r.Value)
			if err != nil {
				return nil, fmt.Errorf("mail.rules[%d]: invalid regex %q: %w", i, r.Value, err)
			}
			cr.re = re
		default:
			return nil, fmt.Errorf("mail.rules[%d]: unknown rule type %q", i, r.Type)
		}
		rules = append(rules, cr)
	}
	workspace := cfg.DefaultWorkspace
	if workspace == "" {
		workspace = "inbox"
	}
	return &Router{rules: rules, defaultWorkspace: workspace}, nil
}

// Route returns the slugified collection name for a message. Precedence:
// explicit body marker, then the ordered rule list, then the default.
func (r *Router) Route(subject, sender, body string) string {
	if m := markerRe.FindStringSubmatch(body); m != nil {
		if slug := Slugify(m[1]); slug != "" {
			return slug
		}
		return r.defaultWorkspace
	}

	for _, rule := range r.rules {
		if rule.matches(subject, sender, body) {
			if slug := Slugify(rule.Workspace); slug != "" {
				return slug
			}
			return r.defaultWorkspace
		}
	}
	return r.defaultWorkspace
}

func (c *compiledRule) matches(subject, sender, body string) bool {
	switch c.Type {
	case "sender", "sender_contains":
		return containsFold(sender, c.Value)
	case "sender_domain":
		return senderDomain(sender) == strings.ToLower(c.Value)
	case "subject", "subject_contains":
		return containsFold(subject, c.Value)
	case "subject_regex":
		return c.re.MatchString(subject)
	case "body_contains":
		return containsFold(body, c.Value)
	case "body_regex":
		return c.re.MatchString(body)
	}
	return false
}

func containsFold(haystack, needle string) bool {
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}

// senderDomain extracts the lowercased domain from a sender header value,
// handling display names like "John <j@client.com>".
func senderDomain(sender string) string {
	addr := sender
	if parsed, err := netmail.ParseAddress(sender); err == nil {
		addr = parsed.Address
	}
	at := strings.LastIndexByte(addr, '@')
	if at < 0 || at == len(addr)-1 {
		return ""
	}
	return strings.ToLower(strings.TrimRight(addr[at+1:], ">"))
}

// Slugify turns free text into a collection name: NFD-normalize, drop
// combining marks, lowercase, collapse anything outside [a-z0-9] into a
// single dash. Returns "" when nothing survives.
func Slugify(s string) string {
	decomposed := norm.NFD.String(s)
	var b strings.Builder
	b.Grow(len(decomposed))
	lastDash := true // suppress a leading dash
	for _, r := range decomposed {
		if unicode.Is(unicode.Mn, r) {
			continue
		}
		r = unicode.ToLower(r)
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			lastDash = false
			continue
		}
		if !lastDash {
			b.WriteByte('-')
			lastDash = true
		}
	}
	return strings.TrimRight(b.String(), "-")
}
