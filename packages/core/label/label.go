// Package label turns a runner's capability string (a browser user agent or any
// self-description) into a short display label such as "Chrome 120.0".
package label

import (
	"regexp"
	"strconv"
	"strings"
)

// Extractor builds the label from a regexp submatch slice.
type Extractor func(m []string) string

// Rule pairs a pattern with the extractor applied to its match.
type Rule struct {
	Pattern *regexp.Regexp
	Extract Extractor
}

// Table is an ordered list of rules. The first matching rule wins.
type Table []Rule

// JoinGroups joins every capture group with a single space. Groups that did
// not participate in the match still take their slot.
func JoinGroups(m []string) string {
	return strings.Join(m[1:], " ")
}

// NameSuffixVersion orders groups as name, trailing name, version. Used for
// user agents where the browser name follows the version.
func NameSuffixVersion(m []string) string {
	return m[1] + " " + m[3] + " " + m[2]
}

func rule(pattern string, fn Extractor) Rule {
	return Rule{Pattern: regexp.MustCompile(pattern), Extract: fn}
}

// Default recognises the common browser user agents.
var Default = Table{
	rule(`MS(?:(IE) (1?[0-9]\.[0-9]))`, nil),
	rule(`(OPR)/([0-9]+\.[0-9]+)`, func(m []string) string { return "Opera " + m[2] }),
	rule(`(Opera).*Version/([0-9]+\.[0-9]+)`, nil),
	rule(`(Chrome)/([0-9]+\.[0-9]+)`, nil),
	rule(`(Firefox)/([0-9a-z]+\.[0-9a-z]+)`, nil),
	rule(`(PhantomJS)/([0-9]+\.[0-9]+)`, nil),
	rule(`(Android).*Version/([0-9]+\.[0-9]+).*(Safari)`, NameSuffixVersion),
	rule(`(iPhone).*Version/([0-9]+\.[0-9]+).*(Safari)`, NameSuffixVersion),
	rule(`(iPad).*Version/([0-9]+\.[0-9]+).*(Safari)`, NameSuffixVersion),
	rule(`Version/([0-9]+\.[0-9]+).*(Safari)`, func(m []string) string { return m[2] + " " + m[1] }),
}

// Label returns what the first matching rule extracts, even when that is
// empty. The capability string itself is returned when nothing matches.
func (t Table) Label(capability string) string {
	for _, r := range t {
		m := r.Pattern.FindStringSubmatch(capability)
		if m == nil {
			continue
		}
		extract := r.Extract
		if extract == nil {
			extract = JoinGroups
		}
		return extract(m)
	}
	return capability
}

// With returns a copy of t with extra rules evaluated before the existing ones.
func (t Table) With(rules ...Rule) Table {
	out := make(Table, 0, len(rules)+len(t))
	out = append(out, rules...)
	return append(out, t...)
}

// Compile builds a rule from a pattern and a label template. The template may
// reference capture groups as $1, $2 and so on; an empty template joins them.
func Compile(pattern, template string) (Rule, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return Rule{}, err
	}
	if template == "" {
		return Rule{Pattern: re}, nil
	}
	return Rule{
		Pattern: re,
		Extract: func(m []string) string {
			out := template
			for i := len(m) - 1; i >= 1; i-- {
				out = strings.ReplaceAll(out, "$"+strconv.Itoa(i), m[i])
			}
			return strings.TrimSpace(out)
		},
	}, nil
}
