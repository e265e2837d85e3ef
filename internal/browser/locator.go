package browser

import (
	"fmt"
	"strings"
)

// Strategy selects how a Locator finds its element.
type Strategy string

const (
	ByID     Strategy = "id"
	ByCSS    Strategy = "css"
	ByXPath  Strategy = "xpath"
	ByScoped Strategy = "scoped"
)

// scopeSeparator splits a scoped locator into host and inner selector.
const scopeSeparator = ">>"

// Locator identifies one element on the page. A scoped locator finds
// Selector (CSS) inside the shadow root or same-origin iframe document of
// the element found by Host; hosts may themselves be scoped.
type Locator struct {
	Strategy Strategy `json:"strategy"`
	Selector string   `json:"selector"`
	Host     *Locator `json:"host,omitempty"`
}

// ID locates an element by its id attribute.
func ID(id string) Locator { return Locator{Strategy: ByID, Selector: id} }

// CSS locates the first element matching a CSS selector.
func CSS(sel string) Locator { return Locator{Strategy: ByCSS, Selector: sel} }

// XPath locates the first element matching an XPath expression.
func XPath(expr string) Locator { return Locator{Strategy: ByXPath, Selector: expr} }

// InScope locates inner inside the isolated sub-document rooted at host.
func InScope(host Locator, inner string) Locator {
	h := host
	return Locator{Strategy: ByScoped, Selector: inner, Host: &h}
}

// String renders the locator in the notation accepted by ParseLocator.
func (l Locator) String() string {
	if l.Strategy == ByScoped && l.Host != nil {
		return string(ByScoped) + ":" + l.Host.String() + scopeSeparator + l.Selector
	}
	return string(l.Strategy) + ":" + l.Selector
}

// ParseLocator parses "strategy:selector". Scoped locators are written
// "scoped:<host locator>>><inner css>", e.g. "scoped:id:report-frame>>#export".
func ParseLocator(s string) (Locator, error) {
	strategy, rest, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok || rest == "" {
		return Locator{}, fmt.Errorf("invalid locator %q: want strategy:selector", s)
	}

	switch Strategy(strategy) {
	case ByID, ByCSS, ByXPath:
		return Locator{Strategy: Strategy(strategy), Selector: rest}, nil
	case ByScoped:
		i := strings.LastIndex(rest, scopeSeparator)
		if i <= 0 || i+len(scopeSeparator) >= len(rest) {
			return Locator{}, fmt.Errorf("invalid scoped locator %q: want scoped:<host>>><inner>", s)
		}
		host, err := ParseLocator(rest[:i])
		if err != nil {
			return Locator{}, fmt.Errorf("invalid scope host in %q: %w", s, err)
		}
		return InScope(host, rest[i+len(scopeSeparator):]), nil
	default:
		return Locator{}, fmt.Errorf("invalid locator %q: unknown strategy %q", s, strategy)
	}
}

// ParseLocators parses an ordered fallback list.
func ParseLocators(specs []string) ([]Locator, error) {
	out := make([]Locator, 0, len(specs))
	for _, s := range specs {
		l, err := ParseLocator(s)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, nil
}

// MustParseLocators is ParseLocators for static lists; it panics on error.
func MustParseLocators(specs ...string) []Locator {
	out, err := ParseLocators(specs)
	if err != nil {
		panic(err)
	}
	return out
}
