package entry

import (
	"errors"
	"strings"

	"github.com/ValentinKolb/dDir/lib/errs"
)

// filterNode is a parsed search filter
type filterNode struct {
	op       byte // '&', '|', '!', '=' (equality or substring), '*' (presence)
	attr     string
	parts    []string // value split at '*' for substring matches
	children []*filterNode
}

// MatchFilter evaluates an LDAP style filter against an entry.
//
// Supported: (a=v), (a=*), (a=pre*mid*suf), (&...), (|...), (!...). Values
// may contain \xx hex escapes, \28 \29 \2a and \5c for '(', ')', '*' and '\'.
// Attribute types and values compare case insensitive. An empty filter
// matches every entry, a malformed one fails with errs.ErrPreConditionFailed.
func MatchFilter(e *Entry, filter string) (bool, error) {
	if e == nil {
		return false, errs.New(errs.RetCInvalidParameter, "match nil entry")
	}
	node, err := parseFilter(filter)
	if err != nil {
		return false, err
	}
	if node == nil {
		return true, nil
	}
	return node.match(e), nil
}

// ValidateFilter reports an error if the filter cannot be parsed
func ValidateFilter(filter string) error {
	_, err := parseFilter(filter)
	return err
}

// parseFilter parses a filter string. The empty filter parses to nil.
func parseFilter(filter string) (*filterNode, error) {
	filter = strings.TrimSpace(filter)
	if filter == "" {
		return nil, nil
	}
	if filter[0] != '(' {
		filter = "(" + filter + ")"
	}
	p := &filterParser{in: filter}
	node, err := p.parse()
	if err != nil {
		return nil, err
	}
	if p.pos != len(p.in) {
		return nil, p.fail("trailing characters")
	}
	return node, nil
}

// FilterMatcher satisfies event.Matcher with MatchFilter
type FilterMatcher struct{}

func (FilterMatcher) MatchEntryWithFilter(e *Entry, filter string) (bool, error) {
	return MatchFilter(e, filter)
}

// --------------------------------------------------------------------------
// evaluation
// --------------------------------------------------------------------------

func (n *filterNode) match(e *Entry) bool {
	switch n.op {
	case '&':
		for _, c := range n.children {
			if !c.match(e) {
				return false
			}
		}
		return true
	case '|':
		for _, c := range n.children {
			if c.match(e) {
				return true
			}
		}
		return false
	case '!':
		return !n.children[0].match(e)
	case '*':
		a := e.Get(n.attr)
		return a != nil && len(a.Values) > 0
	default:
		a := e.Get(n.attr)
		if a == nil {
			return false
		}
		for _, v := range a.Values {
			if matchValue(strings.ToLower(v), n.parts) {
				return true
			}
		}
		return false
	}
}

// matchValue matches v against the '*' separated parts of an assertion
func matchValue(v string, parts []string) bool {
	if len(parts) == 1 {
		return v == parts[0]
	}
	if !strings.HasPrefix(v, parts[0]) {
		return false
	}
	v = v[len(parts[0]):]
	last := parts[len(parts)-1]
	for _, mid := range parts[1 : len(parts)-1] {
		i := strings.Index(v, mid)
		if i < 0 {
			return false
		}
		v = v[i+len(mid):]
	}
	return strings.HasSuffix(v, last)
}

// --------------------------------------------------------------------------
// parsing
// --------------------------------------------------------------------------

type filterParser struct {
	in  string
	pos int
}

func (p *filterParser) fail(reason string) error {
	return errs.Newf(errs.RetCPreConditionFailed, "filter %q at %d: %s", p.in, p.pos, reason)
}

func (p *filterParser) parse() (*filterNode, error) {
	if p.pos >= len(p.in) || p.in[p.pos] != '(' {
		return nil, p.fail("expected '('")
	}
	p.pos++
	if p.pos >= len(p.in) {
		return nil, p.fail("unexpected end")
	}

	var node *filterNode
	switch op := p.in[p.pos]; op {
	case '&', '|', '!':
		p.pos++
		node = &filterNode{op: op}
		for p.pos < len(p.in) && p.in[p.pos] == '(' {
			child, err := p.parse()
			if err != nil {
				return nil, err
			}
			node.children = append(node.children, child)
		}
		if len(node.children) == 0 {
			return nil, p.fail("empty filter set")
		}
		if op == '!' && len(node.children) != 1 {
			return nil, p.fail("'!' takes exactly one filter")
		}
	default:
		end := strings.IndexByte(p.in[p.pos:], ')')
		if end < 0 {
			return nil, p.fail("missing ')'")
		}
		item := p.in[p.pos : p.pos+end]
		p.pos += end
		var err error
		if node, err = p.parseItem(item); err != nil {
			return nil, err
		}
	}

	if p.pos >= len(p.in) || p.in[p.pos] != ')' {
		return nil, p.fail("expected ')'")
	}
	p.pos++
	return node, nil
}

func (p *filterParser) parseItem(item string) (*filterNode, error) {
	eq := strings.IndexByte(item, '=')
	if eq <= 0 {
		return nil, p.fail("expected attr=value")
	}
	attr := strings.TrimSpace(item[:eq])
	value := item[eq+1:]
	if strings.ContainsAny(attr, "()*") || attr == "" {
		return nil, p.fail("invalid attribute type")
	}
	if value == "*" {
		return &filterNode{op: '*', attr: attr}, nil
	}
	if strings.Contains(value, "(") {
		return nil, p.fail("invalid assertion value")
	}
	// split before unescaping, \2a is a literal '*'
	parts := strings.Split(value, "*")
	for i, part := range parts {
		decoded, err := unescapeValue(part)
		if err != nil {
			return nil, p.fail(err.Error())
		}
		parts[i] = strings.ToLower(decoded)
	}
	return &filterNode{op: '=', attr: attr, parts: parts}, nil
}

// unescapeValue decodes the \xx hex escapes of an assertion value (RFC 4515)
func unescapeValue(v string) (string, error) {
	if !strings.Contains(v, `\`) {
		return v, nil
	}
	var b strings.Builder
	b.Grow(len(v))
	for i := 0; i < len(v); i++ {
		if v[i] != '\\' {
			b.WriteByte(v[i])
			continue
		}
		if i+2 >= len(v) {
			return "", errors.New("incomplete escape")
		}
		hi, ok1 := unhex(v[i+1])
		lo, ok2 := unhex(v[i+2])
		if !ok1 || !ok2 {
			return "", errors.New("invalid escape")
		}
		b.WriteByte(hi<<4 | lo)
		i += 2
	}
	return b.String(), nil
}

func unhex(c byte) (byte, bool) {
	switch {
	case '0' <= c && c <= '9':
		return c - '0', true
	case 'a' <= c && c <= 'f':
		return c - 'a' + 10, true
	case 'A' <= c && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}
