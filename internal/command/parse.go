package command

import (
	"strings"

	"github.com/tidwall/gjson"

	"github.com/batonworks/baton/internal/task"
)

// parsed is one decoded command: the verb plus either positional scalar
// arguments or a JSON object of named arguments.
type parsed struct {
	raw   string
	verb  string
	args  []string
	named gjson.Result
	json  bool
}

// arg returns the i-th positional argument, or the named argument when the
// command used a JSON object payload.
func (p *parsed) arg(i int, name string) (string, bool) {
	if p.json {
		if p.named.IsObject() {
			v := p.named.Get(name)
			if v.Exists() {
				return v.String(), true
			}
			return "", false
		}
		arr := p.named.Array()
		if i < len(arr) {
			return arr[i].String(), true
		}
		return "", false
	}
	if i < len(p.args) {
		return p.args[i], true
	}
	return "", false
}

func (p *parsed) argCount() int {
	if p.json {
		if p.named.IsObject() {
			n := 0
			p.named.ForEach(func(_, _ gjson.Result) bool { n++; return true })
			return n
		}
		return len(p.named.Array())
	}
	return len(p.args)
}

// parse decodes `verb(args)`. The verb is [a-zA-Z_]+; args are either a bare
// JSON object/array or a comma-separated scalar list with surrounding quotes
// stripped. Anything else fails with InvalidCommand carrying the raw input.
func parse(raw string) (*parsed, error) {
	cmd := strings.TrimSpace(raw)
	open := strings.IndexByte(cmd, '(')
	if open <= 0 || !strings.HasSuffix(cmd, ")") {
		return nil, task.InvalidCommandf(raw, "expected verb(args)")
	}

	verb := cmd[:open]
	for _, r := range verb {
		if !isVerbRune(r) {
			return nil, task.InvalidCommandf(raw, "malformed verb %q", verb)
		}
	}

	inner := strings.TrimSpace(cmd[open+1 : len(cmd)-1])
	p := &parsed{raw: raw, verb: verb}

	if strings.HasPrefix(inner, "{") || strings.HasPrefix(inner, "[") {
		if !gjson.Valid(inner) {
			return nil, task.InvalidCommandf(raw, "malformed JSON arguments")
		}
		p.named = gjson.Parse(inner)
		p.json = true
		return p, nil
	}

	args, err := splitScalars(raw, inner)
	if err != nil {
		return nil, err
	}
	p.args = args
	return p, nil
}

func isVerbRune(r rune) bool {
	return r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
}

// splitScalars splits on commas outside quotes, trims each piece and strips
// one layer of surrounding quotes. Quoted scalars may contain commas and
// parentheses.
func splitScalars(raw, inner string) ([]string, error) {
	if inner == "" {
		return nil, nil
	}

	var (
		args    []string
		cur     strings.Builder
		quote   rune
		escaped bool
	)
	for _, r := range inner {
		switch {
		case escaped:
			cur.WriteRune(r)
			escaped = false
		case quote != 0 && r == '\\':
			cur.WriteRune(r)
			escaped = true
		case quote != 0:
			if r == quote {
				quote = 0
			}
			cur.WriteRune(r)
		case r == '"' || r == '\'':
			quote = r
			cur.WriteRune(r)
		case r == ',':
			args = append(args, unquote(cur.String()))
			cur.Reset()
		default:
			cur.WriteRune(r)
		}
	}
	if quote != 0 {
		return nil, task.InvalidCommandf(raw, "unterminated quote")
	}
	args = append(args, unquote(cur.String()))
	return args, nil
}

func unquote(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 {
		first, last := s[0], s[len(s)-1]
		if (first == '"' && last == '"') || (first == '\'' && last == '\'') {
			body := s[1 : len(s)-1]
			body = strings.ReplaceAll(body, `\"`, `"`)
			body = strings.ReplaceAll(body, `\'`, `'`)
			body = strings.ReplaceAll(body, `\\`, `\`)
			return body
		}
	}
	return s
}
