package dns

import (
	"fmt"
	"strings"
)

// expand renders a template using named references. Two forms are
// understood:
//
//	%{name}           the value as text
//	%<name>[flags][width][.prec]verb   the value formatted with verb (d i u x X o b s)
//
// "%%" is a literal percent sign. Unknown names and malformed references
// are errors.
func expand(tmpl string, vars map[string]interface{}) (string, error) {
	var b strings.Builder
	b.Grow(len(tmpl))

	for i := 0; i < len(tmpl); i++ {
		c := tmpl[i]
		if c != '%' {
			b.WriteByte(c)
			continue
		}
		if i+1 >= len(tmpl) {
			return "", fmt.Errorf("incomplete format specifier at end of %q", tmpl)
		}

		switch tmpl[i+1] {
		case '%':
			b.WriteByte('%')
			i++

		case '{':
			end := strings.IndexByte(tmpl[i+2:], '}')
			if end < 0 {
				return "", fmt.Errorf("unterminated %%{ in %q", tmpl)
			}
			name := tmpl[i+2 : i+2+end]
			v, ok := vars[name]
			if !ok {
				return "", fmt.Errorf("unknown template variable %q", name)
			}
			b.WriteString(fmt.Sprint(v))
			i += 2 + end

		case '<':
			end := strings.IndexByte(tmpl[i+2:], '>')
			if end < 0 {
				return "", fmt.Errorf("unterminated %%< in %q", tmpl)
			}
			name := tmpl[i+2 : i+2+end]
			v, ok := vars[name]
			if !ok {
				return "", fmt.Errorf("unknown template variable %q", name)
			}

			j := i + 3 + end
			specStart := j
			for j < len(tmpl) && strings.IndexByte("-+ 0#.123456789", tmpl[j]) >= 0 {
				j++
			}
			if j >= len(tmpl) {
				return "", fmt.Errorf("missing verb for %%<%s> in %q", name, tmpl)
			}
			s, err := formatValue(tmpl[specStart:j], tmpl[j], v)
			if err != nil {
				return "", fmt.Errorf("%%<%s>: %w", name, err)
			}
			b.WriteString(s)
			i = j

		default:
			return "", fmt.Errorf("malformed format specifier %q in %q", tmpl[i:i+2], tmpl)
		}
	}
	return b.String(), nil
}

func formatValue(spec string, verb byte, v interface{}) (string, error) {
	switch verb {
	case 's':
		return fmt.Sprintf("%"+spec+"s", fmt.Sprint(v)), nil
	case 'd', 'i', 'u', 'x', 'X', 'o', 'b':
		n, ok := v.(int)
		if !ok {
			return "", fmt.Errorf("%%%c requires an integer, got %T", verb, v)
		}
		if verb == 'i' || verb == 'u' {
			verb = 'd'
		}
		return fmt.Sprintf("%"+spec+string(verb), n), nil
	default:
		return "", fmt.Errorf("unsupported verb %q", verb)
	}
}
