package core

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"
)

var (
	errFormatArgs   = errors.New("not enough arguments for format string")
	errFormatUnused = errors.New("not all arguments converted during string formatting")
)

type lookupFunc func(key string) (any, bool)

func lookupMap(m map[string]any) lookupFunc {
	if m == nil {
		return nil
	}
	return func(key string) (any, bool) {
		v, ok := m[key]
		return v, ok
	}
}

// percentFormat 实现 %-风格格式化：位置参数取自 args，%(key)s 取自 lookup
func percentFormat(format string, args []any, lookup lookupFunc) (string, error) {
	var b strings.Builder
	b.Grow(len(format) + 16)
	next := 0
	usedPositional := false

	for i := 0; i < len(format); i++ {
		c := format[i]
		if c != '%' {
			b.WriteByte(c)
			continue
		}
		i++
		if i >= len(format) {
			return "", errors.New("incomplete format")
		}
		if format[i] == '%' {
			b.WriteByte('%')
			continue
		}

		var (
			value  any
			hasKey bool
		)
		if format[i] == '(' {
			end := strings.IndexByte(format[i:], ')')
			if end < 0 {
				return "", errors.New("incomplete format key")
			}
			key := format[i+1 : i+end]
			if lookup == nil {
				return "", errors.New("format requires a mapping")
			}
			v, ok := lookup(key)
			if !ok {
				return "", fmt.Errorf("missing key %q", key)
			}
			value, hasKey = v, true
			i += end + 1
		}

		spec := percentSpec{precision: -1}
		for ; i < len(format) && strings.IndexByte("-+ #0", format[i]) >= 0; i++ {
			spec.flags += string(format[i])
		}
		if i < len(format) && format[i] == '*' {
			w, err := intArg(args, &next)
			if err != nil {
				return "", err
			}
			usedPositional = true
			spec.width = w
			i++
		} else {
			for ; i < len(format) && format[i] >= '0' && format[i] <= '9'; i++ {
				spec.width = spec.width*10 + int(format[i]-'0')
			}
		}
		if i < len(format) && format[i] == '.' {
			i++
			spec.precision = 0
			if i < len(format) && format[i] == '*' {
				p, err := intArg(args, &next)
				if err != nil {
					return "", err
				}
				usedPositional = true
				spec.precision = p
				i++
			} else {
				for ; i < len(format) && format[i] >= '0' && format[i] <= '9'; i++ {
					spec.precision = spec.precision*10 + int(format[i]-'0')
				}
			}
		}
		for ; i < len(format) && strings.IndexByte("hlL", format[i]) >= 0; i++ {
		}
		if i >= len(format) {
			return "", errors.New("incomplete format")
		}
		spec.verb = format[i]

		if !hasKey {
			if next >= len(args) {
				return "", errFormatArgs
			}
			value = args[next]
			next++
			usedPositional = true
		}
		s, err := spec.render(value)
		if err != nil {
			return "", err
		}
		b.WriteString(s)
	}
	if usedPositional && next < len(args) || !usedPositional && len(args) > 0 {
		return "", errFormatUnused
	}
	return b.String(), nil
}

func intArg(args []any, next *int) (int, error) {
	if *next >= len(args) {
		return 0, errFormatArgs
	}
	v := args[*next]
	*next++
	n, ok := toInt(v)
	if !ok {
		return 0, errors.New("* wants int")
	}
	return int(n), nil
}

type percentSpec struct {
	flags     string
	width     int
	precision int
	verb      byte
}

func (s percentSpec) goFormat(verb byte, precision int) string {
	var b strings.Builder
	b.WriteByte('%')
	b.WriteString(s.flags)
	if s.width > 0 {
		b.WriteString(strconv.Itoa(s.width))
	}
	if precision >= 0 {
		b.WriteByte('.')
		b.WriteString(strconv.Itoa(precision))
	}
	b.WriteByte(verb)
	return b.String()
}

func (s percentSpec) render(v any) (string, error) {
	switch s.verb {
	case 's', 'r', 'a':
		str := pyStr(v)
		if s.verb != 's' {
			str = pyRepr(v)
		}
		if s.precision >= 0 && utf8.RuneCountInString(str) > s.precision {
			str = string([]rune(str)[:s.precision])
		}
		return s.pad(str), nil
	case 'd', 'i', 'u':
		n, ok := toInt(v)
		if !ok {
			return "", fmt.Errorf("%%%c format: a number is required, not %s", s.verb, pyType(v))
		}
		return fmt.Sprintf(s.goFormat('d', s.precision), n), nil
	case 'x', 'X', 'o':
		n, ok := toInt(v)
		if !ok {
			return "", fmt.Errorf("%%%c format: an integer is required, not %s", s.verb, pyType(v))
		}
		verb := s.verb
		if verb == 'o' && strings.Contains(s.flags, "#") {
			verb = 'O'
			s.flags = strings.ReplaceAll(s.flags, "#", "")
		}
		return fmt.Sprintf(s.goFormat(verb, s.precision), n), nil
	case 'f', 'F', 'e', 'E', 'g', 'G':
		f, ok := toFloat(v)
		if !ok {
			return "", fmt.Errorf("must be real number, not %s", pyType(v))
		}
		prec := s.precision
		if prec < 0 {
			prec = 6
		}
		if math.IsInf(f, 0) || math.IsNaN(f) {
			return s.pad(pyFloat(f)), nil
		}
		return fmt.Sprintf(s.goFormat(s.verb, prec), f), nil
	case 'c':
		switch x := v.(type) {
		case string:
			if utf8.RuneCountInString(x) != 1 {
				return "", errors.New("%c requires int or char")
			}
			return s.pad(x), nil
		default:
			n, ok := toInt(v)
			if !ok {
				return "", errors.New("%c requires int or char")
			}
			return s.pad(string(rune(n))), nil
		}
	default:
		return "", fmt.Errorf("unsupported format character %q", s.verb)
	}
}

func (s percentSpec) pad(str string) string {
	n := utf8.RuneCountInString(str)
	if s.width <= n {
		return str
	}
	fill := strings.Repeat(" ", s.width-n)
	if strings.Contains(s.flags, "-") {
		return str + fill
	}
	return fill + str
}

func toInt(v any) (int64, bool) {
	switch x := v.(type) {
	case int64:
		return x, true
	case int:
		return int64(x), true
	case uint64:
		return int64(x), true
	case float64:
		if math.IsInf(x, 0) || math.IsNaN(x) {
			return 0, false
		}
		return int64(x), true
	case bool:
		if x {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int64:
		return float64(x), true
	case int:
		return float64(x), true
	case uint64:
		return float64(x), true
	case bool:
		if x {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

func pyType(v any) string {
	switch v.(type) {
	case nil:
		return "NoneType"
	case string:
		return "str"
	case bool:
		return "bool"
	case int, int64, uint64:
		return "int"
	case float64:
		return "float"
	case []any:
		return "list"
	case map[string]any:
		return "dict"
	}
	return fmt.Sprintf("%T", v)
}

// pyStr 与 str() 的输出保持一致
func pyStr(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case nil, bool, int, int64, uint64, float64, []any, map[string]any:
		return pyRepr(x)
	}
	return fmt.Sprint(v)
}

// pyRepr 与 repr() 的输出保持一致
func pyRepr(v any) string {
	switch x := v.(type) {
	case nil:
		return "None"
	case bool:
		if x {
			return "True"
		}
		return "False"
	case string:
		return quoteRepr(x)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case uint64:
		return strconv.FormatUint(x, 10)
	case float64:
		return pyFloat(x)
	case []any:
		parts := make([]string, len(x))
		for i, e := range x {
			parts[i] = pyRepr(e)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, len(keys))
		for i, k := range keys {
			parts[i] = quoteRepr(k) + ": " + pyRepr(x[k])
		}
		return "{" + strings.Join(parts, ", ") + "}"
	}
	return fmt.Sprintf("%v", v)
}

func pyTuple(args []any) string {
	parts := make([]string, len(args))
	for i, a := range args {
		parts[i] = pyRepr(a)
	}
	if len(parts) == 1 {
		return "(" + parts[0] + ",)"
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

func pyFloat(f float64) string {
	switch {
	case math.IsInf(f, 1):
		return "inf"
	case math.IsInf(f, -1):
		return "-inf"
	case math.IsNaN(f):
		return "nan"
	}
	exp := 0
	if f != 0 {
		exp = int(math.Floor(math.Log10(math.Abs(f))))
	}
	if exp < -4 || exp >= 16 {
		return strconv.FormatFloat(f, 'e', -1, 64)
	}
	s := strconv.FormatFloat(f, 'f', -1, 64)
	if !strings.ContainsAny(s, ".") {
		s += ".0"
	}
	return s
}

func quoteRepr(s string) string {
	quote := byte('\'')
	if strings.IndexByte(s, '\'') >= 0 && strings.IndexByte(s, '"') < 0 {
		quote = '"'
	}
	var b strings.Builder
	b.WriteByte(quote)
	for _, r := range s {
		switch {
		case r == '\\':
			b.WriteString(`\\`)
		case r == rune(quote):
			b.WriteByte('\\')
			b.WriteRune(r)
		case r == '\n':
			b.WriteString(`\n`)
		case r == '\r':
			b.WriteString(`\r`)
		case r == '\t':
			b.WriteString(`\t`)
		case r < 0x20 || r == 0x7f:
			fmt.Fprintf(&b, `\x%02x`, r)
		default:
			b.WriteRune(r)
		}
	}
	b.WriteByte(quote)
	return b.String()
}
