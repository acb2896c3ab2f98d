package serialmux

import (
	"sort"
	"strings"
)

// Line is one parsed control link message: a verb followed by positional
// arguments and key=value fields, separated by spaces.
//
//	HELLO name=sensor serial=26779 fw=1.1 hw=H power=ready
//	EVT lowpower enter
type Line struct {
	Verb   string
	Args   []string
	Fields map[string]string
}

// ParseLine splits a raw line. The verb is upper-cased; arguments and
// field values are kept as sent. ok is false for blank lines.
func ParseLine(raw string) (line Line, ok bool) {
	parts := strings.Fields(raw)
	if len(parts) == 0 {
		return Line{}, false
	}
	line.Verb = strings.ToUpper(parts[0])
	for _, p := range parts[1:] {
		if k, v, found := strings.Cut(p, "="); found && k != "" {
			if line.Fields == nil {
				line.Fields = make(map[string]string)
			}
			line.Fields[k] = v
			continue
		}
		line.Args = append(line.Args, p)
	}
	return line, true
}

// Arg returns the i'th positional argument or "".
func (l Line) Arg(i int) string {
	if i < 0 || i >= len(l.Args) {
		return ""
	}
	return l.Args[i]
}

// String formats the line back to wire form with fields in key order.
func (l Line) String() string {
	var b strings.Builder
	b.WriteString(l.Verb)
	for _, a := range l.Args {
		b.WriteByte(' ')
		b.WriteString(a)
	}
	keys := make([]string, 0, len(l.Fields))
	for k := range l.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteByte(' ')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(l.Fields[k])
	}
	return b.String()
}
