package gmail

import (
	"strconv"
	"strings"
	"time"
)

// MaxQueryValues is the largest number of values the server accepts in one
// OR-chained search expression before rejecting it for excessive nesting.
const MaxQueryValues = 500

// DateFloorLayout is the day-month-year format used by SINCE.
const DateFloorLayout = "02-Jan-2006"

// BuildQuery returns a search expression matching any of values on attr.
// Messages carrying one of the excluded labels are filtered out, and a
// non-zero since adds a date floor. An empty values slice yields "", which
// callers treat as matching nothing.
func BuildQuery(attr string, values, excluded []string, since time.Time) string {
	terms := orChain(attr, values)
	if terms == "" {
		return ""
	}
	if len(excluded) > 0 {
		terms += " NOT " + orChain(AttrLabels, excluded)
	}
	if !since.IsZero() {
		terms += " SINCE " + since.Format(DateFloorLayout)
	}
	return terms
}

// BuildBatches splits values into chunks of at most MaxQueryValues and
// builds one query per chunk.
func BuildBatches(attr string, values, excluded []string, since time.Time) []string {
	if len(values) == 0 {
		return nil
	}
	queries := make([]string, 0, (len(values)+MaxQueryValues-1)/MaxQueryValues)
	for start := 0; start < len(values); start += MaxQueryValues {
		end := min(start+MaxQueryValues, len(values))
		queries = append(queries, BuildQuery(attr, values[start:end], excluded, since))
	}
	return queries
}

// MessageIDQuery searches the raw index for a RFC 5322 Message-ID.
func MessageIDQuery(headerID string) string {
	return AttrRaw + " " + Quote(rawMessageIDQuery+headerID)
}

// UIDRange restricts a search to UIDs in [from, to).
func UIDRange(from, to uint32) string {
	if to <= from+1 {
		return "UID " + strconv.FormatUint(uint64(from), 10)
	}
	return "UID " + strconv.FormatUint(uint64(from), 10) + ":" + strconv.FormatUint(uint64(to-1), 10)
}

// Scoped prefixes query with a scope such as a UID range. Both parts must
// match.
func Scoped(scope, query string) string {
	if query == "" {
		return ""
	}
	if scope == "" {
		return query
	}
	return scope + " " + query
}

// orChain builds "OR a v1 OR a v2 a v3" for several values.
func orChain(attr string, values []string) string {
	switch len(values) {
	case 0:
		return ""
	case 1:
		return attr + " " + Quote(values[0])
	}
	var b strings.Builder
	for i, v := range values {
		if i > 0 {
			b.WriteByte(' ')
		}
		if i < len(values)-1 {
			b.WriteString("OR ")
		}
		b.WriteString(attr)
		b.WriteByte(' ')
		b.WriteString(Quote(v))
	}
	return b.String()
}

// Quote returns v as an IMAP atom when possible, or as a quoted string.
func Quote(v string) string {
	if v != "" && !needsQuoting(v) {
		return v
	}
	var b strings.Builder
	b.Grow(len(v) + 2)
	b.WriteByte('"')
	for i := 0; i < len(v); i++ {
		if v[i] == '"' || v[i] == '\\' {
			b.WriteByte('\\')
		}
		b.WriteByte(v[i])
	}
	b.WriteByte('"')
	return b.String()
}

func needsQuoting(v string) bool {
	for i := 0; i < len(v); i++ {
		c := v[i]
		if c <= 0x20 || c >= 0x7f {
			return true
		}
		switch c {
		case '(', ')', '{', '%', '*', '"', '\\', ']':
			return true
		}
	}
	return false
}
