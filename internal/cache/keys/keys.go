// Package keys derives cache keys for table extents.
package keys

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/cespare/xxhash/v2"
)

const extentPrefix = "extent"

// ExtentKey names the cached extent of account/table. The readable part is
// sanitized and truncated; the hash suffix keeps distinct raw names apart.
func ExtentKey(account, table string) string {
	acct := strings.ToLower(strings.TrimSpace(account))
	tbl := strings.TrimSpace(table)

	const maxPartLen = 64
	acctSafe := truncate(sanitize(acct), maxPartLen)
	tblSafe := truncate(sanitize(tbl), maxPartLen)

	sum := xxhash.Sum64String(acct + "\x00" + tbl)
	return fmt.Sprintf("%s:%s:%s:h=%016x", extentPrefix, acctSafe, tblSafe, sum)
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

// any run of whitespace becomes '_', other disallowed runes become '-'
func sanitize(s string) string {
	if s == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(s))
	var prev rune
	for _, r := range s {
		out := rune(0)
		switch {
		case r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == '\v' || r == '\f':
			out = '_'
		case isAlphaNum(r) || r == '_' || r == '-' || r == '.':
			out = r
		default:
			out = '-'
		}
		if (out == '_' || out == '-') && out == prev {
			continue
		}
		b.WriteRune(out)
		prev = out
	}
	return b.String()
}

func isAlphaNum(r rune) bool {
	return (r >= 'a' && r <= 'z') ||
		(r >= 'A' && r <= 'Z') ||
		(r <= unicode.MaxASCII && unicode.IsDigit(r))
}
