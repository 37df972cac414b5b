package logging

import "strings"

// MaskEmail keeps the first and last character of each part of an address,
// so "alice@example.org" becomes "a***e@e*****e.o*g".
func MaskEmail(s string) string {
	s = strings.TrimSpace(s)
	at := strings.LastIndexByte(s, '@')
	if at <= 0 || at == len(s)-1 {
		return s
	}
	user := s[:at]
	domain := s[at+1:]
	dParts := strings.Split(domain, ".")
	for i, p := range dParts {
		dParts[i] = maskPart(p)
	}
	return maskPart(user) + "@" + strings.Join(dParts, ".")
}

// MaskMessageID masks the local part of a Message-ID, which often embeds
// addresses or tracking tokens.
func MaskMessageID(id string) string {
	at := strings.LastIndexByte(id, '@')
	if at <= 0 {
		return maskPart(id)
	}
	return maskPart(id[:at]) + id[at:]
}

func maskPart(part string) string {
	if len(part) <= 1 {
		return "*"
	}
	return part[:1] + strings.Repeat("*", max(0, len(part)-2)) + part[len(part)-1:]
}
