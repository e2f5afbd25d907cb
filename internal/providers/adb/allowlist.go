package adb

import "strings"

// ParseAllowlist splits a comma, semicolon, pipe or whitespace separated
// serial list, e.g. "device-A,device-B" or "device-A device-B".
func ParseAllowlist(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.FieldsFunc(raw, func(r rune) bool {
		switch r {
		case ',', ';', '\n', '\r', '\t', ' ', '|':
			return true
		default:
			return false
		}
	})
	return normalizeAllowlist(parts)
}

func normalizeAllowlist(serials []string) []string {
	if len(serials) == 0 {
		return nil
	}
	out := make([]string, 0, len(serials))
	seen := make(map[string]struct{}, len(serials))
	for _, serial := range serials {
		trimmed := strings.TrimSpace(serial)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		out = append(out, trimmed)
	}
	return out
}

func buildAllowlistSet(serials []string) map[string]struct{} {
	serials = normalizeAllowlist(serials)
	if len(serials) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(serials))
	for _, serial := range serials {
		set[serial] = struct{}{}
	}
	return set
}
