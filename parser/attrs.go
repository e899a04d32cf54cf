package parser

import (
	"net/netip"
	"regexp"
	"strings"
)

var (
	ipv4Re   = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)
	ipv6Re   = regexp.MustCompile(`(?i)\b[0-9a-f]{0,4}(?::[0-9a-f]{0,4}){2,7}\b`)
	userRe   = regexp.MustCompile(`(?i)\b(?:user(?:name)?|uid|login|account)\s*[=:]\s*["']?([^\s"',;\]\)]+)`)
	sshUser  = regexp.MustCompile(`\bfor (?:invalid user )?(\S+) from\b`)
	pidRe    = regexp.MustCompile(`(?i)\bpid\s*[=:]\s*(\d+)`)
	procPID  = regexp.MustCompile(`\b[\w.-]+\[(\d+)\]:`)
	kvPairRe = regexp.MustCompile(`(?:^|[\s,;{(])([A-Za-z_][\w.\-]{0,63})=("[^"]*"|[^\s,;})]+)`)
)

// maxKVPairs bounds how many generic key=value pairs one line contributes.
const maxKVPairs = 32

// ExtractAttrs pulls well-known attributes out of free text: ip addresses,
// user names, process ids, generic key=value pairs and the first matching
// tag code. Returns nil when nothing was found.
func ExtractAttrs(text string, tags []string) map[string]any {
	out := map[string]any{}

	if ips := findIPs(text); len(ips) > 0 {
		out["ip"] = ips[0]
		if len(ips) > 1 {
			out["ips"] = ips
		}
	}
	if m := userRe.FindStringSubmatch(text); m != nil {
		out["user"] = m[1]
	} else if m := sshUser.FindStringSubmatch(text); m != nil {
		out["user"] = m[1]
	}
	if m := pidRe.FindStringSubmatch(text); m != nil {
		out["pid"] = m[1]
	} else if m := procPID.FindStringSubmatch(text); m != nil {
		out["pid"] = m[1]
	}

	for i, m := range kvPairRe.FindAllStringSubmatch(text, -1) {
		if i >= maxKVPairs {
			break
		}
		key := strings.ToLower(m[1])
		if _, taken := out[key]; taken {
			continue
		}
		out[key] = strings.Trim(m[2], `"`)
	}

	if tag := ExtractTag(text, tags); tag != "" {
		out["tag"] = tag
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func findIPs(text string) []string {
	var ips []string
	seen := map[string]bool{}
	add := func(cands []string) {
		for _, c := range cands {
			addr, err := netip.ParseAddr(c)
			if err != nil || seen[addr.String()] {
				continue
			}
			seen[addr.String()] = true
			ips = append(ips, addr.String())
		}
	}
	add(ipv4Re.FindAllString(text, 8))
	if strings.Count(text, ":") >= 2 {
		for _, c := range ipv6Re.FindAllString(text, 8) {
			// Skip clock readings like 10:30:45.
			if strings.Count(c, ":") >= 2 && strings.ContainsAny(strings.ToLower(c), "abcdef") || strings.Contains(c, "::") {
				add([]string{c})
			}
		}
	}
	return ips
}

// ExtractTag returns the first configured code that occurs in text,
// case-insensitively, or "" when none does.
func ExtractTag(text string, codes []string) string {
	if len(codes) == 0 {
		return ""
	}
	upper := strings.ToUpper(text)
	for _, c := range codes {
		c = strings.ToUpper(strings.TrimSpace(c))
		if c == "" {
			continue
		}
		if strings.Contains(upper, c) {
			return c
		}
	}
	return ""
}
