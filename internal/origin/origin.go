// Package origin implements the browser Origin check applied before
// upgrading a signaling WebSocket.
package origin

import (
	"net/url"
	"strconv"
	"strings"
)

// Allowed reports whether a browser Origin header may open a connection to
// the given request host.
//
// With a non-empty allowlist, each entry must be "*" or a normalized
// scheme://host[:port] origin. With an empty allowlist the policy is
// same-host only; scheme is deliberately not compared because the relay may
// sit behind a TLS-terminating proxy. Non-browser clients send no Origin
// header and are always allowed.
func Allowed(originHeader, requestHost string, allowlist []string) bool {
	if strings.TrimSpace(originHeader) == "" {
		return true
	}

	norm, originHost, ok := normalize(originHeader)
	if !ok {
		return false
	}

	if len(allowlist) > 0 {
		for _, allowed := range allowlist {
			if allowed == "*" || allowed == norm {
				return true
			}
		}
		return false
	}

	if originHost == "" {
		// "null" origins can never match a host-based default policy.
		return false
	}
	scheme := norm[:strings.Index(norm, ":")]
	reqHost, ok := normalizeHostPort(requestHost, scheme)
	if !ok {
		return false
	}
	return originHost == reqHost
}

// Normalize validates an Origin header and returns it in canonical
// scheme://host[:port] form. The special value "null" is returned as-is.
func Normalize(originHeader string) (string, bool) {
	norm, _, ok := normalize(originHeader)
	return norm, ok
}

func normalize(originHeader string) (normalized, host string, ok bool) {
	trimmed := strings.TrimSpace(originHeader)
	if trimmed == "" {
		return "", "", false
	}
	if trimmed == "null" {
		return "null", "", true
	}

	u, err := url.Parse(trimmed)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", "", false
	}
	if u.User != nil || u.RawQuery != "" || u.Fragment != "" || (u.Path != "" && u.Path != "/") {
		return "", "", false
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", "", false
	}

	host, ok = normalizeHostPort(u.Host, scheme)
	if !ok {
		return "", "", false
	}
	return scheme + "://" + host, host, true
}

// normalizeHostPort lowercases the hostname, brackets IPv6 literals, and
// drops the scheme's default port.
func normalizeHostPort(rawHost, scheme string) (string, bool) {
	rawHost = strings.ToLower(strings.TrimSpace(rawHost))
	if rawHost == "" {
		return "", false
	}

	hostname, portStr, ok := splitHostPort(rawHost)
	if !ok || hostname == "" {
		return "", false
	}

	var port uint64
	if portStr != "" {
		n, err := strconv.ParseUint(portStr, 10, 16)
		if err != nil || n == 0 {
			return "", false
		}
		port = n
	}
	if (scheme == "http" && port == 80) || (scheme == "https" && port == 443) {
		port = 0
	}

	host := hostname
	if strings.Contains(hostname, ":") {
		host = "[" + hostname + "]"
	}
	if port != 0 {
		host += ":" + strconv.FormatUint(port, 10)
	}
	return host, true
}

func splitHostPort(rawHost string) (hostname, port string, ok bool) {
	if strings.HasPrefix(rawHost, "[") {
		end := strings.IndexByte(rawHost, ']')
		if end < 0 {
			return "", "", false
		}
		hostname = rawHost[1:end]
		rest := rawHost[end+1:]
		if rest == "" {
			return hostname, "", true
		}
		if !strings.HasPrefix(rest, ":") || len(rest) == 1 {
			return "", "", false
		}
		return hostname, rest[1:], true
	}

	switch strings.Count(rawHost, ":") {
	case 0:
		return rawHost, "", true
	case 1:
		i := strings.IndexByte(rawHost, ':')
		if i == 0 || i == len(rawHost)-1 {
			return "", "", false
		}
		return rawHost[:i], rawHost[i+1:], true
	default:
		// Unbracketed IPv6 literals are not valid authority components.
		return "", "", false
	}
}
