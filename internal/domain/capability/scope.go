package capability

import (
	"fmt"
	"net"
	"path"
	"strconv"
	"strings"
)

// normalizeScope validates a scope for its kind and returns the canonical form.
func normalizeScope(kind Kind, scope string) (string, error) {
	scope = strings.TrimSpace(scope)
	if scope == "" {
		return "", nil
	}

	switch kind {
	case KindFilesystemRead, KindFilesystemWrite:
		return normalizePath(scope)
	case KindNetworkConnect:
		return normalizeHost(scope)
	case KindHostAPICall:
		return normalizeName(scope)
	default:
		return "", fmt.Errorf("%w: unknown kind %q", ErrInvalidCapability, kind)
	}
}

// normalizePath requires an absolute slash-separated path and cleans it.
func normalizePath(p string) (string, error) {
	if !strings.HasPrefix(p, "/") {
		return "", fmt.Errorf("%w: path %q must be absolute", ErrInvalidScope, p)
	}
	if strings.ContainsRune(p, 0) {
		return "", fmt.Errorf("%w: path contains NUL", ErrInvalidScope)
	}
	return path.Clean(p), nil
}

// normalizeHost accepts "host", "host:port", "*.domain[:port]" or "*[:port]".
func normalizeHost(s string) (string, error) {
	host, port, err := splitHostPort(s)
	if err != nil {
		return "", err
	}
	host = strings.ToLower(host)

	if host != "*" {
		labels := strings.TrimPrefix(host, "*.")
		if labels == "" || strings.Contains(labels, "*") {
			return "", fmt.Errorf("%w: host pattern %q", ErrInvalidScope, s)
		}
		if net.ParseIP(labels) == nil {
			for _, label := range strings.Split(labels, ".") {
				if !isHostLabel(label) {
					return "", fmt.Errorf("%w: host %q has invalid label %q", ErrInvalidScope, s, label)
				}
			}
		}
	}

	if port == "" {
		return host, nil
	}
	return host + ":" + port, nil
}

func splitHostPort(s string) (string, string, error) {
	idx := strings.LastIndex(s, ":")
	if idx < 0 {
		return s, "", nil
	}
	host, port := s[:idx], s[idx+1:]
	n, err := strconv.Atoi(port)
	if err != nil || n < 1 || n > 65535 {
		return "", "", fmt.Errorf("%w: invalid port in %q", ErrInvalidScope, s)
	}
	return host, strconv.Itoa(n), nil
}

func isHostLabel(label string) bool {
	if label == "" || len(label) > 63 {
		return false
	}
	for _, r := range label {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return false
		}
	}
	return true
}

// normalizeName accepts host API names with an optional trailing '*' glob.
func normalizeName(name string) (string, error) {
	literal := strings.TrimSuffix(name, "*")
	if strings.Contains(literal, "*") {
		return "", fmt.Errorf("%w: glob only allowed as suffix in %q", ErrInvalidScope, name)
	}
	for _, r := range literal {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-', r == '/':
		default:
			return "", fmt.Errorf("%w: invalid character %q in %q", ErrInvalidScope, r, name)
		}
	}
	return name, nil
}

func scopeContains(kind Kind, outer, inner string) bool {
	switch kind {
	case KindFilesystemRead, KindFilesystemWrite:
		return pathContains(outer, inner)
	case KindNetworkConnect:
		return hostContains(outer, inner)
	case KindHostAPICall:
		return nameContains(outer, inner)
	default:
		return false
	}
}

// pathContains compares whole segments so /tmpfoo is not inside /tmp.
func pathContains(outer, inner string) bool {
	if outer == "/" || outer == inner {
		return true
	}
	return strings.HasPrefix(inner, outer+"/")
}

func hostContains(outer, inner string) bool {
	outerHost, outerPort, _ := splitHostPort(outer)
	innerHost, innerPort, _ := splitHostPort(inner)

	if outerPort != "" && outerPort != innerPort {
		return false
	}
	if outerHost == "*" {
		return true
	}
	if suffix, ok := strings.CutPrefix(outerHost, "*"); ok {
		// suffix keeps its leading dot
		return strings.HasSuffix(innerHost, suffix) && innerHost != "*"
	}
	return outerHost == innerHost
}

func nameContains(outer, inner string) bool {
	if prefix, ok := strings.CutSuffix(outer, "*"); ok {
		return strings.HasPrefix(inner, prefix)
	}
	return outer == inner
}

func scopeSpecificity(kind Kind, scope string) int {
	switch kind {
	case KindFilesystemRead, KindFilesystemWrite:
		if scope == "/" {
			return 1
		}
		return 1 + strings.Count(scope, "/")
	case KindNetworkConnect:
		host, port, _ := splitHostPort(scope)
		n := 1
		if host != "*" {
			n += strings.Count(host, ".") + 1
			if strings.HasPrefix(host, "*.") {
				n--
			}
		}
		if port != "" {
			n++
		}
		return n
	case KindHostAPICall:
		if prefix, ok := strings.CutSuffix(scope, "*"); ok {
			return 2*len(prefix) + 1
		}
		return 2*len(scope) + 2
	default:
		return 0
	}
}
