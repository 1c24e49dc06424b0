// Package uri models the connection URIs used to describe hardware
// endpoints, e.g. "ipbusudp-2.0://fpga01:50001" or
// "ipbuspcie-2.0:///dev/xdma0_user?events=/dev/xdma0_events_0".
package uri

import (
	"fmt"
	"log/slog"
	"strings"
	"unicode"
)

// Argument is a single key=value pair from the query part of a URI.
type Argument struct {
	Key   string
	Value string
}

// URI is the decomposed form of a connection string. Fields which are not
// present in the source string are empty.
type URI struct {
	Protocol  string
	Hostname  string
	Port      string
	Path      string
	Extension string
	Arguments []Argument
}

// Get returns the value of the named argument and whether it was present.
func (u URI) Get(key string) (string, bool) {
	for _, arg := range u.Arguments {
		if arg.Key == key {
			return arg.Value, true
		}
	}
	return "", false
}

// String reassembles the URI in canonical form.
func (u URI) String() string {
	var b strings.Builder
	b.WriteString(u.Protocol)
	b.WriteString("://")
	b.WriteString(u.Hostname)
	if u.Port != "" {
		b.WriteString(":")
		b.WriteString(u.Port)
	}
	if u.Path != "" {
		b.WriteString("/")
		b.WriteString(u.Path)
	}
	if u.Extension != "" {
		b.WriteString(".")
		b.WriteString(u.Extension)
	}
	if len(u.Arguments) > 0 {
		b.WriteString("?")
		for i, arg := range u.Arguments {
			if i > 0 {
				b.WriteString("&")
			}
			b.WriteString(arg.Key)
			b.WriteString("=")
			b.WriteString(arg.Value)
		}
	}
	return b.String()
}

// ParseError reports a URI which could not be decomposed. Offending holds
// the substring at which parsing failed.
type ParseError struct {
	Raw       string
	Offending string
	Reason    string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("uri: cannot parse %q: %s at %q", e.Raw, e.Reason, e.Offending)
}

func parseErr(raw, offending, reason string) error {
	return &ParseError{Raw: raw, Offending: offending, Reason: reason}
}

// Parse decomposes a connection string of the form
//
//	protocol://[host][:port][/path[.ext]][?key1=val1&key2=val2]
//
// Whitespace between tokens is tolerated for compatibility with hand
// written connection files, but a warning is logged when any is found.
func Parse(raw string) (URI, error) {
	s := raw
	if stripped := stripSpace(s); stripped != s {
		slog.Warn("uri contains whitespace, stripping", "uri", raw)
		s = stripped
	}
	u := URI{}
	sep := strings.Index(s, "://")
	if sep < 0 {
		return u, parseErr(raw, s, "missing '://' separator")
	}
	proto := s[:sep]
	if !validProtocol(proto) {
		return u, parseErr(raw, proto, "invalid protocol token")
	}
	u.Protocol = proto
	rest := s[sep+3:]

	// Split off the query part first, it may contain any character.
	query := ""
	if q := strings.Index(rest, "?"); q >= 0 {
		query = rest[q+1:]
		rest = rest[:q]
	}

	// The authority runs up to the first '/', the path is everything after.
	authority := rest
	pathpart := ""
	if p := strings.Index(rest, "/"); p >= 0 {
		authority = rest[:p]
		pathpart = rest[p+1:]
	}
	if c := strings.Index(authority, ":"); c >= 0 {
		u.Hostname = authority[:c]
		port := authority[c+1:]
		if !validPort(port) {
			return URI{}, parseErr(raw, port, "port is not numeric")
		}
		u.Port = port
	} else {
		u.Hostname = authority
	}

	if pathpart != "" {
		if dot := strings.LastIndex(pathpart, "."); dot > strings.LastIndex(pathpart, "/") && dot >= 0 {
			u.Path = pathpart[:dot]
			u.Extension = pathpart[dot+1:]
		} else {
			u.Path = pathpart
		}
	}

	if query != "" {
		args, err := parseArguments(raw, query)
		if err != nil {
			return URI{}, err
		}
		u.Arguments = args
	}
	return u, nil
}

func parseArguments(raw, query string) ([]Argument, error) {
	pairs := strings.Split(query, "&")
	args := make([]Argument, 0, len(pairs))
	seen := make(map[string]bool, len(pairs))
	for _, pair := range pairs {
		eq := strings.Index(pair, "=")
		if eq <= 0 {
			return nil, parseErr(raw, pair, "argument is not of the form key=value")
		}
		key, value := pair[:eq], pair[eq+1:]
		if seen[key] {
			return nil, parseErr(raw, pair, "duplicate argument key")
		}
		seen[key] = true
		args = append(args, Argument{Key: key, Value: value})
	}
	return args, nil
}

func stripSpace(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
}

func validProtocol(s string) bool {
	if s == "" {
		return false
	}
	if !unicode.IsLetter(rune(s[0])) {
		return false
	}
	for _, r := range s {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-' && r != '.' {
			return false
		}
	}
	return true
}

func validPort(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
