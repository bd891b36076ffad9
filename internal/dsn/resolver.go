// Copyright (c) 2025 Seedfast
// Licensed under the MIT License. See LICENSE file in the project root for details.

package dsn

import (
	"net/url"
	"sort"
	"strings"
)

// Detect returns the Kind named by the DSN scheme.
func Detect(dsn string) Kind {
	lower := strings.ToLower(strings.TrimSpace(dsn))
	switch {
	case strings.HasPrefix(lower, "postgres://"), strings.HasPrefix(lower, "postgresql://"):
		return KindPostgres
	case strings.HasPrefix(lower, "redis://"), strings.HasPrefix(lower, "rediss://"):
		return KindRedis
	}
	return KindUnknown
}

func resolverFor(dsn string) (Resolver, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, parseError("empty DSN", "provide a connection string")
	}
	switch Detect(dsn) {
	case KindPostgres:
		return NewPostgresResolver(), nil
	case KindRedis:
		return NewRedisResolver(), nil
	}
	return nil, parseError("unknown scheme", "use postgres://, postgresql://, redis:// or rediss://")
}

// Parse returns the normalized form of dsn.
func Parse(dsn string) (string, error) {
	r, err := resolverFor(dsn)
	if err != nil {
		return "", err
	}
	info, err := r.Parse(strings.TrimSpace(dsn))
	if err != nil {
		return "", err
	}
	return r.Normalize(info)
}

// Validate checks dsn without normalizing it.
func Validate(dsn string) error {
	r, err := resolverFor(dsn)
	if err != nil {
		return err
	}
	return r.Validate(strings.TrimSpace(dsn))
}

// ParseInfo returns the parsed components of dsn.
func ParseInfo(dsn string) (*Info, error) {
	r, err := resolverFor(dsn)
	if err != nil {
		return nil, err
	}
	return r.Parse(strings.TrimSpace(dsn))
}

// Redact returns dsn with its password replaced by ***. Unparseable input
// is returned with everything between "://" and the last "@" hidden.
func Redact(dsn string) string {
	info, err := ParseInfo(dsn)
	if err != nil {
		at := strings.LastIndex(dsn, "@")
		sep := strings.Index(dsn, "://")
		if at == -1 || sep == -1 || at < sep {
			return dsn
		}
		return dsn[:sep+3] + "***" + dsn[at:]
	}
	scheme := info.Scheme
	if info.Kind == KindPostgres {
		scheme = "postgresql"
	}
	var b strings.Builder
	b.WriteString(scheme)
	b.WriteString("://")
	if info.User != "" || info.Password != "" {
		b.WriteString(url.PathEscape(info.User))
		if info.Password != "" {
			b.WriteString(":***")
		}
		b.WriteString("@")
	}
	b.WriteString(hostPort(info.Host, info.Port))
	if info.Database != "" {
		b.WriteString("/")
		b.WriteString(info.Database)
	}
	if q := encodeParams(info.Params); q != "" {
		b.WriteString("?")
		b.WriteString(q)
	}
	return b.String()
}

// split breaks scheme://[user[:password]@]host[:port][/database][?params]
// into its parts. The last "@" ends the credentials so passwords may hold
// "@", ":" or "/" unencoded.
func split(dsn string) (scheme, user, password, host, port, database string, params map[string]string, err error) {
	i := strings.Index(dsn, "://")
	if i <= 0 {
		return "", "", "", "", "", "", nil, parseError("missing scheme", "")
	}
	scheme = strings.ToLower(dsn[:i])
	rest := dsn[i+3:]

	if at := strings.LastIndex(rest, "@"); at != -1 {
		auth := rest[:at]
		rest = rest[at+1:]
		if c := strings.Index(auth, ":"); c != -1 {
			user, password = auth[:c], auth[c+1:]
		} else {
			user = auth
		}
		user, password = unescape(user), unescape(password)
	}

	params = map[string]string{}
	if q := strings.Index(rest, "?"); q != -1 {
		values, perr := url.ParseQuery(rest[q+1:])
		if perr != nil {
			return "", "", "", "", "", "", nil, parseError("malformed query parameters", "")
		}
		for k, v := range values {
			if len(v) > 0 {
				params[k] = v[0]
			}
		}
		rest = rest[:q]
	}

	hostPart := rest
	if s := strings.Index(rest, "/"); s != -1 {
		hostPart, database = rest[:s], strings.TrimSpace(rest[s+1:])
	}
	host = hostPart
	if strings.HasPrefix(hostPart, "[") {
		// [ipv6]:port
		if end := strings.Index(hostPart, "]"); end != -1 {
			host = hostPart[1:end]
			port = strings.TrimPrefix(hostPart[end+1:], ":")
		}
	} else if c := strings.LastIndex(hostPart, ":"); c != -1 {
		host, port = hostPart[:c], hostPart[c+1:]
	}
	return scheme, user, password, host, port, database, params, nil
}

func unescape(s string) string {
	if u, err := url.PathUnescape(s); err == nil {
		return u
	}
	return s
}

func isPort(p string) bool {
	if p == "" {
		return false
	}
	for _, r := range p {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func hostPort(host, port string) string {
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	if port == "" {
		return host
	}
	return host + ":" + port
}

// encodeParams renders params sorted by key.
func encodeParams(params map[string]string) string {
	if len(params) == 0 {
		return ""
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	v := url.Values{}
	for _, k := range keys {
		v.Set(k, params[k])
	}
	return v.Encode()
}

func render(info *Info, scheme string) string {
	u := url.URL{Scheme: scheme, Host: hostPort(info.Host, info.Port), RawQuery: encodeParams(info.Params)}
	switch {
	case info.Password != "":
		u.User = url.UserPassword(info.User, info.Password)
	case info.User != "":
		u.User = url.User(info.User)
	}
	if info.Database != "" {
		u.Path = "/" + info.Database
	}
	return u.String()
}
