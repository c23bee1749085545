// Package resolver derives the upstream URL addressed by a proxied request path.
//
// The path layout is <mount prefix><target>, where target is either a bare
// host[/path] or a full scheme://host[/path]. Resolve is pure: the same path
// always yields the same URL and no network access happens here.
package resolver

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// DefaultPrefix is the mount prefix used when none is configured.
const DefaultPrefix = "/proxy/"

var (
	// ErrResolution is wrapped by every error returned from Resolve.
	ErrResolution = errors.New("resolve target")

	// ErrNotMounted means the path does not start with the mount prefix.
	ErrNotMounted = fmt.Errorf("%w: path outside mount prefix", ErrResolution)

	// ErrEmptyTarget means the path names no upstream host.
	ErrEmptyTarget = fmt.Errorf("%w: no target", ErrResolution)

	// ErrUnsupportedScheme means the target uses a scheme other than http(s)/ws(s).
	ErrUnsupportedScheme = fmt.Errorf("%w: unsupported scheme", ErrResolution)
)

var (
	slashRun = regexp.MustCompile(`/+`)
	// damagedScheme matches a scheme whose "//" was already folded by an
	// intermediary, e.g. "https:/example.com".
	damagedScheme = regexp.MustCompile(`(?i)^(https?|wss?):/`)
)

// schemeMap folds websocket schemes onto the HTTP scheme used for the handshake.
var schemeMap = map[string]string{
	"http":  "http",
	"https": "https",
	"ws":    "http",
	"wss":   "https",
}

// Resolve strips prefix from rawPath and returns the absolute upstream URL.
// rawPath should be the escaped path without the query string.
func Resolve(rawPath, prefix string) (*url.URL, error) {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if !strings.HasPrefix(rawPath, prefix) {
		return nil, ErrNotMounted
	}

	remainder := strings.TrimLeft(strings.TrimPrefix(rawPath, prefix), "/")
	if remainder == "" {
		return nil, ErrEmptyTarget
	}

	target := remainder
	if !strings.Contains(target, "://") && !damagedScheme.MatchString(target) {
		target = "https://" + target
	}
	target = slashRun.ReplaceAllString(target, "/")
	target = strings.Replace(target, ":/", "://", 1)

	u, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrResolution, err)
	}

	scheme, ok := schemeMap[strings.ToLower(u.Scheme)]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnsupportedScheme, u.Scheme)
	}
	u.Scheme = scheme

	if u.Host == "" {
		return nil, ErrEmptyTarget
	}
	if u.Path == "" {
		u.Path = "/"
		u.RawPath = ""
	}

	return u, nil
}

// WithQuery returns a copy of target carrying the inbound raw query verbatim.
func WithQuery(target *url.URL, rawQuery string) *url.URL {
	u := *target
	u.RawQuery = rawQuery
	u.ForceQuery = false
	return &u
}
