// Package fingerprint identifies web/service technologies running on a
// target by fetching its base URL and matching the response against a
// catalog of header/body/path/cookie patterns. Patterns within one
// definition are ORed; the first satisfied pattern wins. Results are
// cached per base URL and a fetch failure yields an empty, non-error
// result.
package fingerprint

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/vulnscan/pkg/log"
	"github.com/cuemby/vulnscan/pkg/metrics"
	"github.com/cuemby/vulnscan/pkg/types"
)

const fetchTimeout = 10 * time.Second

// PatternKind is the matching strategy a single pattern within a
// definition uses.
type PatternKind string

const (
	PatternHeader PatternKind = "header"
	PatternBody   PatternKind = "body"
	PatternPath   PatternKind = "path"
	PatternCookie PatternKind = "cookie"
)

// Pattern is one OR-branch of a Definition's match condition.
type Pattern struct {
	Kind PatternKind

	// header
	HeaderName string
	Regex      string

	// body / cookie reuse Regex above

	// path
	Path           string
	ExpectedStatus []int
}

// Definition is one entry in the fingerprint catalog.
type Definition struct {
	Name     string
	Category types.FingerprintCategory
	Patterns []Pattern
	Tags     []string
}

// Cache stores identified fingerprints keyed by base URL. The in-memory
// implementation below is the default; a Redis-backed implementation can
// be substituted to share the cache across scanner-node processes.
type Cache interface {
	Get(url string) ([]types.Fingerprint, bool)
	Set(url string, fps []types.Fingerprint)
	Clear()
}

// memoryCache is the default, process-local Cache.
type memoryCache struct {
	mu    sync.RWMutex
	byURL map[string][]types.Fingerprint
}

func newMemoryCache() *memoryCache {
	return &memoryCache{byURL: make(map[string][]types.Fingerprint)}
}

func (c *memoryCache) Get(url string) ([]types.Fingerprint, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	fps, ok := c.byURL[url]
	return fps, ok
}

func (c *memoryCache) Set(url string, fps []types.Fingerprint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byURL[url] = fps
}

func (c *memoryCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byURL = make(map[string][]types.Fingerprint)
}

// Engine identifies fingerprints for a target and caches the result per
// base URL. Safe for concurrent use.
type Engine struct {
	definitions []Definition
	cache       Cache
	client      *http.Client
}

// New builds an Engine with the built-in catalog and the given cache. A
// nil cache defaults to an in-memory, unbounded map.
func New(cache Cache) *Engine {
	if cache == nil {
		cache = newMemoryCache()
	}
	return &Engine{
		definitions: builtinCatalog(),
		cache:       cache,
		client: &http.Client{
			Timeout: fetchTimeout,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
			},
		},
	}
}

// AddDefinition registers a plugin-supplied fingerprint definition
// alongside the built-in catalog.
func (e *Engine) AddDefinition(def Definition) {
	e.definitions = append(e.definitions, def)
}

// ClearCache discards every cached identification.
func (e *Engine) ClearCache() {
	e.cache.Clear()
}

// BaseURL derives the base URL for a target/port pair: https for port
// 443, http otherwise; default ports are omitted.
func BaseURL(target string, port int) string {
	scheme := "http"
	if port == 443 {
		scheme = "https"
	}
	if port == 0 || port == 80 || port == 443 {
		return fmt.Sprintf("%s://%s", scheme, target)
	}
	return fmt.Sprintf("%s://%s:%d", scheme, target, port)
}

// Identify fetches the target's base URL and returns every matching
// fingerprint. A fetch failure yields an empty, non-error result. Results
// are cached per base URL; useCache false skips the cache lookup, and the
// fresh result still replaces the cached entry.
func (e *Engine) Identify(ctx context.Context, target string, port int, useCache bool) []types.Fingerprint {
	url := BaseURL(target, port)

	if useCache {
		if fps, ok := e.cache.Get(url); ok {
			metrics.FingerprintCacheHits.Inc()
			return fps
		}
	}
	metrics.FingerprintCacheMisses.Inc()

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.FingerprintFetchDuration)

	fps := e.identify(ctx, url)
	e.cache.Set(url, fps)
	return fps
}

func (e *Engine) identify(ctx context.Context, url string) []types.Fingerprint {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		log.Logger.Debug().Err(err).Str("url", url).Msg("fingerprint request build failed")
		return nil
	}

	resp, err := e.client.Do(req)
	if err != nil {
		log.Logger.Debug().Err(err).Str("url", url).Msg("fingerprint fetch failed")
		return nil
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 5<<20))
	if err != nil {
		log.Logger.Debug().Err(err).Str("url", url).Msg("fingerprint body read failed")
		return nil
	}

	var out []types.Fingerprint
	for _, def := range e.definitions {
		if fp, ok := e.evaluate(ctx, def, resp, string(body), url); ok {
			out = append(out, fp)
		}
	}
	return out
}

func (e *Engine) evaluate(ctx context.Context, def Definition, resp *http.Response, body, baseURL string) (types.Fingerprint, bool) {
	var version string

	for _, p := range def.Patterns {
		matched := false

		switch p.Kind {
		case PatternHeader:
			value := resp.Header.Get(p.HeaderName)
			if m := matchRegex(p.Regex, value); m != nil {
				matched = true
				if len(m) > 1 && m[1] != "" {
					version = m[1]
				}
			}

		case PatternBody:
			if m := matchRegex(p.Regex, body); m != nil {
				matched = true
			}

		case PatternCookie:
			cookieStr := joinCookies(resp.Cookies())
			if m := matchRegex(p.Regex, cookieStr); m != nil {
				matched = true
			}

		case PatternPath:
			if e.matchPath(ctx, baseURL, p) {
				matched = true
			}
		}

		if matched {
			return types.Fingerprint{
				Category:   def.Category,
				Name:       def.Name,
				Version:    version,
				Tags:       def.Tags,
				Confidence: 1.0,
			}, true
		}
	}
	return types.Fingerprint{}, false
}

func (e *Engine) matchPath(ctx context.Context, baseURL string, p Pattern) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+p.Path, nil)
	if err != nil {
		return false
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	for _, want := range p.ExpectedStatus {
		if resp.StatusCode == want {
			return true
		}
	}
	return false
}

func joinCookies(cookies []*http.Cookie) string {
	parts := make([]string, 0, len(cookies))
	for _, c := range cookies {
		parts = append(parts, c.Name+"="+c.Value)
	}
	return strings.Join(parts, "; ")
}

func matchRegex(pattern, value string) []string {
	if pattern == "" {
		return nil
	}
	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		return nil
	}
	return re.FindStringSubmatch(value)
}

// builtinCatalog is the default fingerprint set loaded into every Engine.
func builtinCatalog() []Definition {
	return []Definition{
		{
			Name: "nginx", Category: types.CategoryWebserver,
			Patterns: []Pattern{{Kind: PatternHeader, HeaderName: "Server", Regex: `nginx[/\s]*([\d.]+)?`}},
		},
		{
			Name: "Apache", Category: types.CategoryWebserver,
			Patterns: []Pattern{{Kind: PatternHeader, HeaderName: "Server", Regex: `Apache[/\s]*([\d.]+)?`}},
		},
		{
			Name: "IIS", Category: types.CategoryWebserver,
			Patterns: []Pattern{{Kind: PatternHeader, HeaderName: "Server", Regex: `Microsoft-IIS[/\s]*([\d.]+)?`}},
		},
		{
			Name: "Django", Category: types.CategoryFramework,
			Patterns: []Pattern{
				{Kind: PatternHeader, HeaderName: "Set-Cookie", Regex: `csrftoken`},
				{Kind: PatternBody, Regex: `csrfmiddlewaretoken`},
			},
		},
		{
			Name: "Flask", Category: types.CategoryFramework,
			Patterns: []Pattern{{Kind: PatternCookie, Regex: `session=.*\.`}},
		},
		{
			Name: "Spring", Category: types.CategoryFramework,
			Patterns: []Pattern{{Kind: PatternHeader, HeaderName: "Set-Cookie", Regex: `JSESSIONID`}},
		},
		{
			Name: "WordPress", Category: types.CategoryCMS,
			Patterns: []Pattern{
				{Kind: PatternBody, Regex: `wp-content`},
				{Kind: PatternBody, Regex: `WordPress`},
				{Kind: PatternPath, Path: "/wp-login.php", ExpectedStatus: []int{200}},
			},
		},
		{
			Name: "Tomcat", Category: types.CategoryServer,
			Patterns: []Pattern{
				{Kind: PatternBody, Regex: `Apache Tomcat`},
				{Kind: PatternPath, Path: "/manager/html", ExpectedStatus: []int{200, 401}},
			},
			Tags: []string{"manager"},
		},
		{
			Name: "phpMyAdmin", Category: types.CategoryDatabase,
			Patterns: []Pattern{
				{Kind: PatternBody, Regex: `phpMyAdmin`},
				{Kind: PatternPath, Path: "/phpmyadmin/", ExpectedStatus: []int{200}},
			},
		},
		{
			Name: "Jenkins", Category: types.CategoryCI,
			Patterns: []Pattern{{Kind: PatternHeader, HeaderName: "X-Jenkins", Regex: `([\d.]+)`}},
		},
		{
			Name: "GitLab", Category: types.CategoryVCS,
			Patterns: []Pattern{{Kind: PatternBody, Regex: `GitLab`}},
		},
	}
}
