package cache

import (
	"fmt"
	"net/http"
	"os"
	"path"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Strategy is how a request is served.
type Strategy int

const (
	NetworkOnly Strategy = iota
	CacheFirst
	NetworkFirst
)

func (s Strategy) String() string {
	switch s {
	case CacheFirst:
		return "cache-first"
	case NetworkFirst:
		return "network-first"
	default:
		return "network-only"
	}
}

// Class is the content class of a bucket.
type Class string

const (
	ClassPrecache Class = "precache"
	ClassRuntime  Class = "runtime"
	ClassAssets   Class = "assets"
	ClassAPI      Class = "api"
)

// Route is the outcome of classifying a request.
type Route struct {
	Strategy   Strategy
	Class      Class // empty for network-only
	Navigation bool
	Rule       string // which rule matched, for logs and tests
}

// RouteConfig is the serializable form of a route table.
type RouteConfig struct {
	NetworkFirst    []string `yaml:"network_first" json:"network_first"`
	Cacheable       []string `yaml:"cacheable" json:"cacheable"`
	APIHosts        []string `yaml:"api_hosts" json:"api_hosts"`
	APIPaths        []string `yaml:"api_paths" json:"api_paths"`
	AssetExtensions []string `yaml:"asset_extensions" json:"asset_extensions"`
}

// DefaultRouteConfig returns the built-in patterns for the advisory app's
// remote service.
func DefaultRouteConfig() RouteConfig {
	return RouteConfig{
		NetworkFirst: []string{
			`^/functions/v1/(ai-|orchestrat|advisory|chat)`,
			`^/functions/v1/weather-sync`,
			`^/rest/v1/(conversation_logs|chat_messages)`,
		},
		Cacheable: []string{
			`^/rest/v1/weather_(data|snapshots)`,
			`^/rest/v1/(crops|crop_catalog|crop_varieties)`,
			`^/rest/v1/(tenants|tenant_branding)`,
			`^/rest/v1/(profiles|user_profiles)`,
			`^/functions/v1/translat`,
		},
		APIHosts: []string{
			`\.supabase\.(co|in)$`,
		},
		APIPaths: []string{
			`^/(rest|functions|auth|storage|realtime|graphql)/v1/`,
			`^/api/`,
		},
		AssetExtensions: []string{"js", "css", "png", "jpg", "jpeg", "webp", "svg"},
	}
}

// LoadRouteConfig reads a YAML route file. Sections absent from the file keep
// their defaults.
func LoadRouteConfig(p string) (RouteConfig, error) {
	cfg := DefaultRouteConfig()
	data, err := os.ReadFile(p)
	if err != nil {
		return RouteConfig{}, fmt.Errorf("reading route file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return RouteConfig{}, fmt.Errorf("parsing route file %s: %w", p, err)
	}
	return cfg, nil
}

// RouteTable classifies requests. It is immutable once compiled and safe for
// concurrent use.
type RouteTable struct {
	networkFirst []*regexp.Regexp
	cacheable    []*regexp.Regexp
	apiHosts     []*regexp.Regexp
	apiPaths     []*regexp.Regexp
	assetExts    map[string]bool
}

// Compile validates the patterns and builds a RouteTable.
func (c RouteConfig) Compile() (*RouteTable, error) {
	t := &RouteTable{assetExts: make(map[string]bool)}
	var err error
	if t.networkFirst, err = compileAll("network_first", c.NetworkFirst); err != nil {
		return nil, err
	}
	if t.cacheable, err = compileAll("cacheable", c.Cacheable); err != nil {
		return nil, err
	}
	if t.apiHosts, err = compileAll("api_hosts", c.APIHosts); err != nil {
		return nil, err
	}
	if t.apiPaths, err = compileAll("api_paths", c.APIPaths); err != nil {
		return nil, err
	}
	for _, ext := range c.AssetExtensions {
		t.assetExts[strings.ToLower(strings.TrimPrefix(ext, "."))] = true
	}
	return t, nil
}

// MustDefaultRoutes compiles DefaultRouteConfig.
func MustDefaultRoutes() *RouteTable {
	t, err := DefaultRouteConfig().Compile()
	if err != nil {
		panic("cache: default routes: " + err.Error())
	}
	return t
}

func compileAll(section string, patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("%s pattern %q: %w", section, p, err)
		}
		out = append(out, re)
	}
	return out, nil
}

// Classify picks the strategy for r. First match wins:
//
//  0. non-GET/HEAD      -> network-only
//  1. network-first set -> network-first (api)
//  2. cacheable set     -> cache-first (runtime)
//  3. static asset      -> cache-first (assets)
//  4. API-shaped        -> network-only
//  5. navigation        -> network-first (runtime) with offline document
//  6. anything else     -> network-only
func (t *RouteTable) Classify(r *http.Request) Route {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		return Route{Strategy: NetworkOnly, Rule: "method"}
	}
	p := r.URL.Path
	if matchAny(t.networkFirst, p) {
		return Route{Strategy: NetworkFirst, Class: ClassAPI, Rule: "network-first"}
	}
	if matchAny(t.cacheable, p) {
		return Route{Strategy: CacheFirst, Class: ClassRuntime, Rule: "cacheable"}
	}
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(p), "."))
	if t.assetExts[ext] {
		return Route{Strategy: CacheFirst, Class: ClassAssets, Rule: "asset"}
	}
	if matchAny(t.apiHosts, strings.ToLower(r.URL.Hostname())) || matchAny(t.apiPaths, p) {
		return Route{Strategy: NetworkOnly, Rule: "api"}
	}
	if isNavigation(r, ext) {
		return Route{Strategy: NetworkFirst, Class: ClassRuntime, Navigation: true, Rule: "navigation"}
	}
	return Route{Strategy: NetworkOnly, Rule: "default"}
}

func matchAny(res []*regexp.Regexp, s string) bool {
	for _, re := range res {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

func isNavigation(r *http.Request, ext string) bool {
	if r.Header.Get("Sec-Fetch-Mode") == "navigate" {
		return true
	}
	if strings.Contains(r.Header.Get("Accept"), "text/html") {
		return true
	}
	return ext == "" || ext == "html" || ext == "htm"
}
