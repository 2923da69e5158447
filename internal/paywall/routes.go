// Package paywall implements the resource-server side of the x402
// protocol: route matching, the 402 challenge, and the
// verify/forward/settle orchestration around protected handlers.
package paywall

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/CedrosPay/x402gate/pkg/x402"
)

// Price is the route price union: either a USD money value ("$0.01",
// "0.01", 0.01) or an explicit atomic amount with its asset descriptor.
type Price struct {
	Money  string
	Amount string
	Asset  *x402.AssetDescriptor
}

// priceAsset mirrors the YAML/JSON shape of an explicit asset descriptor.
type priceAsset struct {
	Address  string `yaml:"address" json:"address"`
	Decimals uint8  `yaml:"decimals" json:"decimals"`
	Name     string `yaml:"name" json:"name"`
}

type priceObject struct {
	Amount string     `yaml:"amount" json:"amount"`
	Asset  priceAsset `yaml:"asset" json:"asset"`
}

// UnmarshalYAML accepts either a scalar money value or an
// {amount, asset} mapping.
func (p *Price) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		p.Money = strings.TrimSpace(value.Value)
		return nil
	case yaml.MappingNode:
		var obj priceObject
		if err := value.Decode(&obj); err != nil {
			return err
		}
		if obj.Amount == "" || obj.Asset.Address == "" {
			return fmt.Errorf("explicit price needs both amount and asset.address")
		}
		p.Amount = obj.Amount
		p.Asset = &x402.AssetDescriptor{
			Address:  obj.Asset.Address,
			Decimals: obj.Asset.Decimals,
			Name:     obj.Asset.Name,
		}
		return nil
	default:
		return fmt.Errorf("unsupported price node kind: %v", value.Kind)
	}
}

// ToAtomic resolves the price to an atomic amount string and the asset
// it is denominated in.
func (p Price) ToAtomic(network x402.Network, defaultToken *x402.AssetDescriptor) (string, x402.AssetDescriptor, error) {
	if p.Amount != "" && p.Asset != nil {
		return x402.ExplicitAtomicAmount(p.Amount, *p.Asset)
	}
	return x402.PriceToAtomic(p.Money, network, defaultToken)
}

// RouteConfig is the per-route paywall configuration.
type RouteConfig struct {
	Price             Price             `yaml:"price"`
	Network           x402.Network      `yaml:"network"`
	PayTo             string            `yaml:"pay_to"`
	Description       string            `yaml:"description"`
	MimeType          string            `yaml:"mime_type"`
	MaxTimeoutSeconds int               `yaml:"max_timeout_seconds"`
	Discoverable      bool              `yaml:"discoverable"`
	PaywallHTML       string            `yaml:"paywall_html"`
	OutputSchema      x402.OutputSchema `yaml:"output_schema"`
}

// UnmarshalYAML accepts either a bare price value or a full config
// mapping, so a route map can be as terse as `GET /weather: "$0.0018"`.
func (c *RouteConfig) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		return value.Decode(&c.Price)
	}
	if value.Kind == yaml.MappingNode {
		// Distinguish a full config mapping from a bare explicit price.
		type plain RouteConfig
		var full plain
		if err := value.Decode(&full); err == nil && (full.Price.Money != "" || full.Price.Amount != "") {
			*c = RouteConfig(full)
			return nil
		}
		return value.Decode(&c.Price)
	}
	return fmt.Errorf("unsupported route config node kind: %v", value.Kind)
}

// RouteMap maps "[VERB ]path" keys to route configurations.
type RouteMap map[string]RouteConfig

// LoadRouteMap reads a route map from a YAML file.
func LoadRouteMap(path string) (RouteMap, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read route map %s: %w", path, err)
	}
	var routes RouteMap
	if err := yaml.Unmarshal(raw, &routes); err != nil {
		return nil, fmt.Errorf("parse route map %s: %w", path, err)
	}
	return routes, nil
}

// compiledRoute is one route pattern ready for matching.
type compiledRoute struct {
	verb    string
	pattern *regexp.Regexp
	source  string
	config  RouteConfig
}

// compileRoutes turns the route map into matchable patterns, sorted so
// that on ambiguity the route with the longest pattern source wins.
func compileRoutes(routes RouteMap) ([]compiledRoute, error) {
	compiled := make([]compiledRoute, 0, len(routes))
	for key, cfg := range routes {
		verb := "*"
		path := strings.TrimSpace(key)
		if idx := strings.IndexByte(path, ' '); idx > 0 {
			verb = strings.ToUpper(path[:idx])
			path = strings.TrimSpace(path[idx+1:])
		}
		source := patternToRegexp(path)
		pattern, err := regexp.Compile(source)
		if err != nil {
			return nil, fmt.Errorf("route %q: %w", key, err)
		}
		compiled = append(compiled, compiledRoute{
			verb:    verb,
			pattern: pattern,
			source:  source,
			config:  cfg,
		})
	}
	sort.SliceStable(compiled, func(i, j int) bool {
		return len(compiled[i].source) > len(compiled[j].source)
	})
	return compiled, nil
}

// patternToRegexp compiles a route path pattern: `[name]` matches one
// path segment, `*` matches non-greedily. Everything else is literal.
// Matching is case-insensitive.
var paramPattern = regexp.MustCompile(`\[[^/\]]+\]`)

func patternToRegexp(path string) string {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	// Protect the pattern atoms, escape the rest, then re-expand.
	const paramToken = "\x00PARAM\x00"
	const wildToken = "\x00WILD\x00"
	path = paramPattern.ReplaceAllString(path, paramToken)
	path = strings.ReplaceAll(path, "*", wildToken)
	escaped := regexp.QuoteMeta(path)
	escaped = strings.ReplaceAll(escaped, paramToken, `[^/]+`)
	escaped = strings.ReplaceAll(escaped, wildToken, `.*?`)
	return `(?i)^` + escaped + `$`
}

// NormalizePath canonicalizes a request path before matching: URL-decode,
// backslashes to slashes, strip query and fragment, collapse slash runs,
// strip trailing slashes.
func NormalizePath(path string) string {
	if idx := strings.IndexAny(path, "?#"); idx >= 0 {
		path = path[:idx]
	}
	if decoded, err := url.PathUnescape(path); err == nil {
		path = decoded
	}
	path = strings.ReplaceAll(path, `\`, "/")
	for strings.Contains(path, "//") {
		path = strings.ReplaceAll(path, "//", "/")
	}
	for len(path) > 1 && strings.HasSuffix(path, "/") {
		path = strings.TrimSuffix(path, "/")
	}
	if path == "" {
		path = "/"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return path
}

// match finds the configured route for a request, if any.
func match(routes []compiledRoute, method, rawPath string) (*compiledRoute, bool) {
	method = strings.ToUpper(method)
	path := NormalizePath(rawPath)
	for i := range routes {
		route := &routes[i]
		if route.verb != "*" && route.verb != method {
			continue
		}
		if route.pattern.MatchString(path) {
			return route, true
		}
	}
	return nil, false
}
