package paywall

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/CedrosPay/x402gate/pkg/x402"
)

func mustCompile(t *testing.T, routes RouteMap) []compiledRoute {
	t.Helper()
	compiled, err := compileRoutes(routes)
	if err != nil {
		t.Fatalf("compileRoutes() error = %v", err)
	}
	return compiled
}

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"/api/test", "/api/test"},
		{"/api//test", "/api/test"},
		{"/api/test/", "/api/test"},
		{"/api/test///", "/api/test"},
		{"/api/%74est", "/api/test"},
		{`/api\test`, "/api/test"},
		{"/api/test?q=1", "/api/test"},
		{"/api/test#frag", "/api/test"},
		{"/", "/"},
		{"", "/"},
	}
	for _, tt := range tests {
		if got := NormalizePath(tt.in); got != tt.want {
			t.Errorf("NormalizePath(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestRouteMatching(t *testing.T) {
	routes := mustCompile(t, RouteMap{
		"GET /api/test":        {Price: Price{Money: "$0.01"}},
		"/open/anything":       {Price: Price{Money: "$0.01"}},
		"GET /users/[id]":      {Price: Price{Money: "$0.01"}},
		"GET /files/*":         {Price: Price{Money: "$0.01"}},
		"POST /orders/[id]/do": {Price: Price{Money: "$0.01"}},
	})

	tests := []struct {
		method string
		path   string
		want   bool
	}{
		// P9: all of these hit the same registered route.
		{"GET", "/api/test", true},
		{"GET", "/api//test", true},
		{"GET", "/API/test/", true},
		{"GET", "/api/%74est", true},
		{"GET", `/api\test`, true},
		{"get", "/api/test", true},

		{"POST", "/api/test", false},
		{"GET", "/api/test/extra", false},

		// Verbless key matches any method.
		{"GET", "/open/anything", true},
		{"DELETE", "/open/anything", true},

		// [id] matches exactly one segment.
		{"GET", "/users/42", true},
		{"GET", "/users/42/posts", false},
		{"GET", "/users", false},

		// * spans segments.
		{"GET", "/files/a", true},
		{"GET", "/files/a/b/c.txt", true},

		{"POST", "/orders/9/do", true},
		{"POST", "/orders/9/undo", false},
	}

	for _, tt := range tests {
		_, got := match(routes, tt.method, tt.path)
		if got != tt.want {
			t.Errorf("match(%s %s) = %v, want %v", tt.method, tt.path, got, tt.want)
		}
	}
}

func TestRouteAmbiguityLongestWins(t *testing.T) {
	routes := mustCompile(t, RouteMap{
		"GET /api/*":           {Price: Price{Money: "$0.01"}, Description: "wildcard"},
		"GET /api/reports/[y]": {Price: Price{Money: "$0.02"}, Description: "specific"},
	})

	route, ok := match(routes, "GET", "/api/reports/2024")
	if !ok {
		t.Fatal("expected a match")
	}
	if route.config.Description != "specific" {
		t.Errorf("matched %q, want the longer pattern", route.config.Description)
	}
}

func TestLoadRouteMap(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "routes.yaml")
	content := `
"GET /weather": "$0.0018"
"GET /premium":
  price: "$0.05"
  network: solana
  description: premium feed
  max_timeout_seconds: 120
"GET /exact":
  price:
    amount: "2500"
    asset:
      address: "4zMMC9srt5Ri5X14GAgXhaHii3GnPAEERYPJgZJDncDU"
      decimals: 6
      name: USDC
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write routes file: %v", err)
	}

	routes, err := LoadRouteMap(path)
	if err != nil {
		t.Fatalf("LoadRouteMap() error = %v", err)
	}
	if len(routes) != 3 {
		t.Fatalf("routes = %d, want 3", len(routes))
	}

	weather := routes["GET /weather"]
	if weather.Price.Money != "$0.0018" {
		t.Errorf("weather price = %q", weather.Price.Money)
	}

	premium := routes["GET /premium"]
	if premium.Price.Money != "$0.05" || premium.Network != x402.NetworkSolana {
		t.Errorf("premium = %+v", premium)
	}
	if premium.MaxTimeoutSeconds != 120 {
		t.Errorf("premium timeout = %d", premium.MaxTimeoutSeconds)
	}

	exact := routes["GET /exact"]
	if exact.Price.Amount != "2500" || exact.Price.Asset == nil || exact.Price.Asset.Decimals != 6 {
		t.Errorf("exact = %+v", exact.Price)
	}

	atomic, asset, err := exact.Price.ToAtomic(x402.NetworkSolanaDevnet, nil)
	if err != nil {
		t.Fatalf("ToAtomic() error = %v", err)
	}
	if atomic != "2500" || asset.Name != "USDC" {
		t.Errorf("ToAtomic() = %q %+v", atomic, asset)
	}
}

func TestPriceToAtomicViaMoney(t *testing.T) {
	p := Price{Money: "$0.0018"}
	atomic, asset, err := p.ToAtomic(x402.NetworkSolanaDevnet, nil)
	if err != nil {
		t.Fatalf("ToAtomic() error = %v", err)
	}
	if atomic != "1800" {
		t.Errorf("atomic = %q, want 1800", atomic)
	}
	usdc, _ := x402.DefaultUSDCFor(x402.NetworkSolanaDevnet)
	if asset.Address != usdc.Address {
		t.Errorf("asset = %q, want devnet usdc", asset.Address)
	}
}
