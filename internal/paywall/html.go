package paywall

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/CedrosPay/x402gate/pkg/x402"
)

// paywallTemplate is the opaque HTML blob served to browsers in place of
// the JSON challenge. The requirements are embedded as JSON for wallet
// extensions to pick up; nothing here is interpreted by this package.
const paywallTemplate = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>Payment Required</title>
</head>
<body>
<h1>402 Payment Required</h1>
<p>This resource requires an x402 payment. Retry the request with an X-PAYMENT header, or use an x402-aware wallet.</p>
<script type="application/json" id="x402-challenge">%s</script>
</body>
</html>
`

// wantsHTML reports whether the request came from a browser that would
// rather see the paywall page than the JSON challenge.
func wantsHTML(r *http.Request) bool {
	accept := r.Header.Get("Accept")
	if !strings.Contains(accept, "text/html") {
		return false
	}
	agent := r.Header.Get("User-Agent")
	return strings.Contains(agent, "Mozilla") ||
		strings.Contains(agent, "Safari") ||
		strings.Contains(agent, "Chrome")
}

// renderPaywallHTML produces the paywall page for the challenge, using
// the route's custom HTML verbatim when configured.
func renderPaywallHTML(custom string, challenge x402.ChallengeBody) string {
	if custom != "" {
		return custom
	}
	raw, err := json.Marshal(challenge)
	if err != nil {
		raw = []byte("{}")
	}
	return fmt.Sprintf(paywallTemplate, raw)
}
