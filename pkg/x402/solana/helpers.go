package solana

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// DeriveWebsocketURL converts an http(s) RPC URL to its ws(s) counterpart,
// used when the caller configures only an RPC endpoint.
func DeriveWebsocketURL(raw string) (string, error) {
	if raw == "" {
		return "", errors.New("rpc url empty")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	case "ws", "wss":
		return raw, nil
	case "":
		return "", errors.New("rpc url missing scheme")
	default:
		return "", fmt.Errorf("unsupported rpc url scheme %q", u.Scheme)
	}
	return u.String(), nil
}

// isAccountNotFoundError recognizes the RPC's various phrasings of
// "account does not exist", used when fetching src/dst ATAs.
func isAccountNotFoundError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "account not found") ||
		strings.Contains(msg, "could not find account") ||
		strings.Contains(msg, "invalid account owner") ||
		strings.Contains(msg, "invalid account data")
}
