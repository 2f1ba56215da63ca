// Package classify implements the caller-classification engine: a pure
// function over user-agent, source address, and referer that labels an
// inbound request for observability.
package classify

import (
	"net"
	"strings"
)

// Label is the classifier's verdict on who is calling. It drives
// observability and is a hook for future policy, not routing.
type Label int

const (
	LocalBrowser Label = iota
	Webhook
	ApiClient
	External
)

func (l Label) String() string {
	switch l {
	case LocalBrowser:
		return "LocalBrowser"
	case Webhook:
		return "Webhook"
	case ApiClient:
		return "ApiClient"
	case External:
		return "External"
	default:
		return "Unknown"
	}
}

// webhookIndicators are canonical substrings identifying webhook delivery
// services (§6.3). Matching is case-sensitive, preserving the source
// classifier's behavior noted as an explicit open question.
var webhookIndicators = []string{
	"Stripe/",
	"GitHub-Hookshot/",
	"twilio",
	"webhook",
	"slack",
	"discord",
	"zapier",
	"webhook.site",
}

// browserIndicators are canonical substrings identifying interactive
// browsers (§6.3). Matching is case-sensitive.
var browserIndicators = []string{
	"Mozilla/",
	"Chrome/",
	"Safari/",
	"Firefox/",
	"Edge/",
	"Opera/",
	"Brave/",
	"Vivaldi/",
	"Chromium/",
}

// privateRanges are the source address ranges treated as local/private.
var privateRanges = []*net.IPNet{
	mustParseCIDR("127.0.0.0/8"),
	mustParseCIDR("10.0.0.0/8"),
	mustParseCIDR("172.16.0.0/12"),
	mustParseCIDR("192.168.0.0/16"),
	mustParseCIDR("fe80::/10"),
}

func mustParseCIDR(s string) *net.IPNet {
	_, n, err := net.ParseCIDR(s)
	if err != nil {
		panic(err)
	}
	return n
}

func containsAny(haystack string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}

// isPrivate reports whether addr is loopback, RFC1918, or IPv6 link-local.
func isPrivate(addr net.IP) bool {
	if addr == nil {
		return false
	}
	if addr.IsLoopback() {
		return true
	}
	if addr.Equal(net.IPv6loopback) {
		return true
	}
	for _, r := range privateRanges {
		if r.Contains(addr) {
			return true
		}
	}
	return false
}

// Context holds the pure inputs to Classify. Zero allocation, no mutation.
type Context struct {
	UserAgent string
	Source    net.IP
	Referer   string
}

// Classify labels an inbound request. It is a pure function: identical
// inputs always produce an identical label, and it performs no I/O.
//
// Decision order (§4.1):
//  1. webhook indicator in UA or referer -> Webhook
//  2. private/loopback source -> LocalBrowser if UA has a browser
//     indicator, else ApiClient
//  3. public source -> External if UA has a browser indicator, else
//     ApiClient
func Classify(ctx Context) Label {
	if containsAny(ctx.UserAgent, webhookIndicators) || containsAny(ctx.Referer, webhookIndicators) {
		return Webhook
	}

	isBrowser := containsAny(ctx.UserAgent, browserIndicators)

	if isPrivate(ctx.Source) {
		if isBrowser {
			return LocalBrowser
		}
		return ApiClient
	}

	if isBrowser {
		return External
	}
	return ApiClient
}
