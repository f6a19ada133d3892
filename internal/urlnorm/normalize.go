// Package urlnorm canonicalizes URLs for duplicate comparison.
package urlnorm

import (
	"net/url"
	"strings"
)

// trackingParams are campaign and click-id parameters that never change the
// document a URL points at.
var trackingParams = map[string]struct{}{}

func init() {
	for _, p := range []string{
		"utm_source", "utm_medium", "utm_campaign", "utm_term", "utm_content",
		"utm_id", "utm_source_platform", "utm_creative_format", "utm_marketing_tactic",
		"fbclid", "fb_action_ids", "fb_action_types", "fb_source", "fb_ref",
		"gclid", "gclsrc", "dclid", "gbraid", "wbraid",
		"twclid", "s", "t",
		"msclkid",
		"mc_cid", "mc_eid",
		"ref", "ref_src", "ref_url",
		"_ga", "_gl",
		"yclid",
		"igshid",
		"si",
		"feature",
		"pp",
		"trk", "trkinfo",
		"sc_campaign", "sc_channel", "sc_content", "sc_medium", "sc_outcome", "sc_geo", "sc_country",
		"vero_id", "vero_conv",
		"spm", "scm",
		"_branch_match_id",
		"mkt_tok",
		"elqtrackid", "elqtrack",
		"assettype", "assetid",
	} {
		trackingParams[p] = struct{}{}
	}
}

// IsTrackingParam reports whether key is on the tracking deny-list.
func IsTrackingParam(key string) bool {
	_, ok := trackingParams[strings.ToLower(key)]
	return ok
}

// Normalize returns host (without www.) + path (without trailing slash) +
// remaining query, lower-cased. Scheme, port and fragment are dropped. Input
// that does not parse as an absolute URL comes back lower-cased verbatim, which
// also makes Normalize idempotent: its output never carries a scheme.
func Normalize(raw string) string {
	trimmed := strings.TrimSpace(raw)
	fallback := strings.ToLower(trimmed)
	if trimmed == "" {
		return ""
	}
	u, err := url.Parse(trimmed)
	if err != nil || u.Scheme == "" || u.Hostname() == "" {
		return fallback
	}

	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	path := u.EscapedPath()
	path = strings.TrimSuffix(path, "/")

	var b strings.Builder
	b.WriteString(host)
	b.WriteString(path)
	if query := filterQuery(u.RawQuery); query != "" {
		b.WriteByte('?')
		b.WriteString(query)
	}
	return strings.TrimSpace(strings.ToLower(b.String()))
}

// filterQuery drops tracking pairs and keeps the rest in their original order.
func filterQuery(rawQuery string) string {
	if rawQuery == "" {
		return ""
	}
	kept := make([]string, 0, 4)
	for _, pair := range strings.Split(rawQuery, "&") {
		if pair == "" {
			continue
		}
		key := pair
		if i := strings.IndexByte(pair, '='); i >= 0 {
			key = pair[:i]
		}
		if unescaped, err := url.QueryUnescape(key); err == nil {
			key = unescaped
		}
		if IsTrackingParam(key) {
			continue
		}
		kept = append(kept, pair)
	}
	return strings.Join(kept, "&")
}

// Host returns the lower-cased hostname of raw with any leading www. removed,
// or "" when raw has no host.
func Host(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
}

// MatchesDomain reports whether host equals domain or is a subdomain of it.
func MatchesDomain(host, domain string) bool {
	domain = strings.TrimPrefix(strings.ToLower(domain), "www.")
	if host == "" || domain == "" {
		return false
	}
	return host == domain || strings.HasSuffix(host, "."+domain)
}
