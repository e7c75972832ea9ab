// Package urlutil provides URL canonicalization, fingerprinting, and domain
// derivation for the fetch core. The fingerprint is the cache key used by
// planners and stores; the domain (eTLD+1) is the primary partition key.
package urlutil

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"sort"
	"strings"

	"golang.org/x/net/publicsuffix"

	"github.com/skimmerhq/skimmer/internal/fetcherr"
)

// Fingerprint identifies a canonicalized URL for caching and history lookup.
type Fingerprint struct {
	Canonical   string `json:"canonical"`
	Domain      string `json:"domain"`
	QueryKeys   string `json:"query_keys"`
	ContentHint string `json:"content_hint,omitempty"`
}

// Key returns a stable hash usable as a store key.
func (f Fingerprint) Key() string {
	h := sha256.Sum256([]byte(f.Canonical + "|" + f.QueryKeys + "|" + f.ContentHint))
	return hex.EncodeToString(h[:16])
}

// tracking query parameters stripped during canonicalization.
var trackingParams = map[string]bool{
	"utm_source": true, "utm_medium": true, "utm_campaign": true,
	"utm_term": true, "utm_content": true, "gclid": true, "fbclid": true,
	"ref": true, "mc_cid": true, "mc_eid": true,
}

// Canonicalize normalizes a URL: lowercases scheme and host, strips default
// ports, tracking parameters and fragments, sorts the query, and removes a
// trailing slash on the root path. Returns InvalidUrl for unparseable input
// or URLs without an http(s) scheme.
func Canonicalize(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fetcherr.Wrap(fetcherr.CodeInvalidURL, err, "parse %q", raw)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fetcherr.New(fetcherr.CodeInvalidURL, "unsupported scheme %q in %q", u.Scheme, raw)
	}
	if u.Host == "" {
		return "", fetcherr.New(fetcherr.CodeInvalidURL, "missing host in %q", raw)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	if (u.Scheme == "http" && strings.HasSuffix(u.Host, ":80")) ||
		(u.Scheme == "https" && strings.HasSuffix(u.Host, ":443")) {
		u.Host = u.Host[:strings.LastIndex(u.Host, ":")]
	}
	u.Fragment = ""

	q := u.Query()
	for k := range q {
		if trackingParams[strings.ToLower(k)] {
			q.Del(k)
		}
	}
	u.RawQuery = encodeSorted(q)

	if u.Path == "/" && u.RawQuery == "" {
		u.Path = ""
	}
	return u.String(), nil
}

// Domain returns the eTLD+1 of the URL's host. Hosts without a public
// suffix (localhost, bare IPs, internal names) fall back to the host itself.
func Domain(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", fetcherr.New(fetcherr.CodeInvalidURL, "cannot derive domain from %q", raw)
	}
	host := strings.ToLower(u.Hostname())
	etld1, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return host, nil
	}
	return etld1, nil
}

// FingerprintURL canonicalizes and fingerprints in one step.
func FingerprintURL(raw, contentHint string) (Fingerprint, error) {
	canon, err := Canonicalize(raw)
	if err != nil {
		return Fingerprint{}, err
	}
	domain, err := Domain(canon)
	if err != nil {
		return Fingerprint{}, err
	}
	u, _ := url.Parse(canon)
	keys := make([]string, 0, 4)
	for k := range u.Query() {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return Fingerprint{
		Canonical:   canon,
		Domain:      domain,
		QueryKeys:   strings.Join(keys, ","),
		ContentHint: contentHint,
	}, nil
}

func encodeSorted(q url.Values) string {
	if len(q) == 0 {
		return ""
	}
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		vals := q[k]
		sort.Strings(vals)
		for _, v := range vals {
			if b.Len() > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(k))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(v))
		}
	}
	return b.String()
}
