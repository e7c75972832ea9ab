// Package stealth generates deterministic browser fingerprints and behavioral
// delay utilities for renderer tiers. Given the same seed (typically the
// target domain), every process produces the identical fingerprint, so a
// domain always sees a consistent "browser".
package stealth

import (
	"fmt"
	"hash/fnv"
	"math/rand"
	"strings"
)

// Fingerprint is a self-consistent browser identity: the user agent, the
// platform field and the client hints always agree, and locale/timezone are
// drawn from compatible pairs.
type Fingerprint struct {
	UserAgent         string      `json:"userAgent"`
	Viewport          Viewport    `json:"viewport"`
	DeviceScaleFactor float64     `json:"deviceScaleFactor"`
	Locale            string      `json:"locale"`
	TimezoneID        string      `json:"timezoneId"`
	Platform          string      `json:"platform"`
	ClientHints       ClientHints `json:"clientHints"`
}

// Viewport is the browser window size in CSS pixels.
type Viewport struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// ClientHints mirrors the Sec-CH-UA* header family.
type ClientHints struct {
	Brands          string `json:"brands"`
	Mobile          string `json:"mobile"`
	Platform        string `json:"platform"`
	PlatformVersion string `json:"platformVersion"`
}

type platformProfile struct {
	uaToken    string // token inside the UA parenthetical
	navigator  string // navigator.platform value
	hintName   string // Sec-CH-UA-Platform value
	hintVer    string
}

var platforms = []platformProfile{
	{"Windows NT 10.0; Win64; x64", "Win32", "Windows", "10.0.0"},
	{"Macintosh; Intel Mac OS X 10_15_7", "MacIntel", "macOS", "14.5.0"},
	{"X11; Linux x86_64", "Linux x86_64", "Linux", "6.8.0"},
}

// localeZones pairs locales with plausible timezones for that locale.
var localeZones = []struct {
	locale string
	zones  []string
}{
	{"en-US", []string{"America/New_York", "America/Chicago", "America/Los_Angeles", "America/Denver"}},
	{"en-GB", []string{"Europe/London"}},
	{"de-DE", []string{"Europe/Berlin"}},
	{"fr-FR", []string{"Europe/Paris"}},
	{"en-AU", []string{"Australia/Sydney"}},
	{"nl-NL", []string{"Europe/Amsterdam"}},
}

var viewports = []Viewport{
	{1920, 1080}, {1536, 864}, {1440, 900}, {1366, 768}, {2560, 1440}, {1680, 1050},
}

var scaleFactors = []float64{1, 1.25, 1.5, 2}

// chromeVersions pinned to releases old enough to be widely deployed.
var chromeVersions = []string{"120.0.0.0", "121.0.0.0", "122.0.0.0", "123.0.0.0", "124.0.0.0"}

// Generate produces the fingerprint for a seed. The empty seed draws from the
// global random source and is therefore non-deterministic.
func Generate(seed string) Fingerprint {
	var rng *rand.Rand
	if seed == "" {
		rng = rand.New(rand.NewSource(rand.Int63()))
	} else {
		h := fnv.New64a()
		h.Write([]byte(seed))
		rng = rand.New(rand.NewSource(int64(h.Sum64())))
	}

	plat := platforms[rng.Intn(len(platforms))]
	lz := localeZones[rng.Intn(len(localeZones))]
	zone := lz.zones[rng.Intn(len(lz.zones))]
	vp := viewports[rng.Intn(len(viewports))]
	scale := scaleFactors[rng.Intn(len(scaleFactors))]
	chrome := chromeVersions[rng.Intn(len(chromeVersions))]
	major := strings.SplitN(chrome, ".", 2)[0]

	return Fingerprint{
		UserAgent: fmt.Sprintf(
			"Mozilla/5.0 (%s) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/%s Safari/537.36",
			plat.uaToken, chrome),
		Viewport:          vp,
		DeviceScaleFactor: scale,
		Locale:            lz.locale,
		TimezoneID:        zone,
		Platform:          plat.navigator,
		ClientHints: ClientHints{
			Brands:          fmt.Sprintf(`"Chromium";v="%s", "Google Chrome";v="%s", "Not-A.Brand";v="99"`, major, major),
			Mobile:          "?0",
			Platform:        fmt.Sprintf("%q", plat.hintName),
			PlatformVersion: fmt.Sprintf("%q", plat.hintVer),
		},
	}
}

// Headers returns the HTTP headers implied by the fingerprint, suitable for
// the lightweight tier and pattern invocation.
func (f Fingerprint) Headers() map[string]string {
	lang := f.Locale
	base := strings.SplitN(lang, "-", 2)[0]
	accept := fmt.Sprintf("%s,%s;q=0.9", lang, base)
	if base != "en" {
		accept += ",en;q=0.8"
	}
	return map[string]string{
		"User-Agent":                f.UserAgent,
		"Accept-Language":           accept,
		"Sec-CH-UA":                 f.ClientHints.Brands,
		"Sec-CH-UA-Mobile":          f.ClientHints.Mobile,
		"Sec-CH-UA-Platform":        f.ClientHints.Platform,
		"Upgrade-Insecure-Requests": "1",
	}
}
