package validator

import (
	"net/url"
	"strings"
)

// Platform groups the hosts a supported site is served from
type Platform struct {
	Name    string
	Domains []string
}

// Platforms is checked in order; the first platform whose domain matches wins.
var Platforms = []Platform{
	{Name: "youtube", Domains: []string{"youtube.com", "youtu.be"}},
	{Name: "vimeo", Domains: []string{"vimeo.com"}},
	{Name: "dailymotion", Domains: []string{"dailymotion.com"}},
	{Name: "twitch", Domains: []string{"twitch.tv"}},
	{Name: "tiktok", Domains: []string{"tiktok.com"}},
	{Name: "instagram", Domains: []string{"instagram.com"}},
	{Name: "twitter", Domains: []string{"twitter.com", "x.com"}},
	{Name: "reddit", Domains: []string{"reddit.com"}},
}

// MatchPlatform returns the name of the enabled platform serving videoURL.
func MatchPlatform(videoURL string, enabled map[string]bool) (string, bool) {
	host, ok := normalizedHost(videoURL)
	if !ok {
		return "", false
	}

	for _, p := range Platforms {
		if !enabled[p.Name] {
			continue
		}
		for _, domain := range p.Domains {
			if hostMatches(host, domain) {
				return p.Name, true
			}
		}
	}

	return "", false
}

// EnabledPlatforms lists enabled platform names in registry order.
func EnabledPlatforms(enabled map[string]bool) []string {
	var names []string
	for _, p := range Platforms {
		if enabled[p.Name] {
			names = append(names, p.Name)
		}
	}
	return names
}

// IsKnownPlatform reports whether name is in the registry.
func IsKnownPlatform(name string) bool {
	for _, p := range Platforms {
		if p.Name == name {
			return true
		}
	}
	return false
}

func normalizedHost(videoURL string) (string, bool) {
	u, err := url.Parse(strings.TrimSpace(videoURL))
	if err != nil {
		return "", false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", false
	}

	host := strings.ToLower(u.Hostname())
	host = strings.TrimPrefix(host, "www.")
	if host == "" {
		return "", false
	}
	return host, true
}

// hostMatches accepts the domain itself and any of its subdomains
func hostMatches(host, domain string) bool {
	domain = strings.ToLower(strings.TrimSpace(domain))
	if domain == "" {
		return false
	}
	return host == domain || strings.HasSuffix(host, "."+domain)
}
