package session

import (
	"fmt"
	"strings"
)

// loginURLs maps a site name to the page where its interactive login starts
var loginURLs = map[string]string{
	"amazon":     "https://www.amazon.com/ap/signin",
	"walmart":    "https://www.walmart.com/account/login",
	"target":     "https://www.target.com/account",
	"bestbuy":    "https://www.bestbuy.com/identity/global/signin",
	"ebay":       "https://signin.ebay.com",
	"costco":     "https://www.costco.com/LogonForm",
	"gmail":      "https://accounts.google.com",
	"google":     "https://accounts.google.com",
	"linkedin":   "https://www.linkedin.com/login",
	"indeed":     "https://secure.indeed.com/auth",
	"github":     "https://github.com/login",
	"greenhouse": "https://my.greenhouse.io/users/sign_in",
}

// NormalizeSite lowercases and trims a site name
func NormalizeSite(site string) string {
	return strings.ToLower(strings.TrimSpace(site))
}

// LoginURL returns the landing page for site, falling back to https://{site}.com
func LoginURL(site string) string {
	site = NormalizeSite(site)
	if u, ok := loginURLs[site]; ok {
		return u
	}
	if strings.Contains(site, ".") {
		return "https://" + site
	}
	return fmt.Sprintf("https://%s.com", site)
}
