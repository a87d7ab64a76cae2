package engine

import "strings"

// hostTable maps an entry-host substring to its derived login and file
// hosts (spec §4.1 "Host resolution"). Matched in order; the first hit
// wins. Entries not matching any row fall back to the wildcard pair.
var hostTable = []struct {
	substr    string
	loginHost string
	fileHost  string
}{
	{"cmfilehelper.weixin", "login.wx8.qq.com", "file.wx8.qq.com"},
	{"szfilehelper.weixin.qq.com", "login.wx2.qq.com", "file.wx2.qq.com"},
}

const (
	defaultLoginHost = "login.wx.qq.com"
	defaultFileHost  = "file.wx.qq.com"
)

// resolveHosts derives the login and file host for a given entry host.
func resolveHosts(entryHost string) (loginHost, fileHost string) {
	for _, row := range hostTable {
		if strings.Contains(entryHost, row.substr) {
			return row.loginHost, row.fileHost
		}
	}
	return defaultLoginHost, defaultFileHost
}

// netloc extracts the host portion of a redirect URI's domain, used when
// the login completion response assigns a different entry host.
func netloc(redirectURI string) string {
	s := redirectURI
	if i := strings.Index(s, "://"); i >= 0 {
		s = s[i+3:]
	}
	if i := strings.IndexAny(s, "/?"); i >= 0 {
		s = s[:i]
	}
	return s
}
