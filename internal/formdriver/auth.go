package formdriver

import (
	"net/url"
	"strings"

	"github.com/xkilldash9x/formprobe/internal/config"
)

// ApplyDevAuth embeds the dev basic-auth credentials into target when its host
// contains the dev marker. URLs that already carry credentials, unparseable
// URLs and configs without a username are returned unchanged.
func ApplyDevAuth(target string, auth config.AuthConfig) string {
	if auth.DevHostMarker == "" || auth.DevUsername == "" {
		return target
	}
	u, err := url.Parse(target)
	if err != nil || u.Host == "" || u.User != nil {
		return target
	}
	if !strings.Contains(strings.ToLower(u.Hostname()), strings.ToLower(auth.DevHostMarker)) {
		return target
	}
	u.User = url.UserPassword(auth.DevUsername, auth.DevPassword)
	return u.String()
}
