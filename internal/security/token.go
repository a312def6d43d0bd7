package security

import (
	"net/http"
	"strings"
)

// BearerToken достаёт токен из заголовка Authorization либо из query
// (?token= / ?access_token=), браузер не умеет ставить заголовки на WS.
func BearerToken(r *http.Request) string {
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	q := r.URL.Query()
	if t := strings.TrimSpace(q.Get("token")); t != "" {
		return t
	}
	return strings.TrimSpace(q.Get("access_token"))
}
