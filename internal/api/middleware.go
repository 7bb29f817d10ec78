package api

import (
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

const tokenKey = "token"

func (s *RelayApp) errorHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				var panicError error
				switch e := err.(type) {
				case error:
					panicError = e
				default:
					panicError = fmt.Errorf("%v", e)
				}
				s.log.Error("panic", zap.Error(panicError), zap.String("path", r.URL.Path))
				body := internalError()
				w.Header().Set("Connection", "close")
				s.writeJson(w, body.status, body)
				return
			}
		}()

		next.ServeHTTP(w, r)
	})
}

// credential returns the bearer token, the token query parameter or the
// token cookie, in that order. An empty string means none was sent.
func credential(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if scheme, token, ok := strings.Cut(h, " "); ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
	}

	if token := r.URL.Query().Get(tokenKey); token != "" {
		return token
	}

	if c, err := r.Cookie(tokenKey); err == nil {
		return c.Value
	}

	return ""
}
