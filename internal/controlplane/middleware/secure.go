package middleware

import (
	"github.com/gin-contrib/secure"
	"github.com/gin-gonic/gin"
)

// SecureHeaders sets browser hardening headers. The control plane is plain
// http on loopback, so there is no TLS redirect or HSTS.
func SecureHeaders() gin.HandlerFunc {
	return secure.New(secure.Config{
		IsDevelopment:         false,
		FrameDeny:             true,
		ContentTypeNosniff:    true,
		BrowserXssFilter:      true,
		IENoOpen:              true,
		ReferrerPolicy:        "same-origin",
		ContentSecurityPolicy: "default-src 'none'; frame-ancestors 'none'",
	})
}
