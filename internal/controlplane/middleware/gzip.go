package middleware

import (
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
)

// streams must not be buffered by the compressor
var excludedPaths = []string{
	"/healthz",
	"/metrics",
	"/v1/status/events",
	"/v1/status/ws",
}

func Gzip() gin.HandlerFunc {
	return gzip.Gzip(
		gzip.DefaultCompression,
		gzip.WithExcludedPaths(excludedPaths),
	)
}
