package api

import (
	"bytes"
	"compress/gzip"
	"crypto/subtle"
	"io"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/gin-gonic/gin"
	"github.com/klauspost/compress/zstd"

	"github.com/kirobridge/kirobridge/internal/apierr"
)

// corsMiddleware answers preflight requests and stamps the permissive CORS
// headers expected by browser-based clients.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Authorization, Content-Type, x-api-key, anthropic-version")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// authMiddleware enforces the shared proxy API key. Clients may present it
// as a bearer token or as an x-api-key header.
func authMiddleware(apiKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		presented := c.GetHeader("x-api-key")
		if presented == "" {
			header := c.GetHeader("Authorization")
			if strings.HasPrefix(header, "Bearer ") {
				presented = strings.TrimPrefix(header, "Bearer ")
			}
		}
		if subtle.ConstantTimeCompare([]byte(presented), []byte(apiKey)) != 1 {
			failWith(c, apierr.Auth("invalid or missing API key"))
			return
		}
		c.Next()
	}
}

// maxDecompressedBytes caps inflated request bodies.
const maxDecompressedBytes = 128 << 20

// decompressMiddleware transparently inflates compressed request bodies.
// net/http does not decode request bodies, so without this the JSON parsers
// would see compressed bytes and fail with confusing errors.
func decompressMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		encoding := strings.ToLower(strings.TrimSpace(c.GetHeader("Content-Encoding")))
		if encoding == "" || encoding == "identity" {
			c.Next()
			return
		}

		var (
			reader io.Reader
			err    error
		)
		switch encoding {
		case "gzip":
			reader, err = gzip.NewReader(c.Request.Body)
		case "br":
			reader = brotli.NewReader(c.Request.Body)
		case "zstd":
			reader, err = zstd.NewReader(c.Request.Body)
		default:
			failWith(c, apierr.Validation("unsupported Content-Encoding %q", encoding))
			return
		}
		if err != nil {
			failWith(c, apierr.Validation("invalid %s request body: %v", encoding, err))
			return
		}

		decoded, err := io.ReadAll(io.LimitReader(reader, maxDecompressedBytes+1))
		if err != nil {
			failWith(c, apierr.Validation("failed to decompress request body: %v", err))
			return
		}
		if int64(len(decoded)) > maxDecompressedBytes {
			failWith(c, apierr.Validation("decompressed request body too large"))
			return
		}

		c.Request.Body = io.NopCloser(bytes.NewReader(decoded))
		c.Request.ContentLength = int64(len(decoded))
		c.Request.Header.Del("Content-Encoding")
		c.Next()
	}
}

// failWith aborts the request with the error's canonical status and body.
func failWith(c *gin.Context, err *apierr.Error) {
	c.AbortWithStatusJSON(err.StatusCode(), err.Body())
}
