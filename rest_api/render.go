package rest_api

import (
	"encoding/binary"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
)

// Accept formats for list responses. JSON is the default; newlines and
// whoisi are streaming-friendly legacy formats some clients request.
const (
	acceptJSON     = "application/json"
	acceptNewlines = "application/newlines"
	acceptWhoisi   = "application/whoisi"
)

// selectFormat picks the response format from the Accept header,
// defaulting to JSON for absent or wildcard values.
func selectFormat(c *gin.Context) (string, bool) {
	accept := strings.TrimSpace(c.GetHeader("Accept"))
	if accept == "" {
		return acceptJSON, true
	}
	for _, part := range strings.Split(accept, ",") {
		media := strings.TrimSpace(strings.SplitN(part, ";", 2)[0])
		switch media {
		case acceptJSON, "*/*", "application/*":
			return acceptJSON, true
		case acceptNewlines:
			return acceptNewlines, true
		case acceptWhoisi:
			return acceptWhoisi, true
		}
	}
	respondReason(c, http.StatusNotAcceptable, reasonUnsupportedType)
	return "", false
}

// renderList writes a list response in the negotiated format, stamping
// X-Num-Records and, when the page is partial, X-Next-Offset.
func renderList[T any](c *gin.Context, items []T, nextOffset string) {
	format, ok := selectFormat(c)
	if !ok {
		return
	}
	c.Header("X-Num-Records", strconv.Itoa(len(items)))
	if nextOffset != "" {
		c.Header("X-Next-Offset", nextOffset)
	}

	switch format {
	case acceptNewlines:
		c.Status(http.StatusOK)
		c.Header("Content-Type", acceptNewlines)
		enc := json.NewEncoder(c.Writer)
		for _, it := range items {
			// Encode appends the newline separator itself.
			if err := enc.Encode(it); err != nil {
				return
			}
		}
	case acceptWhoisi:
		// Each record is framed by a network-order 32-bit length prefix.
		c.Status(http.StatusOK)
		c.Header("Content-Type", acceptWhoisi)
		var frame [4]byte
		for _, it := range items {
			body, err := json.Marshal(it)
			if err != nil {
				return
			}
			binary.BigEndian.PutUint32(frame[:], uint32(len(body)))
			if _, err := c.Writer.Write(frame[:]); err != nil {
				return
			}
			if _, err := c.Writer.Write(body); err != nil {
				return
			}
		}
	default:
		// JSON lists always render as an array, never null.
		if items == nil {
			items = []T{}
		}
		c.JSON(http.StatusOK, items)
	}
}
