package transport

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/medatlas/collab-gateway/internal/v1/logging"
)

// TokenExtraction records where the bearer token came from so the upgrade
// response can echo the subprotocol when required.
type TokenExtraction struct {
	Token                  string
	FromHeader             bool
	HasAccessTokenProtocol bool
}

// ExtractToken pulls the bearer token from the handshake. Order: `token`
// query parameter (the auth field of the handshake), Authorization header,
// Sec-WebSocket-Protocol entries.
func ExtractToken(c *gin.Context) (*TokenExtraction, error) {
	result := &TokenExtraction{}

	if token := c.Query("token"); token != "" {
		result.Token = token
		return result, nil
	}

	if header := c.GetHeader("Authorization"); header != "" {
		if token, ok := strings.CutPrefix(header, "Bearer "); ok && token != "" {
			result.Token = token
			return result, nil
		}
	}

	headerVal := c.GetHeader("Sec-WebSocket-Protocol")
	if headerVal != "" {
		for _, p := range strings.Split(headerVal, ",") {
			p = strings.TrimSpace(p)
			if p == "access_token" {
				result.HasAccessTokenProtocol = true
				continue
			}
			if p != "" && result.Token == "" {
				result.Token = p
				result.FromHeader = true
			}
		}
	}

	if result.Token == "" {
		logging.Warn(context.Background(), "No token provided in handshake")
		return nil, fmt.Errorf("token not provided")
	}

	return result, nil
}

// ValidateOrigin checks if the request origin is in the allowed list.
// Requests without an Origin header (non-browser clients) are allowed.
func ValidateOrigin(r *http.Request, allowedOrigins []string) error {
	origin := r.Header.Get("Origin")
	if origin == "" {
		logging.GetLogger().Debug("No origin header - allowing non-browser client")
		return nil
	}

	originURL, err := url.Parse(origin)
	if err != nil {
		logging.Warn(context.Background(), "Invalid origin URL", zap.String("origin", origin), zap.Error(err))
		return fmt.Errorf("invalid origin URL: %w", err)
	}

	for _, allowed := range allowedOrigins {
		allowedURL, err := url.Parse(allowed)
		if err != nil {
			continue
		}
		if originURL.Scheme == allowedURL.Scheme && originURL.Host == allowedURL.Host {
			return nil
		}
	}

	logging.Warn(context.Background(), "Origin not in allowed list", zap.String("origin", origin), zap.Strings("allowedOrigins", allowedOrigins))
	return fmt.Errorf("origin not allowed: %s", origin)
}

// Upgrade performs the WebSocket upgrade, echoing the access_token
// subprotocol when the client negotiated the token that way.
func Upgrade(c *gin.Context, allowedOrigins []string, extraction *TokenExtraction) (*websocket.Conn, error) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return ValidateOrigin(r, allowedOrigins) == nil
		},
		WriteBufferPool: &sync.Pool{
			New: func() any {
				return make([]byte, 4096)
			},
		},
	}

	responseHeader := http.Header{}
	if extraction.FromHeader {
		if extraction.HasAccessTokenProtocol {
			responseHeader.Set("Sec-WebSocket-Protocol", "access_token")
		} else {
			responseHeader.Set("Sec-WebSocket-Protocol", extraction.Token)
		}
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, responseHeader)
	if err != nil {
		logging.Error(c.Request.Context(), "Failed to upgrade connection", zap.Error(err))
		return nil, err
	}

	return conn, nil
}
