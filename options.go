package derivrt

import (
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/arvindmahta/derivrt-go/cache"
	"github.com/arvindmahta/derivrt-go/transport"
)

// Option configures a Client, following the functional-options pattern
// the teacher uses throughout (utils/config.go, utils/ws_config.go).
type Option func(*clientConfig)

type clientConfig struct {
	endpoint      string
	appID         string
	lang          string
	brand         string
	autoReconnect bool
	conn          *websocket.Conn
	storage       cache.Storage
	logger        zerolog.Logger
	maxRetries    int
	sendRateLimit *rate.Limiter

	sendWillBeCalled SendWillBeCalledHook
	sendIsCalled     SendIsCalledHook
}

func defaultClientConfig() clientConfig {
	return clientConfig{
		endpoint:      transport.DefaultHost,
		lang:          transport.DefaultLang,
		brand:         transport.DefaultBrand,
		autoReconnect: true,
		maxRetries:    5,
		logger:        zerolog.Nop(),
	}
}

// WithEndpoint sets the default connection's endpoint/app_id/lang/brand
// (spec §6 facade surface: create a client with options {endpoint,
// app_id, lang, brand, ...}).
func WithEndpoint(endpoint, appID, lang, brand string) Option {
	return func(c *clientConfig) {
		c.endpoint = endpoint
		c.appID = appID
		if lang != "" {
			c.lang = lang
		}
		c.brand = brand
	}
}

// WithAutoReconnect toggles the default connection's reconnect loop.
func WithAutoReconnect(enabled bool) Option {
	return func(c *clientConfig) { c.autoReconnect = enabled }
}

// WithMaxRetries overrides the default connection's reconnect attempt cap.
func WithMaxRetries(n int) Option { return func(c *clientConfig) { c.maxRetries = n } }

// WithConnection injects a pre-opened socket for the default connection
// instead of building one from endpoint/app_id.
func WithConnection(conn *websocket.Conn) Option {
	return func(c *clientConfig) { c.conn = conn }
}

// WithStorage chains a persistent backend behind the in-memory cache
// (spec §4.E).
func WithStorage(storage cache.Storage) Option {
	return func(c *clientConfig) { c.storage = storage }
}

// WithLogger attaches a zerolog logger used across the client, pool, and
// transports.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *clientConfig) { c.logger = logger }
}

// WithSendRateLimit attaches an optional outbound send throttle to the
// default connection (off by default), grounded on the teacher's
// internal/limiter/http_limiter.go use of golang.org/x/time/rate.
func WithSendRateLimit(limiter *rate.Limiter) Option {
	return func(c *clientConfig) { c.sendRateLimit = limiter }
}

// WithSendWillBeCalled registers the sendWillBeCalled middleware hook
// (spec §6).
func WithSendWillBeCalled(hook SendWillBeCalledHook) Option {
	return func(c *clientConfig) { c.sendWillBeCalled = hook }
}

// WithSendIsCalled registers the sendIsCalled middleware hook (spec §6).
func WithSendIsCalled(hook SendIsCalledHook) Option {
	return func(c *clientConfig) { c.sendIsCalled = hook }
}
