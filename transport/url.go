package transport

import (
	"regexp"

	"github.com/arvindmahta/derivrt-go/apierr"
)

// schemePrefix captures any existing "word://" prefix on an endpoint, the
// same rule the original deriv-api applies in connection.py's
// _build_api_url/get_url (r'((?:\w*://)*)(.*)'). Whatever scheme the
// caller wrote is discarded except for the one special case below.
var schemePrefix = regexp.MustCompile(`^(\w*://)?(.*)$`)

// DefaultHost is the default WebSocket host when none is supplied.
const DefaultHost = "ws.derivws.com"

// DefaultLang is the default language query parameter.
const DefaultLang = "EN"

// DefaultBrand is the default brand query parameter.
const DefaultBrand = ""

// URLOptions configures BuildURL.
type URLOptions struct {
	Endpoint string
	AppID    string
	Lang     string
	Brand    string
}

// BuildURL assembles the WebSocket URL per spec §6: scheme selection is
// `ws` iff the endpoint is prefixed exactly `ws://`, otherwise `wss`
// regardless of whatever other prefix (or none) was given — `http://h` and
// bare `h` both resolve to `wss://h/...`.
func BuildURL(opts URLOptions) (string, error) {
	if opts.Endpoint == "" {
		return "", apierr.NewConstructionError("endpoint must not be empty")
	}
	if opts.AppID == "" {
		return "", apierr.NewConstructionError("app_id is required when no connection is injected")
	}

	m := schemePrefix.FindStringSubmatch(opts.Endpoint)
	if m == nil {
		return "", apierr.NewConstructionError("endpoint does not validate as a URL")
	}
	prefix, host := m[1], m[2]
	if host == "" {
		return "", apierr.NewConstructionError("endpoint does not validate as a URL")
	}

	scheme := "wss"
	if prefix == "ws://" {
		scheme = "ws"
	}

	lang := opts.Lang
	if lang == "" {
		lang = DefaultLang
	}
	brand := opts.Brand // "" is a legitimate default, not overridden

	return scheme + "://" + host + "/websockets/v3?app_id=" + opts.AppID + "&l=" + lang + "&brand=" + brand, nil
}
