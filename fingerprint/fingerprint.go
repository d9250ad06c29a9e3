// Package fingerprint computes the canonical, order-independent encoding
// of a request map and a compact hash key derived from it. The key is
// used throughout the core as the subscription identity and cache key: two
// requests that canonicalize to the same bytes are considered the same
// call.
package fingerprint

import (
	"bytes"
	"encoding/json"
	"sort"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// Canonical returns the deterministic byte encoding of a request map:
// object keys are sorted recursively, nested maps and slices are
// canonicalized the same way, and the result is encoded as JSON. Two
// requests with identical field values but different key insertion order
// produce byte-identical output.
func Canonical(request map[string]any) []byte {
	var buf bytes.Buffer
	writeValue(&buf, request)
	return buf.Bytes()
}

// Key returns a compact, comparable fingerprint string: the hex-encoded
// xxhash64 of the canonical encoding. It is cheap to use as a map key and
// to log, while the canonical bytes remain available via Canonical for
// anyone needing the full request shape.
func Key(request map[string]any) string {
	sum := xxhash.Sum64(Canonical(request))
	return strconv.FormatUint(sum, 16)
}

func writeValue(buf *bytes.Buffer, v any) {
	switch val := v.(type) {
	case map[string]any:
		writeObject(buf, val)
	case []any:
		writeArray(buf, val)
	default:
		// Numbers, strings, bools, nil: encoding/json already produces a
		// deterministic representation for these.
		enc, err := json.Marshal(val)
		if err != nil {
			buf.WriteString("null")
			return
		}
		buf.Write(enc)
	}
}

func writeObject(buf *bytes.Buffer, obj map[string]any) {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		keyEnc, _ := json.Marshal(k)
		buf.Write(keyEnc)
		buf.WriteByte(':')
		writeValue(buf, obj[k])
	}
	buf.WriteByte('}')
}

func writeArray(buf *bytes.Buffer, arr []any) {
	buf.WriteByte('[')
	for i, v := range arr {
		if i > 0 {
			buf.WriteByte(',')
		}
		writeValue(buf, v)
	}
	buf.WriteByte(']')
}

// MessageType returns the recognized stream key present in the request,
// if any, by scanning the closed set of stream names the core
// understands for subscriptions. It returns "" if none match.
func MessageType(request map[string]any) string {
	for _, name := range RecognizedStreams {
		if _, ok := request[name]; ok {
			return name
		}
	}
	return ""
}

// RecognizedStreams is the closed set of subscribable stream keys.
// Subscribing with a request that names none of these fails with an
// APIError before any network I/O.
var RecognizedStreams = []string{
	"buy",
	"ticks",
	"candles",
	"ticks_history",
	"proposal",
	"proposal_open_contract",
	"proposal_array",
	"balance",
	"transaction",
	"website_status",
	"p2p_advertiser",
	"p2p_order",
	"p2p_order_list",
	"cashier_payments",
	"my_affiliates_statistics",
	"crypto_estimations",
	"exchange_rates",
}
