package fingerprint

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyIsOrderIndependent(t *testing.T) {
	a := map[string]any{"ticks": "R_100", "subscribe": float64(1)}
	b := map[string]any{"subscribe": float64(1), "ticks": "R_100"}

	require.Equal(t, Key(a), Key(b))
}

func TestKeyDiffersOnValue(t *testing.T) {
	a := map[string]any{"ticks": "R_100"}
	b := map[string]any{"ticks": "R_50"}

	assert.NotEqual(t, Key(a), Key(b))
}

func TestCanonicalNestedObjectsAndArrays(t *testing.T) {
	req := map[string]any{
		"proposal_array": []any{
			map[string]any{"b": 2, "a": 1},
			map[string]any{"d": 4, "c": 3},
		},
		"barriers": []any{"+0.1", "-0.1"},
	}
	got := string(Canonical(req))
	want := `{"barriers":["+0.1","-0.1"],"proposal_array":[{"a":1,"b":2},{"c":3,"d":4}]}`
	assert.Equal(t, want, got)
}

func TestMessageType(t *testing.T) {
	cases := []struct {
		name string
		req  map[string]any
		want string
	}{
		{"ticks", map[string]any{"ticks": "R_100", "subscribe": 1}, "ticks"},
		{"poc", map[string]any{"proposal_open_contract": 1, "contract_id": 123}, "proposal_open_contract"},
		{"unrecognized", map[string]any{"ping": 1}, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, MessageType(tc.req))
		})
	}
}
