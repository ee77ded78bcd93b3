package bench

import (
	"encoding/hex"
	"math/rand/v2"
	"time"

	"github.com/woxQAQ/nostr-cassette/pkg/protocol"
)

// NamedFilter is one entry of the filter catalog. Names are stable and used
// as keys in reports.
type NamedFilter struct {
	Name   string
	Filter protocol.Filter
}

// FilterNames lists the catalog in run order.
var FilterNames = []string{
	"empty",
	"limit_1",
	"limit_10",
	"limit_100",
	"limit_1000",
	"kinds_1",
	"kinds_multiple",
	"author_single",
	"authors_5",
	"since_recent",
	"until_now",
	"time_range",
	"tag_e",
	"tag_p",
	"complex",
}

// Catalog builds the filter battery relative to now. Author and tag values
// are random 64-digit lowercase hex strings drawn from rng.
func Catalog(now time.Time, rng *rand.Rand) []NamedFilter {
	ts := now.Unix()
	hexes := func(n int) []string {
		out := make([]string, n)
		for i := range out {
			out[i] = randomHex(rng)
		}
		return out
	}

	return []NamedFilter{
		{"empty", protocol.Filter{}},
		{"limit_1", protocol.Filter{"limit": 1}},
		{"limit_10", protocol.Filter{"limit": 10}},
		{"limit_100", protocol.Filter{"limit": 100}},
		{"limit_1000", protocol.Filter{"limit": 1000}},
		{"kinds_1", protocol.Filter{"kinds": []int{1}}},
		{"kinds_multiple", protocol.Filter{"kinds": []int{1, 7, 0}}},
		{"author_single", protocol.Filter{"authors": hexes(1)}},
		{"authors_5", protocol.Filter{"authors": hexes(5)}},
		{"since_recent", protocol.Filter{"since": ts - 3600}},
		{"until_now", protocol.Filter{"until": ts}},
		{"time_range", protocol.Filter{"since": ts - 86400, "until": ts}},
		{"tag_e", protocol.Filter{"#e": hexes(1)}},
		{"tag_p", protocol.Filter{"#p": hexes(1)}},
		{"complex", protocol.Filter{
			"kinds":   []int{1},
			"limit":   50,
			"since":   ts - 86400,
			"authors": hexes(1),
		}},
	}
}

// NewRand returns a generator seeded from the clock. Call it once per process.
func NewRand() *rand.Rand {
	seed := uint64(time.Now().UnixNano())
	return rand.New(rand.NewPCG(seed, seed>>1|1))
}

func randomHex(rng *rand.Rand) string {
	var b [32]byte
	for i := range b {
		b[i] = byte(rng.UintN(256))
	}
	return hex.EncodeToString(b[:])
}
