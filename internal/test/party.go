package test

import (
	"strings"

	"github.com/taurusgroup/tss-mesh/pkg/party"
)

// PartyIDs returns n sorted short IDs: a, b, ..., z, aa, ab, ...
func PartyIDs(n int) party.IDSlice {
	ids := make(party.IDSlice, 0, n)
	for i := 0; i < n; i++ {
		ids = append(ids, party.ID(strings.Repeat("a", i/26)+string(rune('a'+i%26))))
	}
	return party.NewIDSlice(ids)
}
