package matcher

import (
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"github.com/gridnet/go-grid-market/market"
	"github.com/gridnet/go-grid-market/market/props"
)

func makeEntry(t *testing.T, kind market.EntryKind, owner market.PartyID, ps props.PropertySet, constraint string) market.Entry {
	t.Helper()
	e, err := market.NewEntry(kind, owner, ps, constraint, time.Now(), time.Hour)
	require.NoError(t, err)
	return e
}

func TestMutualRequiresBothDirections(t *testing.T) {
	offer := makeEntry(t, market.KindOffer, "provider-1", props.PropertySet{
		"cpu.cores":          props.Number(8),
		"price.usd-per-hour": props.Number(1.5),
	}, "(task.batch=true)")
	demand := makeEntry(t, market.KindDemand, "requestor-1", props.PropertySet{
		"task.batch": props.Bool(true),
	}, "(&(cpu.cores>=4)(price.usd-per-hour<=2))")

	ok, score, err := Mutual(offer, demand)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 3, score)

	// break the demand side only
	pricey := makeEntry(t, market.KindOffer, "provider-2", props.PropertySet{
		"cpu.cores":          props.Number(8),
		"price.usd-per-hour": props.Number(9),
	}, "(task.batch=true)")
	ok, _, err = Mutual(pricey, demand)
	require.NoError(t, err)
	require.False(t, ok)

	// break the offer side only
	interactive := makeEntry(t, market.KindDemand, "requestor-2", props.PropertySet{
		"task.batch": props.Bool(false),
	}, "(cpu.cores>=4)")
	ok, _, err = Mutual(offer, interactive)
	require.NoError(t, err)
	require.False(t, ok)

	// same kind is an error, not a non-match
	other := makeEntry(t, market.KindOffer, "provider-3", props.PropertySet{}, "")
	_, _, err = Mutual(offer, other)
	require.Error(t, err)
}

func TestMutualFailsClosedOnMissingProperty(t *testing.T) {
	offer := makeEntry(t, market.KindOffer, "provider-1", props.PropertySet{
		"cpu.cores": props.Number(8),
	}, "")
	demand := makeEntry(t, market.KindDemand, "requestor-1", props.PropertySet{},
		"(&(cpu.cores>=4)(mem.gib>=8))")

	ok, _, err := Mutual(offer, demand)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMatchOrdersAndFilters(t *testing.T) {
	now := time.Now()
	demand := makeEntry(t, market.KindDemand, "requestor-1", props.PropertySet{
		"task.batch": props.Bool(true),
	}, "(cpu.cores>=4)")

	strong := makeEntry(t, market.KindOffer, "provider-1", props.PropertySet{
		"cpu.cores": props.Number(16),
		"mem.gib":   props.Number(64),
	}, "(&(task.batch=true)(task.batch=true))")
	weak := makeEntry(t, market.KindOffer, "provider-2", props.PropertySet{
		"cpu.cores": props.Number(8),
	}, "(task.batch=true)")
	tooSmall := makeEntry(t, market.KindOffer, "provider-3", props.PropertySet{
		"cpu.cores": props.Number(2),
	}, "(task.batch=true)")
	own := makeEntry(t, market.KindOffer, "requestor-1", props.PropertySet{
		"cpu.cores": props.Number(32),
	}, "(task.batch=true)")
	withdrawn := makeEntry(t, market.KindOffer, "provider-4", props.PropertySet{
		"cpu.cores": props.Number(32),
	}, "(task.batch=true)")
	withdrawn.Withdrawn = true
	sameKind := makeEntry(t, market.KindDemand, "requestor-2", props.PropertySet{}, "")

	got := Match(demand, []market.Entry{tooSmall, weak, own, withdrawn, strong, sameKind}, now)
	require.Len(t, got, 2)
	require.Equal(t, strong.ID, got[0].Entry.ID)
	require.Equal(t, weak.ID, got[1].Entry.ID)
	require.Greater(t, got[0].Score, got[1].Score)
}

func TestMatchDeterministicTieBreak(t *testing.T) {
	now := time.Now()
	demand := makeEntry(t, market.KindDemand, "requestor-1", props.PropertySet{},
		"(cpu.cores>=4)")

	var offers []market.Entry
	for i := 0; i < 4; i++ {
		offers = append(offers, makeEntry(t, market.KindOffer,
			market.PartyID(fmt.Sprintf("provider-%d", i)), props.PropertySet{
				"cpu.cores": props.Number(8),
			}, ""))
	}

	first := Match(demand, offers, now)
	// same candidates in a different order produce the same ranking
	reversed := []market.Entry{offers[3], offers[1], offers[2], offers[0]}
	second := Match(demand, reversed, now)
	require.Equal(t, first, second)
}

// Matching is symmetric: whether a pair matches must not depend on which side
// is the subject of the scan.
func TestMutualSymmetryProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200

	genCores := gen.IntRange(1, 64)
	genPrice := gen.IntRange(1, 20)
	genMinCores := gen.IntRange(1, 64)
	genMaxPrice := gen.IntRange(1, 20)

	properties := gopter.NewProperties(parameters)
	properties.Property("mutual match is order independent", prop.ForAll(
		func(cores, price, minCores, maxPrice int) bool {
			offer, err := market.NewEntry(market.KindOffer, "provider-1", props.PropertySet{
				"cpu.cores":          props.Number(float64(cores)),
				"price.usd-per-hour": props.Number(float64(price)),
			}, "(task.batch=true)", time.Now(), time.Hour)
			if err != nil {
				return false
			}
			demand, err := market.NewEntry(market.KindDemand, "requestor-1", props.PropertySet{
				"task.batch": props.Bool(true),
			}, fmt.Sprintf("(&(cpu.cores>=%d)(price.usd-per-hour<=%d))", minCores, maxPrice),
				time.Now(), time.Hour)
			if err != nil {
				return false
			}

			fromOffer, _, err1 := Mutual(offer, demand)
			fromDemand, _, err2 := Mutual(demand, offer)
			if err1 != nil || err2 != nil {
				return false
			}
			expected := cores >= minCores && price <= maxPrice
			return fromOffer == fromDemand && fromOffer == expected
		},
		genCores, genPrice, genMinCores, genMaxPrice,
	))
	properties.TestingRun(t)
}
