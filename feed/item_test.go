package feed

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestQualityLevelOrdering(t *testing.T) {
	require.True(t, QualityExcellent > QualityGood)
	require.True(t, QualityGood > QualityFair)
	require.True(t, QualityFair > QualityPoor)

	parsed, err := ParseQualityLevel("Excellent")
	require.NoError(t, err)
	require.Equal(t, QualityExcellent, parsed)

	_, err = ParseQualityLevel("stellar")
	require.Error(t, err)
}

func TestItemCloneIsIndependent(t *testing.T) {
	ts := time.Date(2024, 5, 6, 9, 30, 0, 0, time.UTC)
	item := New(DataTypeQuote, "sh600000", "synthetic", ts)
	item.Fields["last"] = decimal.RequireFromString("12.34")
	item.Labels["currency"] = "CNY"
	exp := ts.Add(time.Minute)
	item.ExpiresAt = &exp

	clone := item.Clone()
	clone.Fields["last"] = decimal.RequireFromString("99.99")
	clone.Labels["currency"] = "USD"
	*clone.ExpiresAt = ts.Add(time.Hour)

	require.True(t, item.Fields["last"].Equal(decimal.RequireFromString("12.34")))
	require.Equal(t, "CNY", item.Labels["currency"])
	require.Equal(t, exp, *item.ExpiresAt)
	require.Equal(t, item.ID, clone.ID)
}

func TestItemExpiry(t *testing.T) {
	ts := time.Date(2024, 5, 6, 9, 30, 0, 0, time.UTC)
	item := New(DataTypeIndex, "sh000001", "httpfeed", ts)
	require.False(t, item.Expired(ts.Add(time.Hour)))

	exp := ts.Add(time.Minute)
	item.ExpiresAt = &exp
	require.False(t, item.Expired(ts.Add(30*time.Second)))
	require.True(t, item.Expired(exp))
	require.True(t, item.Expired(exp.Add(time.Second)))
}

func TestItemBetterThan(t *testing.T) {
	ts := time.Date(2024, 5, 6, 9, 30, 0, 0, time.UTC)
	good := New(DataTypeQuote, "sh600000", "a", ts)
	good.Quality = QualityGood
	excellent := New(DataTypeQuote, "sh600000", "b", ts)
	excellent.Quality = QualityExcellent

	require.True(t, excellent.BetterThan(good))
	require.False(t, good.BetterThan(excellent))

	newer := New(DataTypeQuote, "sh600000", "c", ts.Add(time.Second))
	newer.Quality = QualityGood
	require.True(t, newer.BetterThan(good))
	require.True(t, good.BetterThan(nil))
}

func TestItemValidate(t *testing.T) {
	ts := time.Now()
	item := New(DataTypeFundNAV, "000001", "synthetic", ts)
	require.NoError(t, item.Validate())

	missingKey := New(DataTypeFundNAV, "", "synthetic", ts)
	require.Error(t, missingKey.Validate())

	var nilItem *Item
	require.Error(t, nilItem.Validate())
}

func TestDescriptorSupports(t *testing.T) {
	desc := Descriptor{
		Name:      "primary",
		Priority:  100,
		Family:    FamilyPoll,
		DataTypes: []DataType{DataTypeIndex, DataTypeQuote},
	}
	require.True(t, desc.Supports(DataTypeQuote))
	require.False(t, desc.Supports(DataTypeHistory))
}

func TestParseFamily(t *testing.T) {
	family, err := ParseFamily("push")
	require.NoError(t, err)
	require.Equal(t, FamilyPush, family)

	family, err = ParseFamily("")
	require.NoError(t, err)
	require.Equal(t, FamilyOnDemand, family)

	_, err = ParseFamily("carrier-pigeon")
	require.Error(t, err)
}
