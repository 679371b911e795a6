package chain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeriveIdentityDeterministic(t *testing.T) {
	assert.Equal(t, DeriveIdentity(42), DeriveIdentity(42))
	assert.NotEqual(t, DeriveIdentity(42), DeriveIdentity(43))
}

func TestOrderKeyDistinctFromIdentity(t *testing.T) {
	assert.NotEqual(t, OrderKey(1), OrderKey(2))
	assert.NotEqual(t, OrderKey(1).Bytes()[12:], DeriveIdentity(1).Bytes())
}

func TestFactHashCoversEveryField(t *testing.T) {
	buyer, producer := DeriveIdentity(1), DeriveIdentity(2)
	base := FactHash(10, "PAY10-20240101", "100.00", buyer, producer)

	assert.Equal(t, base, FactHash(10, "PAY10-20240101", "100.00", buyer, producer))
	assert.NotEqual(t, base, FactHash(11, "PAY10-20240101", "100.00", buyer, producer))
	assert.NotEqual(t, base, FactHash(10, "PAY10-20240102", "100.00", buyer, producer))
	assert.NotEqual(t, base, FactHash(10, "PAY10-20240101", "100.01", buyer, producer))
	assert.NotEqual(t, base, FactHash(10, "PAY10-20240101", "100.00", producer, buyer))
}
