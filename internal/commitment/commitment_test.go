package commitment

import (
	"encoding/json"
	"regexp"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var hexHash = regexp.MustCompile(`^[0-9a-f]{64}$`)

func newGolden(t *testing.T) *goldie.Goldie {
	return goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
}

func TestCanonicalize_Golden(t *testing.T) {
	canon, err := Canonicalize(json.RawMessage(`{"z":"é","b":1,"a":{"d":[3,1.50,true,null],"c":"x<y"}}`))
	require.NoError(t, err)
	newGolden(t).Assert(t, "nested_object", canon)

	counter, err := Canonicalize(CounterPayload{
		InitiatorCommit: "deadbeef",
		Counterparty:    "bob@example.com",
		Terms:           map[string]any{"currency": "USD", "amount": "100.00"},
	})
	require.NoError(t, err)
	newGolden(t).Assert(t, "counter_payload", counter)
}

func TestCanonicalize_KeyOrderIndependent(t *testing.T) {
	a, err := CommitInitiator(json.RawMessage(`{"party":"alice","amount":5,"meta":{"x":1,"y":2}}`))
	require.NoError(t, err)
	b, err := CommitInitiator(map[string]any{
		"meta":   map[string]any{"y": 2, "x": 1},
		"amount": 5,
		"party":  "alice",
	})
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.Regexp(t, hexHash, a)
}

func TestCanonicalize_ArrayOrderPreserved(t *testing.T) {
	a, err := Canonicalize(json.RawMessage(`[1,2]`))
	require.NoError(t, err)
	b, err := Canonicalize(json.RawMessage(`[2,1]`))
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestCanonicalize_RejectsInvalid(t *testing.T) {
	_, err := Canonicalize(json.RawMessage(`{"a":`))
	assert.Error(t, err)
	_, err = Canonicalize(json.RawMessage(`{} {}`))
	assert.Error(t, err)
}

func TestLabeledHash_DomainSeparation(t *testing.T) {
	data := []byte(`{"a":1}`)
	assert.NotEqual(t, LabeledHash(LabelAttest, data), LabeledHash(LabelCounter, data))
	assert.NotEqual(t, LabeledHash(LabelCounter, data), LabeledHash(LabelFinal, data))
	assert.Equal(t, LabeledHash(LabelAttest, data), LabeledHash(LabelAttest, data))
}

func TestCommitFinal_NonMalleable(t *testing.T) {
	i, err := CommitInitiator(map[string]any{"party": "alice"})
	require.NoError(t, err)

	c1, err := CommitCounter(CounterPayload{InitiatorCommit: i, Counterparty: "bob", Terms: map[string]any{"amount": 1}})
	require.NoError(t, err)
	c2, err := CommitCounter(CounterPayload{InitiatorCommit: i, Counterparty: "bob", Terms: map[string]any{"amount": 2}})
	require.NoError(t, err)
	require.NotEqual(t, c1, c2)

	f1, err := CommitFinal(i, c1)
	require.NoError(t, err)
	f2, err := CommitFinal(i, c2)
	require.NoError(t, err)

	assert.NotEqual(t, f1, f2)
	assert.Regexp(t, hexHash, f1)

	again, err := CommitFinal(i, c1)
	require.NoError(t, err)
	assert.Equal(t, f1, again)
}

func TestCommitCounter_BoundToInitiator(t *testing.T) {
	terms := map[string]any{"amount": 1}
	c1, err := CommitCounter(CounterPayload{InitiatorCommit: "aa", Counterparty: "bob", Terms: terms})
	require.NoError(t, err)
	c2, err := CommitCounter(CounterPayload{InitiatorCommit: "bb", Counterparty: "bob", Terms: terms})
	require.NoError(t, err)
	assert.NotEqual(t, c1, c2)

	_, err = CommitCounter(CounterPayload{Counterparty: "bob"})
	assert.Error(t, err)
	_, err = CommitCounter(CounterPayload{InitiatorCommit: "aa"})
	assert.Error(t, err)
}

func TestCommitFinal_InvalidHex(t *testing.T) {
	_, err := CommitFinal("zz", "aa")
	assert.ErrorIs(t, err, ErrInvalidHex)
	_, err = CommitFinal("aa", "")
	assert.ErrorIs(t, err, ErrInvalidHex)
}

func TestLeafHash_Deterministic(t *testing.T) {
	in := LeafInput{ReceiptID: "r1", InitiatorCommit: "deadbeef", ReceivedAt: 1700000000000}
	a, err := LeafHash(in)
	require.NoError(t, err)
	b, err := LeafHash(in)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	in.ReceiptID = "r2"
	c, err := LeafHash(in)
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}
