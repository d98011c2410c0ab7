package revision

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	r, err := Parse("3-ccc")
	require.NoError(t, err)
	assert.Equal(t, Revision{Gen: 3, Digest: "ccc"}, r)
	assert.Equal(t, "3-ccc", r.String())

	zero, err := Parse("")
	require.NoError(t, err)
	assert.True(t, zero.IsZero())
	assert.Equal(t, "", zero.String())
}

func TestParse_Invalid(t *testing.T) {
	for _, s := range []string{"abc", "0-abc", "-1-abc", "x-abc", "3-", "-abc"} {
		t.Run(s, func(t *testing.T) {
			_, err := Parse(s)
			assert.Error(t, err)
		})
	}
}

func TestCompare(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"1-aaa", "2-aaa", -1},
		{"3-aaa", "2-zzz", 1},
		{"2-aaa", "2-bbb", -1},
		{"2-bbb", "2-aaa", 1},
		{"2-aaa", "2-aaa", 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, MustParse(tt.a).Compare(MustParse(tt.b)), "%s vs %s", tt.a, tt.b)
	}
}

func TestNext(t *testing.T) {
	first := Next(Revision{}, "aaa")
	assert.Equal(t, "1-aaa", first.String())
	second := Next(first, "bbb")
	assert.Equal(t, "2-bbb", second.String())
	assert.NotEqual(t, first, second)
}

func TestRevision_JSON(t *testing.T) {
	type wrapper struct {
		Rev Revision `json:"rev"`
	}
	b, err := json.Marshal(wrapper{Rev: MustParse("2-bbb")})
	require.NoError(t, err)
	assert.JSONEq(t, `{"rev":"2-bbb"}`, string(b))

	var w wrapper
	require.NoError(t, json.Unmarshal([]byte(`{"rev":"7-abc"}`), &w))
	assert.Equal(t, MustParse("7-abc"), w.Rev)

	assert.Error(t, json.Unmarshal([]byte(`{"rev":"bogus"}`), &w))
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("")
	require.NoError(t, err)
	assert.Equal(t, PolicyManual, p)

	p, err = ParsePolicy("last-writer-wins")
	require.NoError(t, err)
	assert.Equal(t, PolicyLastWriterWins, p)

	_, err = ParsePolicy("merge")
	assert.Error(t, err)
}

func TestCheckLocal(t *testing.T) {
	current := MustParse("2-bbb")

	assert.Nil(t, CheckLocal(current, nil), "unconditional write")

	ok := MustParse("2-bbb")
	assert.Nil(t, CheckLocal(current, &ok))

	stale := MustParse("1-aaa")
	m := CheckLocal(current, &stale)
	require.NotNil(t, m)
	assert.Equal(t, current, m.Current)
	assert.Equal(t, stale, m.Expected)

	// Expecting a revision on a document that does not exist is a mismatch.
	assert.NotNil(t, CheckLocal(Revision{}, &ok))
}

func TestDecideRemote(t *testing.T) {
	local := MustParse("2-bbb")

	tests := []struct {
		name      string
		current   Revision
		known     bool
		remote    string
		ancestors []string
		want      Outcome
	}{
		{"new document", Revision{}, false, "1-aaa", nil, OutcomeFastForward},
		{"linear descendant", local, false, "3-ccc", []string{"2-bbb"}, OutcomeFastForward},
		{"descendant skipping a generation", local, false, "4-ddd", []string{"3-ccc", "2-bbb", "1-aaa"}, OutcomeFastForward},
		{"same revision", local, false, "2-bbb", []string{"1-aaa"}, OutcomeSkip},
		{"known historical", local, true, "1-aaa", nil, OutcomeSkip},
		{"higher gen wins", local, false, "3-aaa", []string{"2-xxx"}, OutcomeRemoteWins},
		{"higher gen on another branch", local, false, "4-aaa", []string{"3-xxx", "2-xxx", "1-aaa"}, OutcomeRemoteWins},
		{"lower gen loses", local, false, "2-aaa", []string{"1-zzz"}, OutcomeLocalWins},
		{"equal gen higher digest", local, false, "2-ccc", []string{"1-aaa"}, OutcomeRemoteWins},
		{"equal gen lower digest", local, false, "2-aab", []string{"1-aaa"}, OutcomeLocalWins},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var ancestors []Revision
			for _, a := range tt.ancestors {
				ancestors = append(ancestors, MustParse(a))
			}
			got := DecideRemote(tt.current, tt.known, MustParse(tt.remote), ancestors)
			assert.Equal(t, tt.want, got, got.String())
		})
	}
}

func TestDecideRemote_Symmetric(t *testing.T) {
	// Two replicas that exchange divergent revisions pick the same winner.
	a := MustParse("3-aaa")
	b := MustParse("3-bbb")
	ancestors := []Revision{MustParse("2-xyz")}

	atA := DecideRemote(a, false, b, ancestors)
	atB := DecideRemote(b, false, a, ancestors)
	assert.Equal(t, OutcomeRemoteWins, atA)
	assert.Equal(t, OutcomeLocalWins, atB)
	assert.True(t, atA.Diverged())
	assert.True(t, atB.Diverged())
}
