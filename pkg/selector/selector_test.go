package selector

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func nodeIDs(hs HandleSet) []int64 {
	out := make([]int64, 0, len(hs))
	for _, h := range hs {
		out = append(out, h.NodeID)
	}
	return out
}

func TestChain_BuildersDoNotMutateReceiver(t *testing.T) {
	base := New("li")
	withText := base.WithText("Apple")
	nthLast := base.Nth(-1)

	assert.Len(t, base.Steps(), 1)
	assert.Len(t, withText.Steps(), 2)
	assert.Len(t, nthLast.Steps(), 2)
	assert.Equal(t, WithText{Text: "Apple"}, withText.Steps()[1])
	assert.Equal(t, Nth{Index: -1}, nthLast.Steps()[1])
	assert.Equal(t, "selector(li)", base.String())
	assert.Equal(t, "selector(li)\n  .withText(Apple)", withText.String())
}

func TestChain_SiblingBuildersShareNoBackingArray(t *testing.T) {
	base := New("ul").Find("li")
	a := base.Nth(1)
	b := base.Nth(2)

	assert.Equal(t, Nth{Index: 1}, a.Steps()[2])
	assert.Equal(t, Nth{Index: 2}, b.Steps()[2])
}

func TestResolve_Steps(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name  string
		chain Chain
		want  []int64
	}{
		{"query all", New("li"), []int64{3, 4, 5}},
		{"find", New(".list").Find("li"), []int64{3, 4, 5}},
		{"with text", New("li").WithText("an"), []int64{4}},
		{"with value", New("input").WithValue("@"), []int64{7}},
		{"nth first", New("li").Nth(1), []int64{3}},
		{"nth last", New("li").Nth(-1), []int64{5}},
		{"nth zero", New("li").Nth(0), []int64{}},
		{"nth out of range", New("li").Nth(4), []int64{}},
		{"nth on empty", New("table").Nth(-1), []int64{}},
		{"parent", New("input").Nth(2).Parent(), []int64{6}},
		{"parent of each", New("li").Parent(), []int64{2, 2, 2}},
		{"no match", New("li").WithText("Durian"), []int64{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewResolver(samplePage(), nil)
			got, err := r.Resolve(ctx, tt.chain)
			require.NoError(t, err)
			assert.Equal(t, tt.want, nodeIDs(got))
		})
	}
}

func TestResolve_SameChainTwiceYieldsSameElements(t *testing.T) {
	reg := samplePage()
	r := NewResolver(reg, nil)
	c := New(".list").Find("li").WithText("a")

	first, err := r.Resolve(context.Background(), c)
	require.NoError(t, err)
	second, err := r.Resolve(context.Background(), c)
	require.NoError(t, err)

	require.Len(t, second, len(first))
	for i := range first {
		assert.True(t, first[i].SameElement(second[i]))
		assert.NotEqual(t, first[i].ObjectID, second[i].ObjectID)
	}
	assert.Equal(t, 2, reg.queries, "results must not be cached")
}

func TestResolve_RequiresRootQuery(t *testing.T) {
	r := NewResolver(samplePage(), nil)

	_, err := r.Resolve(context.Background(), Chain{})
	assert.ErrorIs(t, err, ErrChainNotRooted)

	_, err = r.Resolve(context.Background(), FromSteps([]Step{Find{Selector: "li"}}, ""))
	assert.ErrorIs(t, err, ErrChainNotRooted)

	_, err = r.Resolve(context.Background(), FromSteps([]Step{QueryAll{Selector: "li"}, QueryAll{Selector: "ul"}}, ""))
	assert.ErrorIs(t, err, ErrChainNotRooted)
}

func TestFirstCountExists(t *testing.T) {
	ctx := context.Background()
	r := NewResolver(samplePage(), nil)

	h, err := r.First(ctx, New("li").WithText("Banana"))
	require.NoError(t, err)
	require.NotNil(t, h)
	assert.Equal(t, int64(4), h.NodeID)

	h, err = r.First(ctx, New("li").WithText("Durian"))
	require.NoError(t, err)
	assert.Nil(t, h)

	n, err := r.Count(ctx, New("li"))
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	ok, err := r.Exists(ctx, New("table"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVisibility(t *testing.T) {
	ctx := context.Background()
	r := NewResolver(samplePage(), nil)

	tests := []struct {
		name       string
		sel        Selector
		visible    bool
		notVisible bool
	}{
		{"visible", r.Select("li").Nth(1), true, false},
		{"moving is neither", r.Select("li").WithText("Banana"), false, false},
		{"hidden", r.Select("li").Nth(-1), false, true},
		{"missing is not visible", r.Select("li").WithText("Durian"), false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			visible, err := tt.sel.IsVisible(ctx)
			require.NoError(t, err)
			assert.Equal(t, tt.visible, visible)

			notVisible, err := tt.sel.IsNotVisible(ctx)
			require.NoError(t, err)
			assert.Equal(t, tt.notVisible, notVisible)
		})
	}
}

func TestChain_SerializeRoundTrip(t *testing.T) {
	original := New(".list").Find("li").WithText("a").Nth(-1).Parent().WithValue("")

	data, err := json.Marshal(original)
	require.NoError(t, err)

	restored, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, original.Steps(), restored.Steps())
	assert.Equal(t, original.String(), restored.String())

	r := NewResolver(samplePage(), nil)
	want, err := r.Resolve(context.Background(), original)
	require.NoError(t, err)
	got, err := r.Resolve(context.Background(), restored)
	require.NoError(t, err)
	assert.Equal(t, nodeIDs(want), nodeIDs(got))
}

func TestChain_WireFormat(t *testing.T) {
	data, err := json.Marshal(New("ul").Nth(2).Parent())
	require.NoError(t, err)

	assert.JSONEq(t, `{
		"actions": [
			{"name": "querySelectorAllInPage", "selector": "ul"},
			{"name": "nth", "index": 2},
			{"name": "parent"}
		],
		"chainingHistory": "selector(ul)\n  .nth(2)\n  .parent()"
	}`, string(data))
}

func TestParse_UnknownAction(t *testing.T) {
	_, err := Parse([]byte(`{"actions":[{"name":"querySelectorAllInPage","selector":"li"},{"name":"unknown"}],"chainingHistory":""}`))
	assert.ErrorIs(t, err, ErrUnimplementedAction)

	_, err = Parse([]byte(`{"actions":[{"name":"nth"}]}`))
	assert.Error(t, err)
}

func TestSelector_Bind(t *testing.T) {
	r := NewResolver(samplePage(), nil)
	restored, err := Parse([]byte(`{"actions":[{"name":"querySelectorAllInPage","selector":"li"},{"name":"nth","index":2}],"chainingHistory":"selector(li)\n  .nth(2)"}`))
	require.NoError(t, err)

	sel := r.Bind(restored)
	n, err := sel.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, "selector(li)\n  .nth(2)", sel.String())
}
