package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hydra-gateway/internal/jsonrpc"
)

func TestNamespaceDerivation(t *testing.T) {
	cases := []struct {
		name string
		want string
	}{
		{"Child A", "child_a"},
		{"weird!!name__2", "weird_name_2"},
		{"", ""},
		{"!!!", "_"},
		{"already_lower", "already_lower"},
		{"Dots.And.Dashes-here", "dots_and_dashes_here"},
		{"  spaced out  ", "_spaced_out_"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Namespace(tc.name))
		})
	}
}

func TestPublicNameAppliesFormulaLiterally(t *testing.T) {
	assert.Equal(t, "_.search", PublicName("!!!", "search"))
	assert.Equal(t, "child_a.search", PublicName("Child A", "search"))
}

func TestRegisterRewritesDescriptionWithChildPrefix(t *testing.T) {
	r := New()
	r.Register("c1", "Child A", []jsonrpc.ToolDescriptor{
		{Name: "search", Description: "finds things"},
		{Name: "fetch"},
	})

	listing := r.List()
	byName := make(map[string]string, len(listing))
	for _, l := range listing {
		byName[l.Name] = l.Description
	}
	assert.Equal(t, "[Child A] finds things", byName["child_a.search"])
	assert.Equal(t, "[Child A]", byName["child_a.fetch"])
}

func TestRegisterAndResolve(t *testing.T) {
	r := New()
	dropped := r.Register("c1", "Child A", []jsonrpc.ToolDescriptor{
		{Name: "search", Description: "finds things"},
		{Name: "fetch"},
	})
	assert.Empty(t, dropped)

	resolved, ok := r.Resolve("child_a.search")
	require.True(t, ok)
	assert.Equal(t, "c1", resolved.ChildID)
	assert.Equal(t, "search", resolved.OriginalName)

	assert.Equal(t, 2, r.Count())
}

func TestRegisterFirstWinsOnCollision(t *testing.T) {
	r := New()
	r.Register("c1", "Child A", []jsonrpc.ToolDescriptor{{Name: "search"}})
	dropped := r.Register("c2", "Child A", []jsonrpc.ToolDescriptor{{Name: "search"}})

	require.Len(t, dropped, 1)
	assert.Equal(t, "child_a.search", dropped[0].PublicName)
	assert.Equal(t, "c2", dropped[0].ChildID)

	resolved, ok := r.Resolve("child_a.search")
	require.True(t, ok)
	assert.Equal(t, "c1", resolved.ChildID)
}

func TestUnregisterRemovesOnlyOwnTools(t *testing.T) {
	r := New()
	r.Register("c1", "Child A", []jsonrpc.ToolDescriptor{{Name: "search"}})
	r.Register("c2", "Child B", []jsonrpc.ToolDescriptor{{Name: "search"}})

	r.Unregister("c1")

	_, ok := r.Resolve("child_a.search")
	assert.False(t, ok)
	_, ok = r.Resolve("child_b.search")
	assert.True(t, ok)
}

func TestUnregisterThenReregisterSucceeds(t *testing.T) {
	r := New()
	r.Register("c1", "Child A", []jsonrpc.ToolDescriptor{{Name: "search"}})
	r.Unregister("c1")

	dropped := r.Register("c1", "Child A", []jsonrpc.ToolDescriptor{{Name: "search"}})
	assert.Empty(t, dropped)

	_, ok := r.Resolve("child_a.search")
	assert.True(t, ok)
}

func TestSearchMatchesNameAndDescription(t *testing.T) {
	r := New()
	r.Register("c1", "Child A", []jsonrpc.ToolDescriptor{
		{Name: "search", Description: "finds files on disk"},
		{Name: "fetch", Description: "downloads a URL"},
	})

	results := r.Search("disk")
	require.Len(t, results, 1)
	assert.Equal(t, "child_a.search", results[0].Name)

	results = r.Search("child_a.fetch")
	require.Len(t, results, 1)

	results = r.Search("")
	assert.Len(t, results, 2)
}

func TestListRewritesNamesToPublicForm(t *testing.T) {
	r := New()
	r.Register("c1", "Child A", []jsonrpc.ToolDescriptor{{Name: "search"}})

	listing := r.List()
	require.Len(t, listing, 1)
	assert.Equal(t, "child_a.search", listing[0].Name)
	assert.Equal(t, "c1", listing[0].ChildID)
}
