package tools

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilterReadOnlyDropsMutatingTools(t *testing.T) {
	advertised := []Tool{
		{Name: "get_all_entries", Description: "Fetch entries in bulk"},
		{Name: "delete_entry", Description: "Remove an entry"},
		{Name: "create_entry", Description: "Add a new entry"},
		{Name: "publish_entry", Description: "Push an entry live"},
		{Name: "get_all_assets", Description: "Fetch assets in bulk"},
	}

	safe := FilterReadOnly(advertised)

	assert.Equal(t, []string{"get_all_entries", "get_all_assets"}, Names(safe))
	assert.False(t, ByName(safe, "delete_entry"))
}

func TestFilterReadOnlyRequiresAllowlist(t *testing.T) {
	// A harmless-sounding getter outside the allowlist is still
	// rejected.
	safe := FilterReadOnly([]Tool{
		{Name: "get_entry_revision", Description: "Fetch one revision"},
	})
	assert.Empty(t, safe)
}

func TestFilterReadOnlyVerbOverridesAllowlist(t *testing.T) {
	// An allowlisted name whose description advertises a mutating
	// capability fails the verb check.
	safe := FilterReadOnly([]Tool{
		{Name: "get_all_entries", Description: "Fetch entries, then delete stale ones"},
	})
	assert.Empty(t, safe)
}

func TestParseToolList(t *testing.T) {
	raw := []byte(`{"tools":[{"name":"get_all_entries","description":"bulk fetch"}]}`)

	list, err := ParseToolList(raw)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "get_all_entries", list[0].Name)
}

func TestUnwrapResult(t *testing.T) {
	raw := []byte(`{"content":[{"type":"text","text":"{\"entries\":[]}"}]}`)

	payload, err := UnwrapResult(raw)
	require.NoError(t, err)
	assert.Equal(t, `{"entries":[]}`, payload)
}

func TestUnwrapResultError(t *testing.T) {
	raw := []byte(`{"content":[{"type":"text","text":"boom"}],"isError":true}`)

	_, err := UnwrapResult(raw)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestParseContentTypes(t *testing.T) {
	wrapped := `{"content_types":[{"uid":"blog_post","title":"Blog Post"}]}`
	types, err := ParseContentTypes(wrapped)
	require.NoError(t, err)
	require.Len(t, types, 1)
	assert.Equal(t, "blog_post", types[0].UID)

	bare := `[{"uid":"page","title":"Page"}]`
	types, err = ParseContentTypes(bare)
	require.NoError(t, err)
	require.Len(t, types, 1)
	assert.Equal(t, "page", types[0].UID)

	_, err = ParseContentTypes(`"nope"`)
	assert.Error(t, err)
}
