package selector

import (
	"strings"

	"github.com/kadirpekel/stackchat/pkg/tools"
)

const (
	toolAllEntries      = "get_all_entries"
	toolAllAssets       = "get_all_assets"
	toolAllContentTypes = "get_all_content_types"
)

var assetKeywords = []string{"image", "photo", "picture", "asset", "media", "video", "file"}
var entryKeywords = []string{"blog", "post", "article", "page", "product", "news"}
var schemaKeywords = []string{"schema", "structure", "model", "content type", "field"}

// Heuristic is the deterministic fallback: keyword patterns map the
// query to tools, and entry keywords narrow content types by substring
// match on uid and title. It only ever returns tools present in
// safeTools.
func Heuristic(query string, safeTools []tools.Tool, contentTypes []tools.ContentType) Selection {
	lower := strings.ToLower(query)

	var selection Selection
	addTool := func(name string) {
		if tools.ByName(safeTools, name) {
			selection.Tools = append(selection.Tools, name)
		}
	}

	if matchesAny(lower, assetKeywords) {
		addTool(toolAllAssets)
	}
	if matchesAny(lower, schemaKeywords) {
		addTool(toolAllContentTypes)
	}
	if matchesAny(lower, entryKeywords) {
		addTool(toolAllEntries)
		selection.ContentTypeUIDs = narrowContentTypes(lower, contentTypes)
	}

	if len(selection.Tools) == 0 {
		addTool(toolAllEntries)
	}
	return selection
}

func matchesAny(query string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(query, kw) {
			return true
		}
	}
	return false
}

// narrowContentTypes keeps content types whose uid or title shares a
// word with the query, capped at three.
func narrowContentTypes(query string, contentTypes []tools.ContentType) []string {
	var uids []string
	for _, ct := range contentTypes {
		if matchesQuery(query, ct) {
			uids = append(uids, ct.UID)
			if len(uids) == 3 {
				break
			}
		}
	}
	return uids
}

func matchesQuery(query string, ct tools.ContentType) bool {
	for _, candidate := range []string{ct.UID, ct.Title} {
		for _, word := range strings.FieldsFunc(strings.ToLower(candidate), func(r rune) bool {
			return r == '_' || r == '-' || r == ' '
		}) {
			if len(word) >= 3 && strings.Contains(query, word) {
				return true
			}
		}
	}
	return false
}
