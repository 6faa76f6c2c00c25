package summarizer

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/kadirpekel/stackchat/pkg/executor"
)

type item struct {
	title       string
	description string
	url         string
	imageURL    string
}

type category struct {
	key   string
	label string
	items []item
}

// parseCategories converts successful results into renderable
// categories, ordered by invocation key for deterministic output.
func parseCategories(results map[string]executor.Result) []category {
	keys := make([]string, 0, len(results))
	for key := range results {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var categories []category
	for _, key := range keys {
		result := results[key]
		if result.Err != nil {
			continue
		}
		cat := parsePayload(result)
		if len(cat.items) > 0 {
			categories = append(categories, cat)
		}
	}
	return categories
}

func parsePayload(result executor.Result) category {
	cat := category{key: result.Key(), label: labelFor(result)}

	var envelope map[string]json.RawMessage
	if err := json.Unmarshal([]byte(result.Payload), &envelope); err == nil {
		for _, field := range []string{"entries", "assets", "content_types", "items"} {
			if raw, ok := envelope[field]; ok {
				cat.items = parseItems(raw, field == "assets")
				return cat
			}
		}
	}

	// Bare arrays and anything unrecognized degrade to one opaque item.
	var bare []map[string]any
	if err := json.Unmarshal([]byte(result.Payload), &bare); err == nil {
		for _, obj := range bare {
			cat.items = append(cat.items, parseItem(obj, false))
		}
		return cat
	}

	text := strings.TrimSpace(result.Payload)
	if text != "" {
		if len(text) > 200 {
			text = text[:200] + "…"
		}
		cat.items = []item{{title: text}}
	}
	return cat
}

func parseItems(raw json.RawMessage, assets bool) []item {
	var objects []map[string]any
	if err := json.Unmarshal(raw, &objects); err != nil {
		return nil
	}
	items := make([]item, 0, len(objects))
	for _, obj := range objects {
		items = append(items, parseItem(obj, assets))
	}
	return items
}

func parseItem(obj map[string]any, asset bool) item {
	it := item{
		title:       firstString(obj, "title", "name", "filename", "uid"),
		description: firstString(obj, "description", "summary"),
		url:         firstString(obj, "url", "href"),
	}
	if it.title == "" {
		it.title = "(untitled)"
	}
	if asset && it.url != "" && isImage(obj, it.url) {
		it.imageURL = it.url
		it.url = ""
	}
	return it
}

func firstString(obj map[string]any, keys ...string) string {
	for _, key := range keys {
		if value, ok := obj[key].(string); ok && value != "" {
			return value
		}
	}
	return ""
}

func isImage(obj map[string]any, url string) bool {
	if mime := firstString(obj, "content_type", "mime_type"); strings.HasPrefix(mime, "image/") {
		return true
	}
	lower := strings.ToLower(url)
	for _, ext := range []string{".png", ".jpg", ".jpeg", ".gif", ".webp", ".svg"} {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}

func labelFor(result executor.Result) string {
	var label string
	switch result.Tool {
	case "get_all_entries":
		label = "Entries"
	case "get_all_assets":
		label = "Assets"
	case "get_all_content_types":
		label = "Content Types"
	default:
		label = result.Tool
	}
	if result.ContentTypeUID != "" {
		label += ": " + result.ContentTypeUID
	}
	return label
}
