// Package imageref finds attachment references embedded in note Markdown.
package imageref

import (
	"fmt"
	"regexp"
)

// Scheme prefixes attachment IDs inside Markdown image links.
const Scheme = "attachment:"

// refPattern matches Markdown images pointing at an attachment
// (e.g., ![diagram](attachment:3f2a...)).
var refPattern = regexp.MustCompile(`!\[[^\]]*\]\(attachment:([A-Za-z0-9_-]+)\)`)

// ExtractAttachmentIDs extracts all attachment IDs referenced from markdown.
// Returns a deduplicated list preserving the order of first occurrence.
func ExtractAttachmentIDs(markdown string) []string {
	matches := refPattern.FindAllStringSubmatch(markdown, -1)
	if len(matches) == 0 {
		return nil
	}

	seen := make(map[string]bool)
	var result []string
	for _, m := range matches {
		id := m[1]
		if seen[id] {
			continue
		}
		seen[id] = true
		result = append(result, id)
	}
	return result
}

// Missing returns the referenced IDs that are not in known, preserving
// reference order.
func Missing(markdown string, known map[string]bool) []string {
	var missing []string
	for _, id := range ExtractAttachmentIDs(markdown) {
		if !known[id] {
			missing = append(missing, id)
		}
	}
	return missing
}

// Embed returns the Markdown snippet that references attachment id.
func Embed(alt, id string) string {
	return fmt.Sprintf("![%s](%s%s)", alt, Scheme, id)
}

// Rewrite replaces each resolvable attachment reference with its display
// URL. References without an entry in urls are left untouched.
func Rewrite(markdown string, urls map[string]string) string {
	return refPattern.ReplaceAllStringFunc(markdown, func(match string) string {
		sub := refPattern.FindStringSubmatch(match)
		url, ok := urls[sub[1]]
		if !ok {
			return match
		}
		prefix := match[:len(match)-len(Scheme)-len(sub[1])-1]
		return prefix + url + ")"
	})
}
