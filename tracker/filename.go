package tracker

import (
	"golang.org/x/text/unicode/norm"

	"github.com/docsignal/doctrack/portal"
)

// findByFilename matches a task's filename against the portal's
// original_filename field. Both sides are NFC-normalized: uploads from
// macOS clients arrive decomposed (NFD), while the portal stores composed
// form, and Korean filenames are common enough that a byte comparison
// silently misses completions.
func findByFilename(docs []portal.Document, name string) (portal.Document, bool) {
	want := norm.NFC.String(name)
	for _, d := range docs {
		if norm.NFC.String(d.OriginalFilename) == want {
			return d, true
		}
	}
	return portal.Document{}, false
}
