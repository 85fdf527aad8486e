package cache

import (
	"slices"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Key derives the slot key for a lookup in namespace. Parameters are
// canonicalised (sorted by name, values trimmed and lowercased) so that the
// same logical query always lands on the same slot.
func Key(namespace string, params map[string]string) string {
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	slices.Sort(names)

	d := xxhash.New()
	for _, name := range names {
		// Each field is "<len>:<bytes>"; the colon ends the length so no
		// two parameter sets serialise alike.
		v := strings.ToLower(strings.TrimSpace(params[name]))
		writeField(d, name)
		writeField(d, v)
	}
	return "cache:" + namespace + ":" + strconv.FormatUint(d.Sum64(), 16)
}

func writeField(d *xxhash.Digest, s string) {
	_, _ = d.WriteString(strconv.Itoa(len(s)))
	_, _ = d.WriteString(":")
	_, _ = d.WriteString(s)
}
