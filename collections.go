package syncstore

import "regexp"

// StandardCollections is the canonical list of fixed pre-determined ids
// for common collection names. Non-standard collections allocate ids
// starting from FirstCustomCollectionID.
var StandardCollections = map[int]string{
	1:  "clients",
	2:  "crypto",
	3:  "forms",
	4:  "history",
	5:  "keys",
	6:  "meta",
	7:  "bookmarks",
	8:  "prefs",
	9:  "tabs",
	10: "passwords",
	11: "addons",
}

// FirstCustomCollectionID is the lowest id assigned to user-created
// collections.
const FirstCustomCollectionID = 100

// MaxCollectionsCacheSize caps the in-process name <-> id lookup cache.
const MaxCollectionsCacheSize = 1000

var validCollectionRegex = regexp.MustCompile(`^[a-zA-Z0-9._-]{1,32}$`)

// ValidCollectionName reports whether s is a well-formed collection name.
func ValidCollectionName(s string) bool {
	return validCollectionRegex.MatchString(s)
}

// BatchLifetime is how long a pending batch upload stays applicable,
// in seconds. Entries older than this are reapable.
const BatchLifetime = 2 * 60 * 60
