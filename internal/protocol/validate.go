package protocol

import "regexp"

// instanceIDPattern is the full identifier grammar: 1-32 characters drawn
// from letters, digits, hyphen and underscore.
var instanceIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,32}$`)

// reservedIDs are identifiers the broker synthesizes messages from; they can
// never be registered or renamed to.
var reservedIDs = map[string]bool{
	"system": true,
}

// ValidInstanceID reports whether id is syntactically acceptable as an
// instance identifier.
func ValidInstanceID(id string) bool {
	return instanceIDPattern.MatchString(id)
}

// Reserved reports whether id is a broker-synthesized sender name.
func Reserved(id string) bool {
	return reservedIDs[id]
}

// ValidNewInstanceID reports whether id may be claimed by register or
// rename: syntactically valid and not reserved.
func ValidNewInstanceID(id string) bool {
	return ValidInstanceID(id) && !Reserved(id)
}
