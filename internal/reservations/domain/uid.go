package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode"
)

// UID is the stable identity shared by every version of one reservation.
type UID string

func (u UID) String() string { return string(u) }

// disambiguatorLen is how many trailing external-id characters go into a UID.
const disambiguatorLen = 6

// AssignUID derives the identity of an event from its source, property,
// stay dates and a disambiguator. Identical input always yields the same UID.
//
// Two different entries sharing all of these (same source, property, dates and
// external-id suffix or guest) collide; the later one is then treated as an
// update of the earlier.
func AssignUID(e BookingEvent) UID {
	parts := []string{
		token(e.Source),
		token(e.PropertyRef),
		FormatDate(e.CheckIn),
		FormatDate(e.CheckOut),
		disambiguator(e),
	}
	return UID(strings.Join(parts, "_"))
}

func disambiguator(e BookingEvent) string {
	if ext := token(e.ExternalID); ext != "" {
		if len(ext) > disambiguatorLen {
			return ext[len(ext)-disambiguatorLen:]
		}
		return ext
	}
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(e.GuestOrOwnerName))))
	return "g" + hex.EncodeToString(sum[:])[:8]
}

// token lower-cases s and drops everything that is not a letter or digit.
func token(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			b.WriteRune(r)
		}
	}
	return b.String()
}
