package packages

import (
	"fmt"
	"strings"
	"time"

	"github.com/fhir-infra/fhirhub"
)

// Weekday prefixes seen in the wild, with and without a trailing comma.
var weekdays = map[string]struct{}{
	"mon": {}, "tue": {}, "wed": {}, "thu": {}, "fri": {}, "sat": {}, "sun": {},
	"monday": {}, "tuesday": {}, "wednesday": {}, "thursday": {},
	"friday": {}, "saturday": {}, "sunday": {},
}

// Layouts tried against the normalized date, most common first. Feed
// publishers are loose about seconds, zones, and year width.
var pubDateLayouts = []string{
	"02 Jan 2006 15:04:05 -0700",
	"02 Jan 2006 15:04:05 MST",
	"02 Jan 2006 15:04:05",
	"02 Jan 2006 15:04 -0700",
	"02 Jan 2006 15:04 MST",
	"02 Jan 2006 15:04",
	"02 Jan 2006",
	"02 Jan 06 15:04:05 -0700",
	"02 Jan 06 15:04:05 MST",
	"02 Jan 06 15:04 MST",
}

// ParsePubDate parses the pubDate element of a feed item. RSS dates are
// RFC-822-ish but publishers get the details wrong constantly, so the value
// is normalized first: case-folded, whitespace collapsed, any day-of-week
// prefix stripped, single-digit days zero-padded.
func ParsePubDate(s string) (time.Time, error) {
	norm := strings.Join(strings.Fields(strings.ToLower(s)), " ")
	if i := strings.Index(norm, ","); i != -1 {
		norm = strings.TrimSpace(norm[i+1:])
	} else if f, rest, ok := strings.Cut(norm, " "); ok {
		if _, isDay := weekdays[f]; isDay {
			norm = rest
		}
	}
	if len(norm) >= 2 && norm[0] >= '0' && norm[0] <= '9' && norm[1] == ' ' {
		norm = "0" + norm
	}
	// Zone abbreviations must be upper case for [time.Parse]; month names
	// match either way.
	norm = strings.ToUpper(norm)
	for _, layout := range pubDateLayouts {
		if t, err := time.Parse(layout, norm); err == nil {
			return t, nil
		}
	}
	return time.Time{}, &fhirhub.Error{
		Kind:    fhirhub.ErrMalformedFeed,
		Op:      "packages.ParsePubDate",
		Message: fmt.Sprintf("unparsable pubDate %q", s),
	}
}
