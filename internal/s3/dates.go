package s3

import "time"

// httpDateLayout produces the exact 29-byte RFC-1123-with-GMT form spec §4.1
// requires ("Ddd, DD Mmm YYYY HH:MM:SS GMT"). The trailing "GMT" is a literal
// in the layout string rather than a timezone abbreviation lookup, since the
// input is always normalized to UTC below.
const httpDateLayout = "Mon, 02 Jan 2006 15:04:05 GMT"

// iso8601Layout produces the exact 20-byte form spec §4.1 requires
// ("YYYY-MM-DDTHH:MM:SSZ").
const iso8601Layout = "2006-01-02T15:04:05Z"

// formatHTTPDate formats a signed UNIX timestamp as an RFC-1123 date in GMT.
// Negative timestamps clamp to the epoch. Always UTC; no locale or timezone
// lookup is performed.
func formatHTTPDate(unix int64) string {
	if unix < 0 {
		unix = 0
	}
	return time.Unix(unix, 0).UTC().Format(httpDateLayout)
}

// formatISO8601 formats a signed UNIX timestamp as an ISO-8601 UTC instant.
// Negative timestamps clamp to the epoch.
func formatISO8601(unix int64) string {
	if unix < 0 {
		unix = 0
	}
	return time.Unix(unix, 0).UTC().Format(iso8601Layout)
}

// formatISO8601Time is formatISO8601 for an already-parsed time.Time, used
// when rendering file mtimes that may themselves be monotonic-stripped
// wall-clock values rather than raw UNIX integers.
func formatISO8601Time(t time.Time) string {
	return formatISO8601(t.Unix())
}

// formatHTTPDateTime is formatHTTPDate for an already-parsed time.Time.
func formatHTTPDateTime(t time.Time) string {
	return formatHTTPDate(t.Unix())
}
