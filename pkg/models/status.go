package models

// ResourceStatus is the outcome recorded for a reference that entered the Seen Set
type ResourceStatus string

const (
	ResourceStatusUnset   ResourceStatus = ""        // Zero value = unset/unknown
	ResourceStatusPending ResourceStatus = "pending" // Fetch unit submitted, not finished
	ResourceStatusSuccess ResourceStatus = "success" // Fetched and written to disk
	ResourceStatusFailure ResourceStatus = "failure" // Fetch or write failed
	ResourceStatusSkipped ResourceStatus = "skipped" // Never fetched, see SkipReason
)

// String implements fmt.Stringer for logging
func (s ResourceStatus) String() string {
	if s == "" {
		return "unset"
	}
	return string(s)
}

// IsValid returns true if the status is a known operational value
func (s ResourceStatus) IsValid() bool {
	switch s {
	case ResourceStatusPending, ResourceStatusSuccess, ResourceStatusFailure, ResourceStatusSkipped:
		return true
	}
	return false
}

// SkipReason explains why a seen reference was not fetched
type SkipReason string

const (
	SkipProtocolRelative SkipReason = "protocol_relative"
	SkipOutOfScope       SkipReason = "out_of_scope"
	SkipExcluded         SkipReason = "excluded"
	SkipUnresolvable     SkipReason = "unresolvable"
)

// ChangeFreq is the sitemap <changefreq> vocabulary
type ChangeFreq string

const (
	ChangeFreqAlways  ChangeFreq = "always"
	ChangeFreqHourly  ChangeFreq = "hourly"
	ChangeFreqDaily   ChangeFreq = "daily"
	ChangeFreqWeekly  ChangeFreq = "weekly"
	ChangeFreqMonthly ChangeFreq = "monthly"
	ChangeFreqYearly  ChangeFreq = "yearly"
	ChangeFreqNever   ChangeFreq = "never"
)

// IsValid returns true for the values allowed by the sitemap protocol
func (c ChangeFreq) IsValid() bool {
	switch c {
	case ChangeFreqAlways, ChangeFreqHourly, ChangeFreqDaily, ChangeFreqWeekly,
		ChangeFreqMonthly, ChangeFreqYearly, ChangeFreqNever:
		return true
	}
	return false
}
