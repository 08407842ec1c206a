package crawler

import "time"

// Statuses recorded on item log entries.
const (
	StatusFetched           = `Fetched`
	StatusAlreadyProcessed  = `Already Processed`
	StatusNotForPublication = `Not For Publication`
	StatusRestricted        = `Restricted`
	StatusError             = `Error`
)

// RunLog is the structured record of one crawler run. It is the
// user-visible "last run" summary served by the log endpoint.
type RunLog struct {
	RunNumber      int        `json:"runNumber"`
	StartTime      time.Time  `json:"startTime"`
	EndTime        time.Time  `json:"endTime"`
	RunTime        string     `json:"runTime"`
	Master         string     `json:"master"`
	Feeds          []*FeedLog `json:"feeds"`
	TotalBytes     int64      `json:"totalBytes"`
	FatalException string     `json:"fatalException,omitempty"`
}

// FeedLog records the outcome of one feed within a run. At most one of
// Exception and RateLimited is ever set.
type FeedLog struct {
	URL              string     `json:"url"`
	FetchTime        string     `json:"fetchTime,omitempty"`
	Items            []*ItemLog `json:"items"`
	Exception        string     `json:"exception,omitempty"`
	RateLimited      bool       `json:"rateLimited,omitempty"`
	RateLimitMessage string     `json:"rateLimitMessage,omitempty"`
	FailTime         string     `json:"failTime,omitempty"`
	// ContactEmail is the feed's de-obfuscated contact address, filled in
	// when the feed fails so the log tells the operator who to reach.
	ContactEmail string `json:"contactEmail,omitempty"`
}

// ItemLog records the outcome of one feed item.
type ItemLog struct {
	GUID    string `json:"guid"`
	ID      string `json:"id"`
	URL     string `json:"url,omitempty"`
	Status  string `json:"status"`
	Error   string `json:"error,omitempty"`
	Warning string `json:"warning,omitempty"`
}
