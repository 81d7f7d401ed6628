package messaging

// Topic constants for header events
const (
	TopicHeadersFound     = "headers.found"     // noncesearch → headerverify
	TopicHeadersValidated = "headers.validated" // headerwatch, headerverify → consumers
	TopicSearchStats      = "search.stats"      // noncesearch → dashboards
)
