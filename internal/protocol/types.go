package protocol

// Kind tags a request with what its responses mean.
type Kind int

const (
	KindSubscribe Kind = iota + 1
	KindQuery
	KindKeepAliveResponse
)

func (k Kind) String() string {
	switch k {
	case KindSubscribe:
		return "subscribe"
	case KindQuery:
		return "query"
	case KindKeepAliveResponse:
		return "keepalive"
	default:
		return "unknown"
	}
}

// Message classes on the bus.
const (
	ClassSubscribeRequest  = "SubscribeRequest"
	ClassSubscribeSuccess  = "SubscribeSuccess"
	ClassQueryRequest      = "QueryRequest"
	ClassQuerySuccess      = "QuerySuccess"
	ClassKeepAliveRequest  = "KeepAliveRequest"
	ClassKeepAliveResponse = "KeepAliveResponse"

	// ClassOther stands in for any class the bus may add later.
	ClassOther = "other"
)

// ClassLabel bounds a peer-supplied class to the known set, for use as a
// metric label.
func ClassLabel(class string) string {
	switch class {
	case ClassSubscribeRequest, ClassSubscribeSuccess,
		ClassQueryRequest, ClassQuerySuccess,
		ClassKeepAliveRequest, ClassKeepAliveResponse:
		return class
	default:
		return ClassOther
	}
}

// Subscription topics and query models the client issues.
const (
	TopicPlaces  = "places"
	TopicDevices = "devices"

	ModelSituationProfile = "situationProfileModel"

	// EnvironmentModelID scopes subscriptions and queries to the hub's environment model.
	EnvironmentModelID = "http://iolite.de#Environment"
)
