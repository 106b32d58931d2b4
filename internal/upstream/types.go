package upstream

// Numeric field codes understood by the snapshot endpoint. The gateway
// selects response fields by code, not by name.
const (
	FieldLastPrice = "31"
	FieldHigh      = "70"
	FieldLow       = "71"
	FieldChangePct = "83"
	FieldVolume    = "87"
)

// SnapshotFields is the field-code set requested on every poll.
var SnapshotFields = []string{
	FieldLastPrice,
	FieldHigh,
	FieldLow,
	FieldChangePct,
	FieldVolume,
}

// authRequest is the wire payload for POST /session.
type authRequest struct {
	UserID string `json:"userId"`
}

// authResponse is the wire payload returned by POST /session.
type authResponse struct {
	Token         string `json:"token"`
	Authenticated bool   `json:"authenticated"`
}

// tickleResponse is the wire payload returned by POST /tickle.
type tickleResponse struct {
	Alive bool `json:"alive"`
}

// snapshotWire is one instrument entry in a snapshot response, fields
// keyed by numeric code.
type snapshotWire struct {
	ConID     string  `json:"conid"`
	Last      float64 `json:"31"`
	High      float64 `json:"70"`
	Low       float64 `json:"71"`
	ChangePct float64 `json:"83"`
	Volume    int64   `json:"87"`
	UpdatedMS int64   `json:"_updated"`
}

// subscribeRequest is the wire payload for POST /subscriptions.
type subscribeRequest struct {
	ConIDs []string `json:"conids"`
}

// SubscribeResult is the per-instrument outcome of a batched subscribe
// round trip. Err is empty on success.
type SubscribeResult struct {
	ConID          string `json:"conid"`
	SubscriptionID string `json:"subscriptionId"`
	Err            string `json:"error,omitempty"`
}

// subscribeResponse is the wire payload returned by POST /subscriptions.
type subscribeResponse struct {
	Results []SubscribeResult `json:"results"`
}

// unsubscribeRequest is the wire payload for POST /subscriptions/delete.
type unsubscribeRequest struct {
	SubscriptionIDs []string `json:"subscriptionIds"`
}
