package model

// -----------------------------------------------------------------------------
// Market Data Types
// -----------------------------------------------------------------------------

// Quote is a timestamped price/volume snapshot for a single instrument.
type Quote struct {
	InstrumentID string  `json:"contractId"`
	Price        float64 `json:"price"`
	Volume       int64   `json:"volume"`
	High         float64 `json:"high"`
	Low          float64 `json:"low"`
	ChangePct    float64 `json:"changePct"`
	Timestamp    int64   `json:"timestamp"` // ms since epoch
}

// Batch is one coalesced window of cache updates, at most one per batch
// window. Updates holds the freshest quote seen per instrument during the
// window; intermediate ticks are intentionally dropped.
type Batch struct {
	Timestamp int64            // ms since epoch, flush time
	Updates   map[string]Quote // instrument id → latest quote
}

// -----------------------------------------------------------------------------
// Downstream Wire Protocol (JSON over websocket)
// -----------------------------------------------------------------------------

// Client → server actions.
const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
	ActionHistory     = "history"
)

// ClientRequest is a message from a downstream client.
type ClientRequest struct {
	Action   string `json:"action"`
	Symbol   string `json:"symbol"`
	Interval string `json:"interval,omitempty"`
	Limit    int    `json:"limit,omitempty"`
}

// Server → client message types.
const (
	TypeMarketData    = "marketData"
	TypeMarketHistory = "marketHistory"
	TypeError         = "error"
	TypeConnection    = "connection"
)

// MarketDataMsg carries one live quote for a subscribed instrument.
type MarketDataMsg struct {
	Type       string `json:"type"`
	ContractID string `json:"contractId"`
	Data       Quote  `json:"data"`
	Timestamp  int64  `json:"timestamp"`
}

// MarketHistoryMsg carries a cached history series for one instrument.
type MarketHistoryMsg struct {
	Type   string  `json:"type"`
	Symbol string  `json:"symbol"`
	Data   []Quote `json:"data"`
}

// Error scopes, from narrowest to widest blast radius.
const (
	ScopeInstrument = "instrument"
	ScopeSession    = "session"
	ScopeConnection = "connection"
)

// ErrorMsg reports a failure to the client. Scope tells the client whether
// retrying the failed action makes sense without reconnecting.
type ErrorMsg struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Scope   string `json:"scope,omitempty"` // "instrument", "session" or "connection"
}

// ConnectionMsg reports connection lifecycle status to the client.
type ConnectionMsg struct {
	Type     string `json:"type"`
	Status   string `json:"status"` // "connected", "degraded", "reconnecting", "closed"
	ClientID string `json:"clientId"`
}

// NewMarketData builds a marketData message for a quote.
func NewMarketData(q Quote) MarketDataMsg {
	return MarketDataMsg{
		Type:       TypeMarketData,
		ContractID: q.InstrumentID,
		Data:       q,
		Timestamp:  q.Timestamp,
	}
}

// NewMarketHistory builds a marketHistory message.
func NewMarketHistory(symbol string, quotes []Quote) MarketHistoryMsg {
	return MarketHistoryMsg{
		Type:   TypeMarketHistory,
		Symbol: symbol,
		Data:   quotes,
	}
}

// NewError builds an error message with the given scope.
func NewError(scope, message string) ErrorMsg {
	return ErrorMsg{
		Type:    TypeError,
		Message: message,
		Scope:   scope,
	}
}
