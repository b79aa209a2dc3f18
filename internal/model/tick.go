package model

import "encoding/json"

// Tick is a normalized last-trade event as republished on the ":TRADES"
// channel. Price is forwarded exactly as the broker sent it (field "31" may
// arrive as a number or a string), so it is kept as raw JSON.
type Tick struct {
	DT     string          `json:"dt"`
	Price  json.RawMessage `json:"price"`
	Conid  int64           `json:"conid"`
	Symbol string          `json:"symbol"`
}

// Encode returns the JSON payload published to subscribers.
func (t *Tick) Encode() []byte {
	out, _ := json.Marshal(t)
	return out
}
