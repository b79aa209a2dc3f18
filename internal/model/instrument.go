package model

// Instrument is an immutable descriptor for one tradeable contract.
// Loaded once from config at startup and read-only afterwards.
type Instrument struct {
	Conid    int64  `json:"conid"`
	Symbol   string `json:"symbol"`
	Exchange string `json:"exchange"`
}

// Name returns the "<symbol>.<exchange>" prefix shared by all keys and
// channels of this instrument.
func (i Instrument) Name() string {
	return i.Symbol + "." + i.Exchange
}

// Key returns the sorted-set key holding this instrument's bars. The same
// string is the pub/sub channel for normalized ticks.
func (i Instrument) Key() string {
	return i.Name() + ":TRADES"
}

// BarsChannel returns the pub/sub channel bar writes are published to.
func (i Instrument) BarsChannel() string {
	return i.Name() + ":BARS"
}
