package domain

import "time"

// PriceTick is a single streamed price update for a symbol. Sequence is the
// exchange-assigned ordering key (event time in milliseconds for feeds that
// do not number messages); the market-data layer never applies a tick whose
// sequence is below the last accepted one for the symbol.
type PriceTick struct {
	Symbol    string
	Price     float64
	Sequence  int64
	EventTime time.Time
}
