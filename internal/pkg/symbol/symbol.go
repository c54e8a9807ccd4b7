package symbol

import "strings"

type Symbol struct {
	Base  string
	Quote string
}

// Exchange returns the concatenated form both Bybit linear and Binance
// USD-M futures use, e.g. BTCUSDT.
func (s Symbol) Exchange() string {
	if s.Base == "" || s.Quote == "" {
		return ""
	}
	return s.Base + s.Quote
}

var quoteCurrencies = []string{"USDT", "USDC", "BUSD", "USD", "BTC", "ETH"}

var separators = strings.NewReplacer("-", "/", "_", "/")

// Parse accepts "ETH/USDT:USDT", "ETH-USDT" and "ETHUSDT".
func Parse(s string) Symbol {
	s = separators.Replace(strings.ToUpper(strings.TrimSpace(s)))
	if s == "" {
		return Symbol{}
	}
	if idx := strings.Index(s, ":"); idx >= 0 {
		s = s[:idx]
	}
	if parts := strings.SplitN(s, "/", 2); len(parts) == 2 {
		return Symbol{Base: strings.TrimSpace(parts[0]), Quote: strings.TrimSpace(parts[1])}
	}
	for _, quote := range quoteCurrencies {
		if strings.HasSuffix(s, quote) && len(s) > len(quote) {
			return Symbol{Base: s[:len(s)-len(quote)], Quote: quote}
		}
	}
	return Symbol{}
}

// Normalize converts any accepted form into the exchange form. Unknown input
// is upper-cased and returned unchanged.
func Normalize(s string) string {
	if ex := Parse(s).Exchange(); ex != "" {
		return ex
	}
	return strings.ToUpper(strings.TrimSpace(s))
}

func IsValid(s string) bool {
	sym := Parse(s)
	return sym.Base != "" && sym.Quote != ""
}
