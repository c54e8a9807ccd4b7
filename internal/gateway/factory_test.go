package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gptbot/internal/config"
)

func TestNewExchangeFromConfig(t *testing.T) {
	for name, want := range map[string]string{"": "bybit", "Bybit": "bybit", "binance": "binance"} {
		ex, err := NewExchangeFromConfig(&config.Config{Exchange: config.ExchangeConfig{Name: name}})
		require.NoError(t, err)
		assert.Equal(t, want, ex.Name())
	}
	_, err := NewExchangeFromConfig(&config.Config{Exchange: config.ExchangeConfig{Name: "gate"}})
	assert.Error(t, err)
	_, err = NewExchangeFromConfig(nil)
	assert.Error(t, err)
}
