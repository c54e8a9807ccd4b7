package logger

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetLevelFiltersDebug(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(nil)

	SetLevel("info")
	Debugf("hidden %d", 1)
	Infof("shown %d", 2)
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown 2")

	SetLevel("debug")
	Debugf("now visible")
	assert.Contains(t, buf.String(), "now visible")
	SetLevel("info")
}

func TestWithFieldsRendersKeys(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(nil)

	WithFields(Fields{"symbol": "BTCUSDT", "rule": "InvalidBracket"}).Warn("decision rejected")
	out := buf.String()
	assert.Contains(t, out, "symbol=BTCUSDT")
	assert.Contains(t, out, "rule=InvalidBracket")
	assert.Contains(t, out, "decision rejected")
}

func TestSetupWritesRotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "bot.log")
	require.NoError(t, Setup(Options{Level: "info", Format: "json", Path: path, MaxSizeMB: 1, MaxBackups: 1}))
	defer func() {
		_ = Close()
		SetOutput(nil)
	}()
	Infof("hello file")
	assert.FileExists(t, path)
}

func TestLLMDumpSections(t *testing.T) {
	var buf bytes.Buffer
	SetLLMWriter(&buf)
	defer SetLLMWriter(nil)

	EnableLLMPayloadDump(false)
	LogLLMRequest("gpt-4o-mini", "BTCUSDT", "c1", "sys", "user-payload")
	assert.Contains(t, buf.String(), "[LLM][request][gpt-4o-mini][BTCUSDT][c1]")
	assert.Contains(t, buf.String(), "<12 bytes>")
	assert.NotContains(t, buf.String(), "user-payload")

	buf.Reset()
	EnableLLMPayloadDump(true)
	LogLLMRequest("m", "s", "c", "sys", "user-payload")
	assert.Contains(t, buf.String(), "user-payload")
	EnableLLMPayloadDump(false)

	buf.Reset()
	LogLLMResponse("m", "s", "c", `{"action":"do_nothing"}`)
	assert.Contains(t, buf.String(), "--- RAW ---")
}
