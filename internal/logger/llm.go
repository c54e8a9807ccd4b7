package logger

import (
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
)

var (
	llmMu          sync.Mutex
	llmLog         *log.Logger
	llmDumpPayload bool
)

// SetLLMWriter routes model request/response dumps to w. nil disables dumps.
func SetLLMWriter(w io.Writer) {
	llmMu.Lock()
	defer llmMu.Unlock()
	if w == nil {
		llmLog = nil
		return
	}
	llmLog = log.New(w, "", log.LstdFlags)
}

func EnableLLMPayloadDump(enabled bool) {
	llmMu.Lock()
	llmDumpPayload = enabled
	llmMu.Unlock()
}

type llmSection struct {
	Title string
	Body  string
}

func writeLLM(tags []string, sections []llmSection) {
	llmMu.Lock()
	l := llmLog
	llmMu.Unlock()
	if l == nil {
		return
	}
	var b strings.Builder
	b.WriteString("[LLM]")
	for _, tag := range tags {
		if tag == "" {
			continue
		}
		fmt.Fprintf(&b, "[%s]", tag)
	}
	b.WriteString("\n")
	for _, sec := range sections {
		title := strings.TrimSpace(sec.Title)
		if title == "" {
			title = "CONTENT"
		}
		fmt.Fprintf(&b, "--- %s ---\n", title)
		b.WriteString(sec.Body)
		if !strings.HasSuffix(sec.Body, "\n") {
			b.WriteString("\n")
		}
	}
	b.WriteString("=====\n")
	l.Print(b.String())
}

// LogLLMRequest dumps the prompt pair. The serialized payload is included only
// when payload dumping is enabled.
func LogLLMRequest(model, symbol, cycleID, systemPrompt, userPrompt string) {
	sections := []llmSection{{Title: "SYSTEM", Body: systemPrompt}}
	llmMu.Lock()
	dump := llmDumpPayload
	llmMu.Unlock()
	if dump {
		sections = append(sections, llmSection{Title: "USER", Body: userPrompt})
	} else {
		sections = append(sections, llmSection{Title: "USER", Body: fmt.Sprintf("<%d bytes>", len(userPrompt))})
	}
	writeLLM([]string{"request", model, symbol, cycleID}, sections)
}

func LogLLMResponse(model, symbol, cycleID, raw string) {
	writeLLM([]string{"response", model, symbol, cycleID}, []llmSection{{Title: "RAW", Body: raw}})
}
