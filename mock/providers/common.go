package main

import (
	"encoding/json"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"
)

// wordPool feeds generated completions. Themed after the gateway so mock
// output is recognizable in logs.
var wordPool = strings.Fields(
	"the gateway routed this mock completion through a fake upstream " +
		"for local development every token here is synthetic and free " +
		"latency and errors arrive via MOCK_LATENCY_MS and MOCK_ERROR_RATE",
)

// fakeSentence returns roughly n pseudo-random words from the pool.
func fakeSentence(n int) string {
	var b strings.Builder
	for i := 0; i < n; i++ {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(wordPool[rand.IntN(len(wordPool))])
	}
	b.WriteByte('.')
	return b.String()
}

// fakeEmbedding returns a vector of the given dimension with components
// in [-1, 1).
func fakeEmbedding(dim int) []float32 {
	v := make([]float32, dim)
	for i := range v {
		v[i] = rand.Float32()*2 - 1
	}
	return v
}

func applyLatency(cfg Config) {
	if cfg.LatencyMS > 0 {
		time.Sleep(time.Duration(cfg.LatencyMS) * time.Millisecond)
	}
}

func shouldError(cfg Config) bool {
	return cfg.ErrorRate > 0 && rand.Float64() < cfg.ErrorRate
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError emits the OpenAI-style envelope. The gemini and claude mocks
// build their own error shapes on top of writeJSON instead.
func writeError(w http.ResponseWriter, status int, msg, typ string) {
	writeJSON(w, status, map[string]any{"error": map[string]string{
		"message": msg,
		"type":    typ,
		"code":    strings.ToLower(strings.ReplaceAll(typ, " ", "_")),
	}})
}
