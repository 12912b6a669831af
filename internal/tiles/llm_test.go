package tiles

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/fitscope/internal/breaker"
	"github.com/kalambet/fitscope/internal/ollama"
	"github.com/kalambet/fitscope/internal/proxy"
)

type stubChatter struct {
	system, user string
	fn           func(ctx context.Context) (string, error)
}

func (s *stubChatter) CompleteJSON(ctx context.Context, system, user string) (string, error) {
	s.system, s.user = system, user
	return s.fn(ctx)
}

func TestLLMAdapter_Fetch(t *testing.T) {
	chat := &stubChatter{fn: func(context.Context) (string, error) {
		return "```json\n{\"confidence\": 0.8}\n```", nil
	}}
	a := NewLLMAdapter(Competitors, "ollama", chat, 0)

	assert.Equal(t, Competitors, a.Tile())
	assert.Equal(t, "ollama", a.Source())
	assert.Equal(t, "analyze/competitors", a.Endpoint())

	raw, err := a.Fetch(context.Background(), "  dog walking app ")
	require.NoError(t, err)
	assert.JSONEq(t, `{"confidence": 0.8}`, string(raw))
	assert.Contains(t, chat.system, "Competitors tile")
	assert.Contains(t, chat.system, "existing competitors")
	assert.Equal(t, "Business idea: dog walking app", chat.user)
}

func TestLLMAdapter_RejectsProse(t *testing.T) {
	chat := &stubChatter{fn: func(context.Context) (string, error) {
		return "Sure! Here is your analysis.", nil
	}}
	_, err := NewLLMAdapter(Sentiment, "ollama", chat, 0).Fetch(context.Background(), idea)
	assert.ErrorIs(t, err, ErrMalformedPayload)
}

func TestLLMAdapter_WrapsBackendError(t *testing.T) {
	boom := errors.New("connection refused")
	chat := &stubChatter{fn: func(context.Context) (string, error) { return "", boom }}
	_, err := NewLLMAdapter(Sentiment, "ollama", chat, 0).Fetch(context.Background(), idea)
	assert.ErrorIs(t, err, boom)
}

func TestLLMAdapter_TimeoutTripsBreaker(t *testing.T) {
	chat := &stubChatter{fn: func(ctx context.Context) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}}
	a := NewLLMAdapter(Sentiment, "slow", chat, 10*time.Millisecond)

	breakers := breaker.NewRegistry(breaker.Config{Threshold: 1, Cooldown: time.Hour})
	agg, err := New(breakers, []Adapter{a})
	require.NoError(t, err)

	td, err := agg.FetchTile(context.Background(), idea, Sentiment, Options{})
	require.NoError(t, err)
	assert.True(t, td.Degraded)
	assert.Equal(t, reasonUpstreamError, td.DegradedReason)
	assert.Equal(t, breaker.Open, breakers.Get(breaker.Key{Source: "slow", Tile: string(Sentiment)}).State())
}

func TestOllamaChatter_SendsSchema(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		fmt.Fprint(w, `{"message":{"role":"assistant","content":"{\"confidence\":0.7}"},"done_reason":"stop"}`)
	}))
	defer srv.Close()

	c := OllamaChatter{Client: ollama.New(srv.URL), Model: "llama3.2"}
	out, err := c.CompleteJSON(context.Background(), "sys", "usr")
	require.NoError(t, err)
	assert.JSONEq(t, `{"confidence":0.7}`, out)

	assert.Equal(t, "llama3.2", got["model"])
	format, ok := got["format"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, format["properties"], "metrics")
	assert.Len(t, got["messages"], 2)
	assert.InDelta(t, tileTemperature, got["options"].(map[string]any)["temperature"], 1e-9)
}

func TestOllamaChatter_RejectedRequestDegradesAsRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"error":"model \"llama3.2\" not found, try pulling it first"}`)
	}))
	defer srv.Close()

	a := NewLLMAdapter(Sentiment, "ollama", OllamaChatter{Client: ollama.New(srv.URL), Model: "llama3.2"}, 0)
	agg, err := New(breaker.NewRegistry(breaker.Config{Threshold: 1, Cooldown: time.Hour}), []Adapter{a})
	require.NoError(t, err)

	td, err := agg.FetchTile(context.Background(), idea, Sentiment, Options{})
	require.NoError(t, err)
	assert.True(t, td.Degraded)
	assert.Equal(t, reasonUpstreamRejected, td.DegradedReason)
}

func TestOpenRouterChatter_UsesJSONMode(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		fmt.Fprint(w, `{"id":"gen-1","choices":[{"message":{"role":"assistant","content":"{\"confidence\":0.9}"}}]}`)
	}))
	defer srv.Close()

	c := OpenRouterChatter{Client: proxy.NewClientWithBaseURL("key", srv.URL), Model: "openai/gpt-4o-mini"}
	out, err := c.CompleteJSON(context.Background(), "sys", "usr")
	require.NoError(t, err)
	assert.JSONEq(t, `{"confidence":0.9}`, out)
	assert.Equal(t, map[string]any{"type": "json_object"}, got["response_format"])
}
