package provider

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"gptbot/internal/decision"
)

type recorded struct {
	Model       string            `json:"model"`
	Temperature *float64          `json:"temperature"`
	Format      map[string]string `json:"response_format"`
	Auth        string            `json:"-"`
}

type fakeAPI struct {
	mu       sync.Mutex
	requests []recorded
	replies  []func(w http.ResponseWriter)
}

func (f *fakeAPI) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		var rec recorded
		require.NoError(t, json.Unmarshal(body, &rec))
		rec.Auth = r.Header.Get("Authorization")
		f.mu.Lock()
		idx := len(f.requests)
		f.requests = append(f.requests, rec)
		f.mu.Unlock()
		if idx >= len(f.replies) {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		f.replies[idx](w)
	}
}

func ok(content string) func(w http.ResponseWriter) {
	return func(w http.ResponseWriter) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []any{map[string]any{"message": map[string]any{"content": content}}},
		})
	}
}

func fail(status int, body string, headers ...string) func(w http.ResponseWriter) {
	return func(w http.ResponseWriter) {
		for i := 0; i+1 < len(headers); i += 2 {
			w.Header().Set(headers[i], headers[i+1])
		}
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}
}

func newClient(url string) *OpenAIChatClient {
	return &OpenAIChatClient{
		BaseURL:       url + "/v1/",
		APIKey:        "sk-test-1234",
		Model:         "gpt-x",
		FallbackModel: "gpt-4o-mini",
		Temperature:   0.2,
		Timeout:       5 * time.Second,
		MaxRetries:    2,
		MinWait:       time.Millisecond,
		MaxWait:       2 * time.Millisecond,
	}
}

func TestCallSendsJSONMode(t *testing.T) {
	api := &fakeAPI{replies: []func(http.ResponseWriter){ok(`{"action":"do_nothing"}`)}}
	srv := httptest.NewServer(api.handler(t))
	defer srv.Close()

	out, err := newClient(srv.URL).Call(context.Background(), "sys", "user")
	require.NoError(t, err)
	assert.Equal(t, `{"action":"do_nothing"}`, out)
	require.Len(t, api.requests, 1)
	assert.Equal(t, "json_object", api.requests[0].Format["type"])
	assert.Equal(t, "Bearer sk-test-1234", api.requests[0].Auth)
	require.NotNil(t, api.requests[0].Temperature)
	assert.InDelta(t, 0.2, *api.requests[0].Temperature, 1e-9)
}

func TestCallRetriesRateLimit(t *testing.T) {
	api := &fakeAPI{replies: []func(http.ResponseWriter){
		fail(429, `{"error":{"message":"slow down"}}`, "Retry-After", "0"),
		fail(503, `upstream`),
		ok(`{}`),
	}}
	srv := httptest.NewServer(api.handler(t))
	defer srv.Close()

	out, err := newClient(srv.URL).Call(context.Background(), "", "u")
	require.NoError(t, err)
	assert.Equal(t, "{}", out)
	assert.Len(t, api.requests, 3)
}

func TestCallGivesUpAfterRetries(t *testing.T) {
	api := &fakeAPI{}
	srv := httptest.NewServer(api.handler(t))
	defer srv.Close()

	_, err := newClient(srv.URL).Call(context.Background(), "", "u")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 500, apiErr.Status)
	assert.Len(t, api.requests, 3)
}

func TestCallDoesNotRetryClientErrors(t *testing.T) {
	api := &fakeAPI{replies: []func(http.ResponseWriter){
		fail(401, `{"error":{"message":"bad key","code":"invalid_api_key"}}`),
	}}
	srv := httptest.NewServer(api.handler(t))
	defer srv.Close()

	_, err := newClient(srv.URL).Call(context.Background(), "", "u")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid_api_key")
	assert.Len(t, api.requests, 1)
}

func TestCallDropsRejectedTemperature(t *testing.T) {
	api := &fakeAPI{replies: []func(http.ResponseWriter){
		fail(400, `{"error":{"message":"Unsupported value: 'temperature'","param":"temperature"}}`),
		ok(`{}`),
	}}
	srv := httptest.NewServer(api.handler(t))
	defer srv.Close()

	_, err := newClient(srv.URL).Call(context.Background(), "", "u")
	require.NoError(t, err)
	require.Len(t, api.requests, 2)
	assert.NotNil(t, api.requests[0].Temperature)
	assert.Nil(t, api.requests[1].Temperature)
}

func TestCallFallsBackOnUnknownModel(t *testing.T) {
	api := &fakeAPI{replies: []func(http.ResponseWriter){
		fail(404, `{"error":{"message":"The model gpt-x does not exist","code":"model_not_found"}}`),
		ok(`{}`),
	}}
	srv := httptest.NewServer(api.handler(t))
	defer srv.Close()

	_, err := newClient(srv.URL).Call(context.Background(), "", "u")
	require.NoError(t, err)
	require.Len(t, api.requests, 2)
	assert.Equal(t, "gpt-x", api.requests[0].Model)
	assert.Equal(t, "gpt-4o-mini", api.requests[1].Model)
}

func TestEndpointNormalization(t *testing.T) {
	c := &OpenAIChatClient{BaseURL: "https://llm.local/v1/chat/completions/"}
	assert.Equal(t, "https://llm.local/v1/chat/completions", c.endpoint())
	assert.Equal(t, defaultBaseURL+"/chat/completions", (&OpenAIChatClient{}).endpoint())
	assert.Equal(t, "****1234", maskSecret("sk-test-1234"))
}

type mockCaller struct{ mock.Mock }

func (m *mockCaller) Call(ctx context.Context, system, user string) (string, error) {
	args := m.Called(ctx, system, user)
	return args.String(0), args.Error(1)
}

func TestDecideRetriesOnceWithStrictHint(t *testing.T) {
	caller := &mockCaller{}
	d, err := NewDecider(caller, "gpt-x", "")
	require.NoError(t, err)
	assert.Contains(t, d.SystemPrompt(), "idempotency_key")
	assert.Contains(t, d.SystemPrompt(), `"$schema"`)

	caller.On("Call", mock.Anything, d.SystemPrompt(), mock.MatchedBy(func(u string) bool {
		return !containsHint(u)
	})).Return("Sure! ```json {}```", nil).Once()
	caller.On("Call", mock.Anything, d.SystemPrompt(), mock.MatchedBy(containsHint)).
		Return(`{"action":"do_nothing","idempotency_key":"k","params":{}}`, nil).Once()

	raw, err := d.Decide(context.Background(), Request{
		Symbol:   "BTCUSDT",
		Policy:   PolicyView{AllowedActions: []decision.Action{decision.ActionDoNothing}},
		Counters: Counters{RemainingInfoRequests: 0},
		Notice:   "terminal action required",
	})
	require.NoError(t, err)
	assert.Contains(t, raw, "do_nothing")
	caller.AssertExpectations(t)
}

func TestDecideMarshalsContract(t *testing.T) {
	caller := &mockCaller{}
	d, err := NewDecider(caller, "gpt-x", "")
	require.NoError(t, err)
	var user string
	caller.On("Call", mock.Anything, mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		user = args.String(2)
	}).Return(`{"action":"do_nothing","idempotency_key":"k","params":{}}`, nil).Once()

	_, err = d.Decide(context.Background(), Request{
		MarketSnapshot: map[string]any{"symbol": "BTCUSDT"},
		Counters:       Counters{RemainingInfoRequests: 3, Round: 1},
		ExtraData:      map[string]any{"ticker": 1},
	})
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal([]byte(user), &m))
	assert.Contains(t, m, "market_snapshot")
	assert.Contains(t, m, "policy")
	assert.Contains(t, m, "extra_data")
	assert.NotContains(t, m, "_notice")
	assert.EqualValues(t, 3, m["counters"].(map[string]any)["remaining_info_requests"])
	caller.AssertNumberOfCalls(t, "Call", 1)
}

func TestDeciderCustomPrompt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prompt.md")
	require.NoError(t, os.WriteFile(path, []byte("be careful"), 0o600))
	d, err := NewDecider(&mockCaller{}, "m", path)
	require.NoError(t, err)
	assert.Contains(t, d.SystemPrompt(), "be careful")

	_, err = NewDecider(&mockCaller{}, "m", filepath.Join(t.TempDir(), "missing.md"))
	assert.Error(t, err)
}

func containsHint(u string) bool {
	return len(u) >= len(strictJSONHint) && u[len(u)-len(strictJSONHint):] == strictJSONHint
}
