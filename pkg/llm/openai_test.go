package llm

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/atlashq/atlas/pkg/config"
	"github.com/atlashq/atlas/pkg/httpclient"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *OpenAIClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewOpenAIClient(&config.LLMConfig{
		Host:       srv.URL,
		APIKey:     "test-key",
		Model:      "gpt-4o",
		MaxRetries: 1,
	})
}

func TestCompleteReturnsTextReply(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("auth header = %q", got)
		}

		var req openAIRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if req.Model != "gpt-4o" {
			t.Errorf("model = %q", req.Model)
		}
		if len(req.Tools) != 1 || req.ToolChoice != "auto" {
			t.Errorf("tools = %+v choice = %q", req.Tools, req.ToolChoice)
		}

		_ = json.NewEncoder(w).Encode(openAIResponse{
			Choices: []openAIChoice{{Message: openAIMessage{Role: "assistant", Content: "hello"}}},
			Usage:   openAIUsage{TotalTokens: 42},
		})
	})

	completion, err := client.Complete(t.Context(),
		[]Message{{Role: RoleUser, Content: "hi"}},
		[]ToolDefinition{{Name: "sales__query_sql"}},
	)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if completion.Content != "hello" || completion.Tokens != 42 {
		t.Errorf("completion = %+v", completion)
	}
	if len(completion.ToolCalls) != 0 {
		t.Errorf("unexpected tool calls: %+v", completion.ToolCalls)
	}
}

func TestCompletePreservesToolCallIDs(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(openAIResponse{
			Choices: []openAIChoice{{Message: openAIMessage{
				Role: "assistant",
				ToolCalls: []openAIToolCall{{
					ID:   "call_abc123",
					Type: "function",
					Function: openAIFunctionCall{
						Name:      "sales__query_sql",
						Arguments: `{"query":"SELECT 1"}`,
					},
				}},
			}}},
		})
	})

	completion, err := client.Complete(t.Context(), []Message{{Role: RoleUser, Content: "count"}}, nil)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if len(completion.ToolCalls) != 1 {
		t.Fatalf("tool calls = %+v", completion.ToolCalls)
	}
	tc := completion.ToolCalls[0]
	if tc.ID != "call_abc123" {
		t.Errorf("id = %q, want the provider's id unchanged", tc.ID)
	}
	if tc.Name != "sales__query_sql" || tc.Arguments != `{"query":"SELECT 1"}` {
		t.Errorf("tool call = %+v", tc)
	}
}

func TestCompleteMalformedBodyIsTypedError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("not json at all"))
	})

	_, err := client.Complete(t.Context(), []Message{{Role: RoleUser, Content: "hi"}}, nil)
	if !errors.Is(err, ErrMalformedResponse) {
		t.Fatalf("err = %v, want ErrMalformedResponse", err)
	}
}

func TestCompleteNoChoicesIsTypedError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(openAIResponse{})
	})

	_, err := client.Complete(t.Context(), []Message{{Role: RoleUser, Content: "hi"}}, nil)
	if !errors.Is(err, ErrMalformedResponse) {
		t.Fatalf("err = %v, want ErrMalformedResponse", err)
	}
}

type recordedBody struct {
	io.Reader
	closed bool
}

func (b *recordedBody) Close() error {
	b.closed = true
	return nil
}

type fixedTransport struct {
	status int
	body   io.ReadCloser
}

func (tr *fixedTransport) RoundTrip(*http.Request) (*http.Response, error) {
	return &http.Response{
		StatusCode: tr.status,
		Status:     http.StatusText(tr.status),
		Header:     http.Header{},
		Body:       tr.body,
	}, nil
}

func TestCompleteClosesBodyOnErrorStatus(t *testing.T) {
	// A 4xx is not retried, so Do hands back the response together with
	// the error; the body must still be closed.
	body := &recordedBody{Reader: strings.NewReader(`{"error":{"message":"bad request"}}`)}
	client := &OpenAIClient{
		cfg: &config.LLMConfig{Host: "http://llm.internal", Model: "gpt-4o"},
		httpClient: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{
				Transport: &fixedTransport{status: http.StatusBadRequest, body: body},
			}),
			httpclient.WithMaxRetries(1),
		),
	}

	_, err := client.Complete(t.Context(), []Message{{Role: RoleUser, Content: "hi"}}, nil)
	if err == nil {
		t.Fatal("expected error for HTTP 400")
	}
	if !body.closed {
		t.Error("response body left open on error return")
	}
}

func TestCompleteSurfacesAPIError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(openAIResponse{
			Error: &openAIError{Type: "invalid_request_error", Message: "bad model"},
		})
	})

	_, err := client.Complete(t.Context(), []Message{{Role: RoleUser, Content: "hi"}}, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if errors.Is(err, ErrMalformedResponse) {
		t.Error("API errors are not malformed responses")
	}
}
