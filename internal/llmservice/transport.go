package llmservice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

type topPKey struct{}

func withTopP(ctx context.Context, topP float64) context.Context {
	return context.WithValue(ctx, topPKey{}, topP)
}

// samplingTransport adds top_p to chat completion requests. The openai client
// builds its request body without it.
type samplingTransport struct {
	client *http.Client
}

func (t samplingTransport) Do(req *http.Request) (*http.Response, error) {
	topP, ok := req.Context().Value(topPKey{}).(float64)
	if !ok || req.Body == nil || !strings.HasSuffix(req.URL.Path, "/chat/completions") {
		return t.client.Do(req)
	}

	body, err := io.ReadAll(req.Body)
	req.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to read chat request: %w", err)
	}

	var payload map[string]json.RawMessage
	if err := json.Unmarshal(body, &payload); err == nil {
		if _, set := payload["top_p"]; !set {
			payload["top_p"], _ = json.Marshal(topP)
			if patched, err := json.Marshal(payload); err == nil {
				body = patched
			}
		}
	}

	req.Body = io.NopCloser(bytes.NewReader(body))
	req.ContentLength = int64(len(body))
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	return t.client.Do(req)
}
