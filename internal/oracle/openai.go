package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
	"github.com/tidwall/gjson"
)

func init() {
	Register("openai", newOpenAI, "openai-compatible")
}

const systemPrompt = "You are a careful judge. Always answer with a single JSON object and nothing else."

type openAIInvoker struct {
	client      openai.Client
	model       string
	temperature float64
}

func newOpenAI(cfg Config) (Invoker, error) {
	if cfg.APIKey == "" && cfg.BaseURL == "" {
		return nil, errors.New("oracle: openai provider needs an API key or a base URL")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	// Retries belong to the consensus resolver, not to a single invocation.
	opts := []option.RequestOption{
		option.WithMaxRetries(0),
		option.WithHTTPClient(&http.Client{Timeout: timeout}),
	}
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		base := cfg.BaseURL
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		opts = append(opts, option.WithBaseURL(base))
	}

	model := cfg.Model
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &openAIInvoker{
		client:      openai.NewClient(opts...),
		model:       model,
		temperature: cfg.Temperature,
	}, nil
}

func (o *openAIInvoker) Invoke(ctx context.Context, prompt string, format Format) (json.RawMessage, error) {
	if format != FormatJSON {
		return nil, oracleErr("invoke oracle", fmt.Errorf("unsupported response format %q", format))
	}

	resp, err := o.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: shared.ChatModel(o.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(prompt),
		},
		Temperature: openai.Float(o.temperature),
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		},
	})
	if err != nil {
		return nil, oracleErr("invoke oracle", err)
	}
	if len(resp.Choices) == 0 {
		return nil, oracleErr("invoke oracle", errors.New("no choices in response"))
	}

	content := extractJSON(resp.Choices[0].Message.Content)
	if !gjson.Valid(content) || !gjson.Parse(content).IsObject() {
		return nil, oracleErr("invoke oracle", fmt.Errorf("response is not a JSON object: %.200q", content))
	}
	return json.RawMessage(content), nil
}
