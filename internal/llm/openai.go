package llm

import (
	"context"
	"fmt"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/packages/ssestream"
	"github.com/openai/openai-go/v3/shared"
)

// OpenAIProvider adapts the openai-go client (or any OpenAI-compatible
// endpoint via base URL override) to the Provider interface.
type OpenAIProvider struct {
	client       openai.Client
	defaultModel string
}

// NewOpenAIProvider creates a provider. baseURL may be empty for the
// hosted API.
func NewOpenAIProvider(apiKey, baseURL, defaultModel string) *OpenAIProvider {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAIProvider{
		client:       openai.NewClient(opts...),
		defaultModel: defaultModel,
	}
}

var _ Provider = (*OpenAIProvider)(nil)

func (p *OpenAIProvider) DefaultModel() string { return p.defaultModel }

// Complete opens a streaming chat completion.
func (p *OpenAIProvider) Complete(ctx context.Context, req CompletionRequest) (Stream, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, fmt.Errorf("llm.Complete: %w", err)
	}
	raw := p.client.Chat.Completions.NewStreaming(ctx, *params)
	return &openaiStream{raw: raw}, nil
}

func (p *OpenAIProvider) buildParams(req CompletionRequest) (*openai.ChatCompletionNewParams, error) {
	params := &openai.ChatCompletionNewParams{}
	params.Model = req.Model
	if params.Model == "" {
		params.Model = p.defaultModel
	}
	if req.Temperature != nil {
		params.Temperature = openai.Float(*req.Temperature)
	}
	if req.MaxTokens != nil {
		params.MaxTokens = openai.Int(int64(*req.MaxTokens))
	}

	for _, m := range req.Messages {
		union, err := toMessageParam(m)
		if err != nil {
			return nil, err
		}
		params.Messages = append(params.Messages, union)
	}

	for _, t := range req.Tools {
		params.Tools = append(params.Tools, openai.ChatCompletionFunctionTool(shared.FunctionDefinitionParam{
			Name:        t.Name,
			Description: openai.String(t.Description),
			Parameters:  t.Parameters,
		}))
	}

	if tc := req.ToolChoice; tc != nil {
		if tc.ForcedTool != "" {
			params.ToolChoice = openai.ChatCompletionToolChoiceOptionUnionParam{
				OfFunctionToolChoice: &openai.ChatCompletionNamedToolChoiceParam{
					Function: openai.ChatCompletionNamedToolChoiceFunctionParam{Name: tc.ForcedTool},
				},
			}
		} else if tc.Mode != "" {
			params.ToolChoice = openai.ChatCompletionToolChoiceOptionUnionParam{
				OfAuto: openai.String(tc.Mode),
			}
		}
	}

	if req.JSONResponse {
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		}
	}

	return params, nil
}

func toMessageParam(m Message) (openai.ChatCompletionMessageParamUnion, error) {
	switch m.Role {
	case RoleSystem:
		return openai.SystemMessage(m.Content), nil
	case RoleUser:
		return openai.UserMessage(m.Content), nil
	case RoleAssistant:
		if len(m.ToolCalls) == 0 {
			return openai.AssistantMessage(m.Content), nil
		}
		asst := openai.ChatCompletionAssistantMessageParam{}
		if m.Content != "" {
			asst.Content.OfString = openai.String(m.Content)
		}
		for _, tc := range m.ToolCalls {
			asst.ToolCalls = append(asst.ToolCalls, openai.ChatCompletionMessageToolCallUnionParam{
				OfFunction: &openai.ChatCompletionMessageFunctionToolCallParam{
					ID: tc.ID,
					Function: openai.ChatCompletionMessageFunctionToolCallFunctionParam{
						Name:      tc.Name,
						Arguments: tc.Arguments,
					},
				},
			})
		}
		return openai.ChatCompletionMessageParamUnion{OfAssistant: &asst}, nil
	case RoleTool:
		return openai.ToolMessage(m.Content, m.ToolCallID), nil
	default:
		return openai.ChatCompletionMessageParamUnion{}, fmt.Errorf("unknown role %q", m.Role)
	}
}

// openaiStream adapts the SSE stream to the Stream interface.
type openaiStream struct {
	raw     *ssestream.Stream[openai.ChatCompletionChunk]
	current StreamChunk
}

func (s *openaiStream) Next() bool {
	if !s.raw.Next() {
		return false
	}
	chunk := s.raw.Current()
	out := StreamChunk{}
	if len(chunk.Choices) > 0 {
		choice := chunk.Choices[0]
		out.Content = choice.Delta.Content
		out.FinishReason = choice.FinishReason
		for _, tc := range choice.Delta.ToolCalls {
			out.ToolCallDeltas = append(out.ToolCallDeltas, ToolCallDelta{
				Index:     int(tc.Index),
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			})
		}
	}
	s.current = out
	return true
}

func (s *openaiStream) Current() StreamChunk { return s.current }
func (s *openaiStream) Err() error           { return s.raw.Err() }
func (s *openaiStream) Close() error         { return s.raw.Close() }
