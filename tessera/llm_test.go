package tessera

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"testing"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

// mockOpenAIClient allows chat completion and embedding responses (or
// errors) to be registered in advance, so components that depend on the
// OpenAI API can be tested without making actual API calls.
//
// Chat completions are answered by looking up the newest user message:
// ToolCallResponses entries produce a create_ticket tool call,
// PromptResponses entries produce a plain assistant reply, and unknown
// prompts get a canned fallback. ChatCompletionResponse, when set,
// short-circuits the lookup entirely. ChatCompletionErrors is a queue
// drained one entry per call, which lets tests script a failure
// followed by a successful retry.
//
// Embeddings default to deterministic vectors derived from each input,
// one per input, unless EmbeddingResponse or EmbeddingError is set.
type mockOpenAIClient struct {
	OpenAIClient

	PromptResponses   map[string]string
	ToolCallResponses map[string]createTicketArgs

	ChatCompletionResponse *openai.ChatCompletionResponse
	ChatCompletionErrors   []error

	EmbeddingResponse *openai.EmbeddingResponse
	EmbeddingError    error

	// CompletionRequests records every chat completion request
	// received, in order.
	CompletionRequests []openai.ChatCompletionRequest

	// EmbeddingInputs records the string inputs of every embedding
	// request received.
	EmbeddingInputs [][]string

	ids *commandData
	t   testing.TB
	mu  sync.RWMutex
}

func newMockOpenAIClient(t testing.TB, ids *commandData) *mockOpenAIClient {
	t.Helper()
	if ids == nil {
		cmdData := newCommandData(t)
		ids = &cmdData
	}
	mockClient := &mockOpenAIClient{
		ids:               ids,
		t:                 t,
		ToolCallResponses: map[string]createTicketArgs{},
		PromptResponses: map[string]string{
			t.Name(): fmt.Sprintf("I don't know anything about %s", t.Name()),
		},
	}
	mockClient.PromptResponses["where is the beef?"] = "The 'beef' is a lie."
	return mockClient
}

// latestUserMessage returns the content of the newest user-role message
// in the request.
func latestUserMessage(request openai.ChatCompletionRequest) string {
	for i := len(request.Messages) - 1; i >= 0; i-- {
		if request.Messages[i].Role == chatRoleUser {
			return request.Messages[i].Content
		}
	}
	return ""
}

func (m *mockOpenAIClient) CreateChatCompletion(
	_ context.Context,
	request openai.ChatCompletionRequest,
) (openai.ChatCompletionResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CompletionRequests = append(m.CompletionRequests, request)

	if len(m.ChatCompletionErrors) > 0 {
		err := m.ChatCompletionErrors[0]
		m.ChatCompletionErrors = m.ChatCompletionErrors[1:]
		if err != nil {
			return openai.ChatCompletionResponse{}, err
		}
	}
	if m.ChatCompletionResponse != nil {
		return *m.ChatCompletionResponse, nil
	}

	prompt := latestUserMessage(request)
	usage := openai.Usage{PromptTokens: 9, CompletionTokens: 12, TotalTokens: 21}

	if args, ok := m.ToolCallResponses[prompt]; ok {
		arguments, err := json.Marshal(args)
		if err != nil {
			m.t.Fatalf("error marshaling tool call arguments: %v", err)
		}
		return openai.ChatCompletionResponse{
			ID:    fmt.Sprintf("chatcmpl_%s", m.ids.InteractionID),
			Model: request.Model,
			Choices: []openai.ChatCompletionChoice{
				{
					Message: openai.ChatCompletionMessage{
						Role: chatRoleAssistant,
						ToolCalls: []openai.ToolCall{
							{
								ID:   fmt.Sprintf("call_%s", m.ids.InteractionID),
								Type: openai.ToolTypeFunction,
								Function: openai.FunctionCall{
									Name:      createTicketToolName,
									Arguments: string(arguments),
								},
							},
						},
					},
					FinishReason: openai.FinishReasonToolCalls,
				},
			},
			Usage: usage,
		}, nil
	}

	content, ok := m.PromptResponses[prompt]
	if !ok {
		content = fmt.Sprintf("I don't know anything about %s", prompt)
	}
	return openai.ChatCompletionResponse{
		ID:    fmt.Sprintf("chatcmpl_%s", m.ids.InteractionID),
		Model: request.Model,
		Choices: []openai.ChatCompletionChoice{
			{
				Message: openai.ChatCompletionMessage{
					Role:    chatRoleAssistant,
					Content: content,
				},
				FinishReason: openai.FinishReasonStop,
			},
		},
		Usage: usage,
	}, nil
}

func (m *mockOpenAIClient) CreateEmbeddings(
	_ context.Context,
	request openai.EmbeddingRequestConverter,
) (openai.EmbeddingResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	converted := request.Convert()
	inputs, _ := converted.Input.([]string)
	m.EmbeddingInputs = append(m.EmbeddingInputs, inputs)

	if m.EmbeddingError != nil {
		return openai.EmbeddingResponse{}, m.EmbeddingError
	}
	if m.EmbeddingResponse != nil {
		return *m.EmbeddingResponse, nil
	}

	data := make([]openai.Embedding, len(inputs))
	for i := range inputs {
		data[i] = openai.Embedding{
			Index:     i,
			Embedding: mockEmbeddingVector(inputs[i]),
		}
	}
	return openai.EmbeddingResponse{
		Object: "list",
		Data:   data,
		Model:  converted.Model,
		Usage:  openai.Usage{PromptTokens: len(inputs), TotalTokens: len(inputs)},
	}, nil
}

// mockEmbeddingVector derives a deterministic vector from the input, so
// tests can compare embeddings without real API calls.
func mockEmbeddingVector(input string) []float32 {
	sum := sha256.Sum256([]byte(input))
	vec := make([]float32, 8)
	for i := range vec {
		vec[i] = float32(sum[i]) / 255
	}
	return vec
}

// newTestLLM builds an LLM over the mock client, with call records
// written to a fresh sqlite database.
func newTestLLM(t testing.TB) (*LLM, *mockOpenAIClient, *gorm.DB) {
	t.Helper()
	db := gormDB(t)
	bot := &Tessera{
		db:      db,
		writeDB: NewDatabase(db, slog.Default(), false),
		logger:  slog.Default().With("test", t.Name()),
	}
	mockClient := newMockOpenAIClient(t, nil)
	l := &LLM{
		client:         mockClient,
		config:         DefaultConfig().OpenAI,
		logger:         slog.Default().With(loggerNameKey, "openai"),
		requestLimiter: rate.NewLimiter(rate.Inf, 1),
		t:              bot,
		mu:             &sync.RWMutex{},
	}
	return l, mockClient, db
}

func TestRetryableOpenAIError(t *testing.T) {
	testCases := []struct {
		name      string
		err       error
		retryable bool
	}{
		{
			name:      "rate limited",
			err:       &openai.APIError{HTTPStatusCode: http.StatusTooManyRequests},
			retryable: true,
		},
		{
			name:      "server error",
			err:       &openai.APIError{HTTPStatusCode: http.StatusInternalServerError},
			retryable: true,
		},
		{
			name:      "bad gateway",
			err:       &openai.APIError{HTTPStatusCode: http.StatusBadGateway},
			retryable: true,
		},
		{
			name:      "bad request",
			err:       &openai.APIError{HTTPStatusCode: http.StatusBadRequest},
			retryable: false,
		},
		{
			name:      "unauthorized",
			err:       &openai.APIError{HTTPStatusCode: http.StatusUnauthorized},
			retryable: false,
		},
		{
			name: "wrapped api error",
			err: fmt.Errorf(
				"attempt failed: %w",
				&openai.APIError{HTTPStatusCode: http.StatusServiceUnavailable},
			),
			retryable: true,
		},
		{
			name:      "plain error",
			err:       errors.New("connection refused"),
			retryable: false,
		},
		{
			name:      "nil",
			err:       nil,
			retryable: false,
		},
	}

	for _, tc := range testCases {
		t.Run(
			tc.name, func(t *testing.T) {
				assert.Equal(t, tc.retryable, retryableOpenAIError(tc.err))
			},
		)
	}
}

func TestLLM_ChatCompletion(t *testing.T) {
	l, mockClient, db := newTestLLM(t)
	ctx := context.Background()

	prompt := "how do I reset my password?"
	mockClient.PromptResponses[prompt] = "Use the /reset command."

	resp, err := l.ChatCompletion(
		ctx, "user1", "guild1", openai.ChatCompletionRequest{
			Model: DefaultOpenAIModel,
			Messages: []openai.ChatCompletionMessage{
				{Role: chatRoleSystem, Content: "be helpful"},
				{Role: chatRoleUser, Content: prompt},
			},
		},
	)
	require.NoError(t, err)
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, "Use the /reset command.", resp.Choices[0].Message.Content)

	require.Len(t, mockClient.CompletionRequests, 1)
	assert.Equal(t, prompt, latestUserMessage(mockClient.CompletionRequests[0]))

	// the call is recorded whether it succeeded or not
	var calls []LLMCall
	require.NoError(t, db.Find(&calls).Error)
	require.Len(t, calls, 1)
	call := calls[0]
	assert.Equal(t, llmCallKindCompletion, call.Kind)
	assert.Equal(t, DefaultOpenAIModel, call.Model)
	assert.Equal(t, "user1", call.UserID)
	assert.Equal(t, "guild1", call.GuildID)
	assert.Equal(t, 1, call.Attempts)
	assert.Equal(t, resp.Usage.PromptTokens, call.PromptTokens)
	assert.Equal(t, resp.Usage.CompletionTokens, call.CompletionTokens)
	assert.Equal(t, resp.Usage.TotalTokens, call.TotalTokens)
	assert.NotEmpty(t, call.RequestBody)
	assert.NotEmpty(t, call.ResponseBody)
	assert.Empty(t, call.Error)
	assert.GreaterOrEqual(t, call.RequestEnded, call.RequestStarted)
}

func TestLLM_ChatCompletion_RetriesRateLimits(t *testing.T) {
	l, mockClient, db := newTestLLM(t)
	ctx := context.Background()

	mockClient.ChatCompletionErrors = []error{
		&openai.APIError{HTTPStatusCode: http.StatusTooManyRequests},
	}

	resp, err := l.ChatCompletion(
		ctx, "user1", "guild1", openai.ChatCompletionRequest{
			Model: DefaultOpenAIModel,
			Messages: []openai.ChatCompletionMessage{
				{Role: chatRoleUser, Content: "where is the beef?"},
			},
		},
	)
	require.NoError(t, err)
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, "The 'beef' is a lie.", resp.Choices[0].Message.Content)

	assert.Len(t, mockClient.CompletionRequests, 2)

	var calls []LLMCall
	require.NoError(t, db.Find(&calls).Error)
	require.Len(t, calls, 1)
	assert.Equal(t, 2, calls[0].Attempts)
	assert.Empty(t, calls[0].Error)
}

func TestLLM_ChatCompletion_Error(t *testing.T) {
	l, mockClient, db := newTestLLM(t)
	ctx := context.Background()

	mockClient.ChatCompletionErrors = []error{
		&openai.APIError{
			HTTPStatusCode: http.StatusBadRequest,
			Message:        "model does not exist",
		},
	}

	_, err := l.ChatCompletion(
		ctx, "user1", "guild1", openai.ChatCompletionRequest{
			Model: "missing-model",
			Messages: []openai.ChatCompletionMessage{
				{Role: chatRoleUser, Content: "hello"},
			},
		},
	)
	require.Error(t, err)
	assert.ErrorContains(t, err, "chat completion failed")

	// non-retryable errors only get one attempt
	assert.Len(t, mockClient.CompletionRequests, 1)

	var calls []LLMCall
	require.NoError(t, db.Find(&calls).Error)
	require.Len(t, calls, 1)
	assert.Equal(t, 1, calls[0].Attempts)
	assert.NotEmpty(t, calls[0].Error)
	assert.Empty(t, calls[0].ResponseBody)
}

func TestLLM_Embeddings(t *testing.T) {
	l, mockClient, db := newTestLLM(t)
	ctx := context.Background()

	inputs := []string{"first chunk", "second chunk", "third chunk"}
	vectors, err := l.Embeddings(ctx, "user1", "guild1", inputs)
	require.NoError(t, err)
	require.Len(t, vectors, 3)
	for i, input := range inputs {
		assert.Equal(t, mockEmbeddingVector(input), vectors[i])
	}

	require.Len(t, mockClient.EmbeddingInputs, 1)
	assert.Equal(t, inputs, mockClient.EmbeddingInputs[0])

	var calls []LLMCall
	require.NoError(t, db.Find(&calls).Error)
	require.Len(t, calls, 1)
	assert.Equal(t, llmCallKindEmbedding, calls[0].Kind)
	assert.Equal(t, DefaultOpenAIEmbeddingModel, calls[0].Model)
	assert.Equal(t, `{"embeddings": 3}`, calls[0].ResponseBody)
}

func TestLLM_Embeddings_Batching(t *testing.T) {
	l, mockClient, db := newTestLLM(t)
	ctx := context.Background()

	inputs := make([]string, llmEmbeddingBatchSize*2+10)
	for i := range inputs {
		inputs[i] = fmt.Sprintf("chunk %d", i)
	}
	vectors, err := l.Embeddings(ctx, "user1", "guild1", inputs)
	require.NoError(t, err)
	require.Len(t, vectors, len(inputs))

	// vectors stay aligned with inputs across batch boundaries
	for i, input := range inputs {
		assert.Equal(t, mockEmbeddingVector(input), vectors[i])
	}

	require.Len(t, mockClient.EmbeddingInputs, 3)
	assert.Len(t, mockClient.EmbeddingInputs[0], llmEmbeddingBatchSize)
	assert.Len(t, mockClient.EmbeddingInputs[1], llmEmbeddingBatchSize)
	assert.Len(t, mockClient.EmbeddingInputs[2], 10)
	assert.Equal(t, inputs[:llmEmbeddingBatchSize], mockClient.EmbeddingInputs[0])

	var calls []LLMCall
	require.NoError(t, db.Find(&calls).Error)
	assert.Len(t, calls, 3)
}

func TestLLM_Embeddings_CountMismatch(t *testing.T) {
	l, mockClient, _ := newTestLLM(t)
	ctx := context.Background()

	mockClient.EmbeddingResponse = &openai.EmbeddingResponse{
		Data: []openai.Embedding{{Index: 0, Embedding: []float32{0.5}}},
	}

	_, err := l.Embeddings(ctx, "user1", "guild1", []string{"a", "b"})
	require.Error(t, err)
	assert.ErrorContains(
		t,
		err,
		"embedding count mismatch: sent 2 inputs, got 1 embeddings",
	)
}

func TestLLM_Embeddings_Error(t *testing.T) {
	l, mockClient, db := newTestLLM(t)
	ctx := context.Background()

	mockClient.EmbeddingError = errors.New("quota exceeded")

	_, err := l.Embeddings(ctx, "user1", "guild1", []string{"a"})
	require.Error(t, err)
	assert.ErrorContains(t, err, "embedding request failed")

	var calls []LLMCall
	require.NoError(t, db.Find(&calls).Error)
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0].Error, "quota exceeded")
}
