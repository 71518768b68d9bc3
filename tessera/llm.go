package tessera

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/lmittmann/tint"
	"github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"
)

const (
	llmCallKindCompletion = "completion"
	llmCallKindEmbedding  = "embedding"

	llmMaxAttempts    = 3
	llmRetryBaseDelay = time.Second

	// llmEmbeddingBatchSize caps inputs per embedding request, well under
	// the API's per-request input limit.
	llmEmbeddingBatchSize = 64
)

// LLMCall records a single OpenAI API call: request and response bodies
// as JSON, timing, attempts, and token usage.
type LLMCall struct {
	ModelUintID
	ModelUnixTime

	// Kind is 'completion' or 'embedding'
	Kind    string `json:"kind" gorm:"type:string"`
	Model   string `json:"model" gorm:"type:string"`
	UserID  string `json:"user_id" gorm:"index"`
	GuildID string `json:"guild_id" gorm:"type:string"`

	RequestStarted int64 `json:"request_started"`
	RequestEnded   int64 `json:"request_ended"`

	RequestBody  string `json:"request_payload" gorm:"type:string"`
	ResponseBody string `json:"response_payload" gorm:"type:string"`

	Error string `json:"error" gorm:"type:string"`

	// Attempts is the number of attempts made, >1 when rate-limit or
	// server errors were retried
	Attempts int `json:"attempts"`

	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// OpenAIClient is the subset of the OpenAI API client the bot uses. It
// exists primarily to enable mocking in tests;
// [openai.Client] implements it.
type OpenAIClient interface {
	CreateChatCompletion(
		ctx context.Context,
		request openai.ChatCompletionRequest,
	) (openai.ChatCompletionResponse, error)

	CreateEmbeddings(
		ctx context.Context,
		request openai.EmbeddingRequestConverter,
	) (openai.EmbeddingResponse, error)
}

// LLM wraps the OpenAI client with rate limiting, retries and per-call
// DB records.
type LLM struct {
	client         OpenAIClient
	config         *OpenAIConfig
	logger         *slog.Logger
	requestLimiter *rate.Limiter
	t              *Tessera

	mu *sync.RWMutex // primarily just protects requestLimiter
}

func newLLM(t *Tessera, httpClient *http.Client) *LLM {
	config := t.config.OpenAI
	l := &LLM{
		config: config,
		t:      t,
		mu:     &sync.RWMutex{},
	}
	l.logger = slog.New(
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     config.LogLevel,
				AddSource: true,
			},
		),
	).With(loggerNameKey, "openai")

	clientCfg := openai.DefaultConfig(config.Token)
	if httpClient != nil {
		clientCfg.HTTPClient = httpClient
	}
	l.client = openai.NewClientWithConfig(clientCfg)

	rps := config.RequestsPerSecond
	if rps <= 0 {
		rps = DefaultOpenAIRequestsPerSecond
	}
	burst := config.RequestBurst
	if burst <= 0 {
		burst = DefaultOpenAIRequestBurst
	}
	l.requestLimiter = rate.NewLimiter(rate.Limit(rps), burst)

	return l
}

// retryableOpenAIError reports whether an OpenAI API error is worth
// retrying: HTTP 429 or any 5xx.
func retryableOpenAIError(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == http.StatusTooManyRequests ||
			apiErr.HTTPStatusCode >= http.StatusInternalServerError
	}
	return false
}

// ChatCompletion performs a chat completion request. Rate-limit and
// server errors are retried with exponential backoff, up to
// llmMaxAttempts total attempts. The call is recorded as an [LLMCall]
// row whether it succeeded or not.
func (l *LLM) ChatCompletion(
	ctx context.Context,
	userID string,
	guildID string,
	req openai.ChatCompletionRequest,
) (openai.ChatCompletionResponse, error) {
	log, ok := ContextLogger(ctx)
	if log == nil || !ok {
		log = l.logger
	}

	call := &LLMCall{
		Kind:           llmCallKindCompletion,
		Model:          req.Model,
		UserID:         userID,
		GuildID:        guildID,
		RequestStarted: time.Now().UnixMilli(),
	}
	data, _ := json.Marshal(req)
	call.RequestBody = string(data)

	var resp openai.ChatCompletionResponse
	err := l.doWithRetries(
		ctx, log, call, func(attemptCtx context.Context) error {
			var e error
			resp, e = l.client.CreateChatCompletion(attemptCtx, req)
			return e
		},
	)

	if err != nil {
		call.Error = err.Error()
	} else {
		respData, marshalErr := json.Marshal(resp)
		if marshalErr != nil {
			log.ErrorContext(ctx, "error marshaling response", tint.Err(marshalErr))
		}
		call.ResponseBody = string(respData)
		call.PromptTokens = resp.Usage.PromptTokens
		call.CompletionTokens = resp.Usage.CompletionTokens
		call.TotalTokens = resp.Usage.TotalTokens
	}
	l.recordCall(ctx, log, call)

	if err != nil {
		return resp, fmt.Errorf("chat completion failed: %w", err)
	}
	return resp, nil
}

// Embeddings generates embedding vectors for the given inputs, issuing
// one API call per batch of llmEmbeddingBatchSize inputs. Returned
// vectors are positionally aligned with inputs.
func (l *LLM) Embeddings(
	ctx context.Context,
	userID string,
	guildID string,
	inputs []string,
) ([][]float32, error) {
	vectors := make([][]float32, 0, len(inputs))
	for _, batch := range chunkItems(llmEmbeddingBatchSize, inputs...) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		batchVectors, err := l.embeddingsBatch(ctx, userID, guildID, batch)
		if err != nil {
			return nil, err
		}
		vectors = append(vectors, batchVectors...)
	}
	return vectors, nil
}

func (l *LLM) embeddingsBatch(
	ctx context.Context,
	userID string,
	guildID string,
	inputs []string,
) ([][]float32, error) {
	log, ok := ContextLogger(ctx)
	if log == nil || !ok {
		log = l.logger
	}

	model := l.config.EmbeddingModel
	if model == "" {
		model = DefaultOpenAIEmbeddingModel
	}
	req := openai.EmbeddingRequest{
		Input: inputs,
		Model: openai.EmbeddingModel(model),
	}

	call := &LLMCall{
		Kind:           llmCallKindEmbedding,
		Model:          model,
		UserID:         userID,
		GuildID:        guildID,
		RequestStarted: time.Now().UnixMilli(),
	}
	data, _ := json.Marshal(req)
	call.RequestBody = string(data)

	var resp openai.EmbeddingResponse
	err := l.doWithRetries(
		ctx, log, call, func(attemptCtx context.Context) error {
			var e error
			resp, e = l.client.CreateEmbeddings(attemptCtx, req)
			return e
		},
	)

	if err != nil {
		call.Error = err.Error()
		l.recordCall(ctx, log, call)
		return nil, fmt.Errorf("embedding request failed: %w", err)
	}

	call.PromptTokens = resp.Usage.PromptTokens
	call.TotalTokens = resp.Usage.TotalTokens
	// embedding response bodies are large and low-value, so only the
	// usage is kept
	call.ResponseBody = fmt.Sprintf(`{"embeddings": %d}`, len(resp.Data))
	l.recordCall(ctx, log, call)

	if len(resp.Data) != len(inputs) {
		return nil, fmt.Errorf(
			"embedding count mismatch: sent %d inputs, got %d embeddings",
			len(inputs),
			len(resp.Data),
		)
	}

	vectors := make([][]float32, len(resp.Data))
	for i, d := range resp.Data {
		vectors[i] = d.Embedding
	}
	return vectors, nil
}

// doWithRetries runs fn under the request limiter, retrying retryable
// errors with exponential backoff. Updates call.Attempts and
// call.RequestEnded.
func (l *LLM) doWithRetries(
	ctx context.Context,
	log *slog.Logger,
	call *LLMCall,
	fn func(ctx context.Context) error,
) error {
	var lastErr error

attempts:
	for attempt := 1; attempt <= llmMaxAttempts; attempt++ {
		call.Attempts = attempt

		l.mu.RLock()
		limiter := l.requestLimiter
		l.mu.RUnlock()
		if err := limiter.Wait(ctx); err != nil {
			lastErr = err
			break
		}

		start := time.Now()
		lastErr = fn(ctx)
		observeLLMRequest(call.Kind, time.Since(start), lastErr)

		if lastErr == nil {
			break
		}
		if !retryableOpenAIError(lastErr) || attempt == llmMaxAttempts {
			break
		}

		delay := llmRetryBaseDelay << (attempt - 1)
		log.WarnContext(
			ctx,
			"retrying openai request",
			"kind", call.Kind,
			"attempt", attempt,
			"delay", delay,
			tint.Err(lastErr),
		)
		select {
		case <-ctx.Done():
			lastErr = ctx.Err()
			break attempts
		case <-time.After(delay):
		}
	}

	call.RequestEnded = time.Now().UnixMilli()
	return lastErr
}

// recordCall writes the LLMCall row. Failures are logged, never
// propagated: losing an audit row shouldn't fail the user's request.
func (l *LLM) recordCall(ctx context.Context, log *slog.Logger, call *LLMCall) {
	if l.t == nil || l.t.writeDB == nil {
		return
	}
	if _, err := l.t.writeDB.Create(context.WithoutCancel(ctx), call); err != nil {
		log.ErrorContext(ctx, "error recording llm call", tint.Err(err))
	}
}
