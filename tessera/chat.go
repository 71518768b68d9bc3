package tessera

import (
	"container/heap"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"github.com/sashabaranov/go-openai"
)

// Chat history roles, matching the OpenAI wire values.
const (
	chatRoleSystem    = openai.ChatMessageRoleSystem
	chatRoleUser      = openai.ChatMessageRoleUser
	chatRoleAssistant = openai.ChatMessageRoleAssistant
	chatRoleTool      = openai.ChatMessageRoleTool
)

// createTicketToolName is the function exposed to the model for
// proposing ticket creation.
const createTicketToolName = "create_ticket"

const createTicketToolSchema = `{
  "type": "object",
  "properties": {
    "ticket_category": {
      "type": "string",
      "description": "Name of the ticket category that best matches the user's issue"
    },
    "message": {
      "type": "string",
      "description": "One-sentence summary of the user's issue, used as the ticket intro"
    }
  },
  "required": ["ticket_category", "message"]
}`

func createTicketTool() openai.Tool {
	return openai.Tool{
		Type: openai.ToolTypeFunction,
		Function: &openai.FunctionDefinition{
			Name: createTicketToolName,
			Description: "Offer to open a support ticket when the user's " +
				"problem needs staff attention, or when they ask for one.",
			Parameters: json.RawMessage(createTicketToolSchema),
		},
	}
}

type createTicketArgs struct {
	TicketCategory string `json:"ticket_category"`
	Message        string `json:"message"`
}

// ChatRequest is a queued assistant request, created when a guild
// message mentions the bot.
type ChatRequest struct {
	GuildID   string
	ChannelID string
	MessageID string
	User      *User
	Content   string
	CreatedAt time.Time

	// Priority requests jump the queue. Set from [User.Priority].
	Priority bool

	// index is maintained by the heap
	index int
}

func (r ChatRequest) Age() time.Duration {
	return time.Since(r.CreatedAt)
}

func (r ChatRequest) reference() *discordgo.MessageReference {
	return &discordgo.MessageReference{
		MessageID: r.MessageID,
		ChannelID: r.ChannelID,
		GuildID:   r.GuildID,
	}
}

func (r ChatRequest) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("guild_id", r.GuildID),
		slog.String("channel_id", r.ChannelID),
		slog.String("message_id", r.MessageID),
		slog.Bool("priority", r.Priority),
		slog.Time("created_at", r.CreatedAt),
	}
	if r.User != nil {
		attrs = append(attrs, slog.String("user_id", r.User.ID))
	}
	return slog.GroupValue(attrs...)
}

// ChatQueue is a bounded in-memory priority queue of assistant
// requests, drained one at a time by the dispatcher. Priority requests
// are popped first; within the same priority, oldest first.
type ChatQueue struct {
	queue  *chatRequestHeap
	config *QueueConfig
	logger *slog.Logger
	mu     sync.Mutex
}

func newChatQueue(config *QueueConfig, logger *slog.Logger) *ChatQueue {
	if logger == nil {
		logger = slog.Default()
	}
	q := &ChatQueue{
		queue:  &chatRequestHeap{},
		config: config,
		logger: logger.With(loggerNameKey, "chat_queue"),
	}
	heap.Init(q.queue)
	return q
}

func (q *ChatQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.queue.Len()
}

func (q *ChatQueue) Clear(_ context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.queue = &chatRequestHeap{}
	heap.Init(q.queue)
	return nil
}

// oldestNonPriority finds the index of the oldest queued request where
// Priority is false. If none are found, the returned boolean is false.
func (q *ChatQueue) oldestNonPriority() (int, bool) {
	old := *q.queue
	for i := len(old) - 1; i >= 0; i-- {
		if !old[i].Priority {
			return i, true
		}
	}
	return 0, false
}

// Push queues an assistant request. When the queue is full, the oldest
// non-priority request is dropped to make room. If only priority
// requests remain, the oldest of those is dropped instead.
func (q *ChatQueue) Push(ctx context.Context, req *ChatRequest) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = q.logger
	}

	if q.config.Size > 0 && q.queue.Len() >= q.config.Size {
		var dropped *ChatRequest
		oldestInd, found := q.oldestNonPriority()
		if found {
			dropped = heap.Remove(q.queue, oldestInd).(*ChatRequest)
		} else {
			dropped = heap.Pop(q.queue).(*ChatRequest)
		}
		logger.WarnContext(
			ctx,
			"queue full, dropped oldest request",
			"dropped_request", dropped,
			"max_size", q.config.Size,
		)
	}

	heap.Push(q.queue, req)
	logger.InfoContext(
		ctx,
		"queued assistant request",
		"request", req,
		"queue_size", q.queue.Len(),
	)
	return nil
}

// Pop returns the next serviceable request, discarding requests that
// exceeded the queue's max age or whose user has since been ignored.
// Returns nil when the queue is empty.
func (q *ChatQueue) Pop(ctx context.Context) *ChatRequest {
	q.mu.Lock()
	defer q.mu.Unlock()

	for {
		if q.queue.Len() == 0 {
			return nil
		}
		req := heap.Pop(q.queue).(*ChatRequest)

		if q.config.MaxAge > 0 && req.Age() > q.config.MaxAge {
			q.logger.WarnContext(
				ctx,
				"discarded old request",
				"request", req,
				"age", req.Age(),
				"max_age", q.config.MaxAge,
			)
			continue
		}
		if req.User != nil && req.User.Ignored {
			q.logger.WarnContext(
				ctx,
				"discarding request from ignored user",
				"request", req,
			)
			continue
		}
		return req
	}
}

type chatRequestHeap []*ChatRequest

func (h chatRequestHeap) Len() int {
	return len(h)
}

func (h chatRequestHeap) Less(i, j int) bool {
	left := h[i]
	right := h[j]
	if left.Priority && !right.Priority {
		return true
	}
	if right.Priority && !left.Priority {
		return false
	}
	return left.CreatedAt.Before(right.CreatedAt)
}

func (h chatRequestHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *chatRequestHeap) Push(x any) {
	n := len(*h)
	item := x.(*ChatRequest)
	item.index = n
	*h = append(*h, item)
}

func (h *chatRequestHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[0 : n-1]
	return item
}

// handleChatRequest services a single assistant request: one chat
// completion with the create_ticket tool available. A tool call becomes
// a confirmation prompt held by the broker, with nothing persisted until
// the user confirms. Anything else becomes a plain reply, with the user
// and assistant turns appended to history.
func (t *Tessera) handleChatRequest(ctx context.Context, req *ChatRequest) {
	if req == nil || req.User == nil {
		return
	}
	logger := t.logger.With("request", req)
	ctx = WithLogger(ctx, logger)

	config := t.RuntimeConfig()
	if config.Paused || !config.ChatEnabled {
		logger.InfoContext(ctx, "assistant disabled, dropping request")
		return
	}

	request := openai.ChatCompletionRequest{
		Model:       config.OpenAIModel,
		Temperature: float32(config.OpenAITemperature),
		Messages:    t.buildChatMessages(ctx, req, config),
		Tools:       []openai.Tool{createTicketTool()},
		User:        req.User.ID,
	}

	resp, err := t.llm.ChatCompletion(ctx, req.User.ID, req.GuildID, request)
	if err != nil {
		logger.ErrorContext(ctx, "assistant request failed", tint.Err(err))
		t.replyToMessage(
			ctx,
			req,
			"Sorry, I couldn't come up with a response. Please try again in a bit.",
		)
		return
	}
	if len(resp.Choices) == 0 {
		logger.WarnContext(ctx, "chat completion returned no choices")
		t.replyToMessage(
			ctx,
			req,
			"Sorry, I couldn't come up with a response. Please try again in a bit.",
		)
		return
	}
	choice := resp.Choices[0].Message

	if len(choice.ToolCalls) > 0 && t.proposeTicket(ctx, req, choice.ToolCalls[0]) {
		return
	}

	content := strings.TrimSpace(choice.Content)
	if content == "" {
		content = "It sounds like this needs a closer look from our staff. " +
			"You can open a ticket with /ticket open."
	}
	t.replyToMessage(ctx, req, content)

	t.appendChatTurn(
		ctx,
		ChatMessage{
			GuildID:      req.GuildID,
			ChannelID:    req.ChannelID,
			UserID:       req.User.ID,
			Role:         chatRoleUser,
			Content:      req.Content,
			PromptTokens: resp.Usage.PromptTokens,
		},
	)
	t.appendChatTurn(
		ctx,
		ChatMessage{
			GuildID:          req.GuildID,
			ChannelID:        req.ChannelID,
			UserID:           req.User.ID,
			Role:             chatRoleAssistant,
			Content:          content,
			CompletionTokens: resp.Usage.CompletionTokens,
		},
	)
}

// buildChatMessages assembles the completion context: the system prompt
// (with knowledge base excerpts when available), recent history, and
// the new user turn. History failures degrade to no history.
func (t *Tessera) buildChatMessages(
	ctx context.Context,
	req *ChatRequest,
	config RuntimeConfig,
) []openai.ChatCompletionMessage {
	log, ok := ContextLogger(ctx)
	if log == nil || !ok {
		log = t.logger
	}

	system := config.ChatSystemPrompt
	if system == "" {
		system = defaultChatSystemPrompt
	}
	if config.RAGEnabled {
		if notes := t.knowledgeContext(
			ctx, req.GuildID, req.User.ID, req.Content,
		); notes != "" {
			system = fmt.Sprintf("%s\n\nRelevant support notes:\n%s", system, notes)
		}
	}
	messages := []openai.ChatCompletionMessage{
		{Role: chatRoleSystem, Content: system},
	}

	historyLimit := DefaultChatHistoryLimit
	if t.config != nil && t.config.Ticket != nil && t.config.Ticket.ChatHistoryLimit > 0 {
		historyLimit = t.config.Ticket.ChatHistoryLimit
	}
	history, err := t.store.RecentChatMessages(
		ctx,
		req.GuildID,
		req.ChannelID,
		req.User.ID,
		historyLimit,
	)
	if err != nil {
		log.ErrorContext(
			ctx,
			"error loading chat history, continuing without it",
			tint.Err(err),
		)
	}
	for _, m := range history {
		role := m.Role
		switch role {
		case chatRoleUser, chatRoleAssistant, chatRoleSystem:
		default:
			// tool provenance rows replay as assistant text
			role = chatRoleAssistant
		}
		messages = append(
			messages,
			openai.ChatCompletionMessage{Role: role, Content: m.Content},
		)
	}

	return append(
		messages,
		openai.ChatCompletionMessage{Role: chatRoleUser, Content: req.Content},
	)
}

// proposeTicket turns a create_ticket tool call into a confirmation
// prompt. Nothing is written to the store: the pending ticket lives in
// the broker until confirmed, declined or expired. Returns false when
// the tool call can't be honored (unknown category, bad arguments), in
// which case the caller falls through to a plain reply.
func (t *Tessera) proposeTicket(
	ctx context.Context,
	req *ChatRequest,
	call openai.ToolCall,
) bool {
	log, ok := ContextLogger(ctx)
	if log == nil || !ok {
		log = t.logger
	}

	if call.Function.Name != createTicketToolName {
		log.WarnContext(
			ctx,
			"model called an unknown tool",
			"tool_name", call.Function.Name,
		)
		return false
	}
	var args createTicketArgs
	if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil {
		log.WarnContext(
			ctx,
			"invalid create_ticket arguments",
			tint.Err(err),
			"arguments", call.Function.Arguments,
		)
		return false
	}

	categories, err := t.store.GetTicketCategories(ctx, req.GuildID)
	if err != nil {
		log.ErrorContext(ctx, "error loading ticket categories", tint.Err(err))
		return false
	}
	var category *TicketCategory
	for i := range categories {
		if categories[i].Enabled &&
			strings.EqualFold(categories[i].Name, args.TicketCategory) {
			category = &categories[i]
			break
		}
	}
	if category == nil {
		log.WarnContext(
			ctx,
			"model suggested an unknown ticket category",
			"ticket_category", args.TicketCategory,
		)
		return false
	}

	summary := strings.TrimSpace(args.Message)
	if summary == "" {
		summary = req.Content
	}

	token := t.broker.Put(
		PendingTicket{
			GuildID:     req.GuildID,
			ChannelID:   req.ChannelID,
			UserID:      req.User.ID,
			CategoryID:  category.ID,
			UserMessage: req.Content,
			ToolMessage: summary,
		},
	)

	embed := &discordgo.MessageEmbed{
		Title: "Open a support ticket?",
		Description: fmt.Sprintf(
			"I can open a **%s** ticket for you:\n> %s",
			category.Name,
			truncate(summary, 500),
		),
		Color: ticketEmbedColorOpen,
	}
	if _, err = t.discord.session.ChannelMessageSendComplex(
		req.ChannelID,
		&discordgo.MessageSend{
			Embeds:     []*discordgo.MessageEmbed{embed},
			Components: confirmTicketButtons(token, req.User.ID),
			Reference:  req.reference(),
		},
	); err != nil {
		log.ErrorContext(ctx, "error sending ticket proposal", tint.Err(err))
		return true
	}

	log.InfoContext(
		ctx,
		"proposed ticket creation",
		"category_id", category.ID,
		"category_name", category.Name,
	)
	return true
}

// ResolveTicketProposal consumes a pending ticket token. Confirmed
// proposals replay the pending turns into history and create the
// ticket; declined proposals record a cancellation turn so the model
// has context. A token can only be resolved once.
func (t *Tessera) ResolveTicketProposal(
	ctx context.Context,
	token string,
	confirmed bool,
	user *discordgo.User,
) TicketResult {
	log, ok := ContextLogger(ctx)
	if log == nil || !ok {
		log = t.logger
	}
	if user == nil {
		return TicketResult{Message: ticketGenericErrorMessage}
	}

	pending, found := t.broker.Take(token)
	if !found {
		return TicketResult{
			Message: "This ticket prompt has expired or is no longer valid.",
		}
	}
	if pending.UserID != user.ID {
		log.WarnContext(
			ctx,
			"pending ticket user mismatch",
			"pending_user_id", pending.UserID,
			"user_id", user.ID,
		)
		return TicketResult{
			Message: "This ticket prompt has expired or is no longer valid.",
		}
	}

	if !confirmed {
		t.appendChatTurn(
			ctx,
			ChatMessage{
				GuildID:   pending.GuildID,
				ChannelID: pending.ChannelID,
				UserID:    pending.UserID,
				Role:      chatRoleSystem,
				Content:   "The user declined the offer to open a support ticket.",
			},
		)
		log.InfoContext(ctx, "ticket proposal declined", "user_id", user.ID)
		return TicketResult{
			Success: true,
			Message: "No problem! Let me know if there's anything else I can help with.",
		}
	}

	t.appendChatTurn(
		ctx,
		ChatMessage{
			GuildID:   pending.GuildID,
			ChannelID: pending.ChannelID,
			UserID:    pending.UserID,
			Role:      chatRoleUser,
			Content:   pending.UserMessage,
		},
	)
	t.appendChatTurn(
		ctx,
		ChatMessage{
			GuildID:   pending.GuildID,
			ChannelID: pending.ChannelID,
			UserID:    pending.UserID,
			Role:      chatRoleAssistant,
			Content: fmt.Sprintf(
				"Offered to open a support ticket: %s",
				pending.ToolMessage,
			),
		},
	)

	result := t.tickets.Create(
		ctx,
		pending.GuildID,
		user,
		pending.CategoryID,
		pending.UserMessage,
	)

	outcome := "The user confirmed, but opening the ticket failed."
	if result.Success && result.Ticket != nil {
		outcome = fmt.Sprintf(
			"Support ticket #%04d was opened for the user.",
			result.Ticket.TicketNumber,
		)
	}
	t.appendChatTurn(
		ctx,
		ChatMessage{
			GuildID:   pending.GuildID,
			ChannelID: pending.ChannelID,
			UserID:    pending.UserID,
			Role:      chatRoleSystem,
			Content:   outcome,
		},
	)
	return result
}

func (t *Tessera) appendChatTurn(ctx context.Context, m ChatMessage) {
	if err := t.store.AppendChatMessage(ctx, &m); err != nil {
		log, ok := ContextLogger(ctx)
		if log == nil || !ok {
			log = t.logger
		}
		log.ErrorContext(ctx, "error appending chat history", tint.Err(err))
	}
}

func (t *Tessera) replyToMessage(ctx context.Context, req *ChatRequest, content string) {
	if _, err := t.discord.session.ChannelMessageSendReply(
		req.ChannelID,
		shortenString(content, discordMaxMessageLength),
		req.reference(),
	); err != nil {
		log, ok := ContextLogger(ctx)
		if log == nil || !ok {
			log = t.logger
		}
		log.ErrorContext(ctx, "error sending assistant reply", tint.Err(err))
	}
}
