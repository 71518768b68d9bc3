// Package tessera implements a Discord community-support bot built around
// per-issue ticket channels, with an OpenAI-backed assistant that can offer
// to open tickets on a user's behalf.
//
// Each ticket is a private text channel created under a configurable category,
// with permission overwrites restricting it to the creator, the support role,
// and the bot. Tickets move through a small state machine (OPEN, CLOSED,
// ARCHIVED) driven by slash commands, buttons and modals, and every ticket is
// retained in the database even after its channel is deleted.
//
// Key components of the package include:
//
//   - Tessera: The main struct that encapsulates the bot's core functionality.
//   - TicketManager: Executes ticket lifecycle operations (create, close,
//     reopen, claim, archive, delete, membership and ownership changes),
//     returning structured results rather than errors for user-facing
//     failures.
//   - TicketStore: GORM-backed persistence for guild configuration, ticket
//     categories, tickets and chat history.
//   - CooldownTracker: Per-ticket action cooldowns.
//   - ConfirmationBroker: Single-use tokens for AI-proposed ticket creation,
//     pending the user's explicit confirmation.
//   - LLM: OpenAI chat-completion and embedding calls, rate limited and
//     logged to the database.
//   - Discord: Gateway session management and interaction routing.
//   - API: A backend API for bot management and monitoring.
//
// The bot supports various commands:
//
//   - /ticket: Open, close, claim, archive, delete and manage tickets.
//   - /setup: Guided first-time configuration for a guild.
//   - /panel: Publish the ticket button or category select menu.
//   - /knowledge: Manage the retrieval corpus used to ground AI answers.
//   - /reset: Clears the caller's AI conversation history in a channel.
//
// Mentioning the bot in a guild channel routes the message through the AI
// assistant, which either answers directly or proposes opening a ticket;
// proposals take effect only after the user confirms via button.
package tessera
