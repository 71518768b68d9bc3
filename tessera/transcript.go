package tessera

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/google/uuid"
	"github.com/lmittmann/tint"
)

// Transcriber renders ticket channels as plain-text transcripts and
// delivers them when tickets close.
type Transcriber struct {
	store   TicketStore
	session DiscordSessionHandler
	logger  *slog.Logger

	// pageLimit caps messages fetched per request while paging the
	// channel history
	pageLimit int
}

func newTranscriber(
	store TicketStore,
	session DiscordSessionHandler,
	pageLimit int,
	logger *slog.Logger,
) *Transcriber {
	if logger == nil {
		logger = slog.Default()
	}
	if pageLimit <= 0 {
		pageLimit = DefaultTranscriptMessageLimit
	}
	return &Transcriber{
		store:     store,
		session:   session,
		pageLimit: pageLimit,
		logger:    logger.With(loggerNameKey, "transcriber"),
	}
}

// Generate renders the ticket channel's full message history as plain
// text, oldest message first.
func (tr *Transcriber) Generate(ctx context.Context, t *Ticket) (string, error) {
	var all []*discordgo.Message
	beforeID := ""
	for {
		page, err := tr.session.ChannelMessages(
			t.ChannelID, tr.pageLimit, beforeID, "", "",
		)
		if err != nil {
			return "", fmt.Errorf("error fetching channel messages: %w", err)
		}
		if len(page) == 0 {
			break
		}
		all = append(all, page...)
		// pages are newest-first, so the last entry is the oldest seen
		beforeID = page[len(page)-1].ID
		if len(page) < tr.pageLimit {
			break
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		default:
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Ticket #%04d transcript\n", t.TicketNumber)
	fmt.Fprintf(&b, "Guild: %s\n", t.GuildID)
	fmt.Fprintf(&b, "Channel: %s\n", t.ChannelID)
	fmt.Fprintf(&b, "Creator: %s\n", t.CreatorID)
	fmt.Fprintf(&b, "Status: %s\n", t.Status)
	if reason := string(t.CloseReason); reason != "" {
		fmt.Fprintf(&b, "Close reason: %s\n", reason)
	}
	fmt.Fprintf(
		&b,
		"Generated: %s\n\n",
		time.Now().UTC().Format(time.RFC3339),
	)

	for i := len(all) - 1; i >= 0; i-- {
		m := all[i]
		author := "unknown"
		if m.Author != nil {
			author = m.Author.Username
		}
		fmt.Fprintf(
			&b,
			"[%s] %s: %s\n",
			m.Timestamp.UTC().Format(time.RFC3339),
			author,
			m.Content,
		)
		for _, attachment := range m.Attachments {
			fmt.Fprintf(&b, "    [attachment] %s\n", attachment.URL)
		}
		for _, embed := range m.Embeds {
			if embed.Title != "" || embed.Description != "" {
				fmt.Fprintf(
					&b,
					"    [embed] %s %s\n",
					embed.Title,
					embed.Description,
				)
			}
		}
	}
	return b.String(), nil
}

// Deliver generates the ticket's transcript and sends it as a text file
// to the guild's transcript channel, when one is configured, and to the
// ticket creator via DM. Either destination failing doesn't block the
// other.
func (tr *Transcriber) Deliver(ctx context.Context, t *Ticket) error {
	log, ok := ContextLogger(ctx)
	if log == nil || !ok {
		log = tr.logger
	}

	text, err := tr.Generate(ctx, t)
	if err != nil {
		return fmt.Errorf("error generating transcript: %w", err)
	}
	filename := fmt.Sprintf("ticket-%04d-%s.txt", t.TicketNumber, uuid.NewString())

	var errs []error

	guildConfig, err := tr.store.GetOrCreateGuildConfig(ctx, t.GuildID)
	if err != nil {
		errs = append(errs, fmt.Errorf("error loading guild config: %w", err))
	} else if channelID := string(guildConfig.TranscriptChannelID); channelID != "" {
		if sendErr := tr.sendFile(
			channelID,
			filename,
			text,
			fmt.Sprintf("Transcript for ticket #%04d", t.TicketNumber),
		); sendErr != nil {
			log.ErrorContext(
				ctx,
				"error sending transcript to transcript channel",
				tint.Err(sendErr),
				"channel_id", channelID,
				"ticket", t,
			)
			errs = append(errs, sendErr)
		}
	}

	dm, err := tr.session.UserChannelCreate(t.CreatorID)
	if err != nil {
		log.WarnContext(
			ctx,
			"error opening dm channel for transcript",
			tint.Err(err),
			"user_id", t.CreatorID,
		)
		errs = append(errs, err)
	} else if sendErr := tr.sendFile(
		dm.ID,
		filename,
		text,
		fmt.Sprintf("Here's the transcript of your ticket #%04d.", t.TicketNumber),
	); sendErr != nil {
		log.WarnContext(
			ctx,
			"error sending transcript dm",
			tint.Err(sendErr),
			"user_id", t.CreatorID,
		)
		errs = append(errs, sendErr)
	}

	return errors.Join(errs...)
}

func (tr *Transcriber) sendFile(
	channelID string,
	filename string,
	content string,
	message string,
) error {
	_, err := tr.session.ChannelMessageSendComplex(
		channelID,
		&discordgo.MessageSend{
			Content: message,
			Files: []*discordgo.File{
				{
					Name:        filename,
					ContentType: "text/plain",
					Reader:      strings.NewReader(content),
				},
			},
		},
	)
	return err
}
