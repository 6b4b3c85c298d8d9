package history

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// ExportJSON serializes a user's full history as the raw records.
func (s *Service) ExportJSON(ctx context.Context, userID, channel string) ([]byte, error) {
	messages, err := s.listAll(ctx, userID, channel)
	if err != nil {
		return nil, fmt.Errorf("export history: %w", err)
	}
	return json.MarshalIndent(messages, "", "  ")
}

// ExportMarkdown renders a user's full history oldest-first, grouped
// under date headings, each entry tagged with time, role, and channel.
func (s *Service) ExportMarkdown(ctx context.Context, userID, channel string) ([]byte, error) {
	messages, err := s.listAll(ctx, userID, channel)
	if err != nil {
		return nil, fmt.Errorf("export history: %w", err)
	}

	var b strings.Builder
	b.WriteString("# Conversation History\n")

	currentDate := ""
	for _, msg := range messages {
		at := msg.CreatedAt.UTC()
		date := at.Format("2006-01-02")
		if date != currentDate {
			fmt.Fprintf(&b, "\n## %s\n", date)
			currentDate = date
		}
		fmt.Fprintf(&b, "\n**%s** %s [%s]\n\n%s\n",
			at.Format("15:04:05"), msg.Role, msg.Channel, msg.Text)
		for _, att := range msg.Attachments {
			name := att.FileName
			if name == "" {
				name = att.FileID
			}
			fmt.Fprintf(&b, "\n- attachment: %s (%s)\n", name, att.Type)
		}
	}
	return []byte(b.String()), nil
}
