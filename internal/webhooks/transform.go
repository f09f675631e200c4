package webhooks

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"feedbackhub/internal/model"
)

// Event is a domain event as it is queued for delivery.
type Event struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"projectId"`
	OccurredAt time.Time      `json:"occurredAt"`
	Data       map[string]any `json:"data"`
}

// Transformer maps an event to a wire body for one receiver family.
type Transformer interface {
	Transform(evt Event) (any, error)
}

// TransformerFunc adapts a plain function to Transformer.
type TransformerFunc func(evt Event) (any, error)

func (f TransformerFunc) Transform(evt Event) (any, error) { return f(evt) }

var transformers = map[string]Transformer{
	model.FormatGeneric: TransformerFunc(genericBody),
	model.FormatSlack:   TransformerFunc(slackBody),
	model.FormatDiscord: TransformerFunc(discordBody),
}

// TransformerFor returns the transformer for format, falling back to generic.
func TransformerFor(format string) Transformer {
	if t, ok := transformers[strings.ToLower(strings.TrimSpace(format))]; ok {
		return t
	}
	return transformers[model.FormatGeneric]
}

// IsKnownFormat reports whether format selects a registered transformer.
func IsKnownFormat(format string) bool {
	_, ok := transformers[format]
	return ok
}

// Render transforms evt for format and returns the canonical body that gets signed and sent.
func Render(evt Event, format string) ([]byte, error) {
	body, err := TransformerFor(format).Transform(evt)
	if err != nil {
		return nil, fmt.Errorf("transform %s: %w", evt.Type, err)
	}
	return Canonicalize(body)
}

func genericBody(evt Event) (any, error) {
	return map[string]any{
		"id":        evt.ID,
		"type":      evt.Type,
		"projectId": evt.ProjectID,
		"timestamp": evt.OccurredAt.UTC().Format(time.RFC3339),
		"data":      copyData(evt.Data),
	}, nil
}

func slackBody(evt Event) (any, error) {
	text := summary(evt)
	blocks := []map[string]any{
		{
			"type": "section",
			"text": map[string]string{"type": "mrkdwn", "text": text},
		},
	}
	if fields := detailFields(evt.Data); len(fields) > 0 {
		items := make([]map[string]string, 0, len(fields))
		for _, f := range fields {
			items = append(items, map[string]string{"type": "mrkdwn", "text": "*" + f.name + "*\n" + f.value})
		}
		blocks = append(blocks, map[string]any{"type": "section", "fields": items})
	}
	blocks = append(blocks, map[string]any{
		"type": "context",
		"elements": []map[string]string{
			{"type": "mrkdwn", "text": fmt.Sprintf("%s · %s", evt.Type, evt.OccurredAt.UTC().Format(time.RFC3339))},
		},
	})
	return map[string]any{"text": text, "blocks": blocks}, nil
}

func discordBody(evt Event) (any, error) {
	embed := map[string]any{
		"title":       summary(evt),
		"description": stringField(evt.Data, "message"),
		"timestamp":   evt.OccurredAt.UTC().Format(time.RFC3339),
		"color":       discordColor(evt.Type),
		"footer":      map[string]string{"text": evt.Type},
	}
	if fields := detailFields(evt.Data); len(fields) > 0 {
		items := make([]map[string]any, 0, len(fields))
		for _, f := range fields {
			items = append(items, map[string]any{"name": f.name, "value": f.value, "inline": true})
		}
		embed["fields"] = items
	}
	return map[string]any{
		"content": summary(evt),
		"embeds":  []map[string]any{embed},
	}, nil
}

func summary(evt Event) string {
	switch evt.Type {
	case model.EventFeedbackCreated:
		if msg := stringField(evt.Data, "message"); msg != "" {
			return fmt.Sprintf(":speech_balloon: New feedback: %s", truncateText(msg, 200))
		}
		return ":speech_balloon: New feedback received"
	case model.EventFeedbackUpdated:
		return fmt.Sprintf(":pencil2: Feedback updated: %s", stringField(evt.Data, "feedbackId"))
	case model.EventFeedbackResolved:
		return fmt.Sprintf(":white_check_mark: Feedback resolved: %s", stringField(evt.Data, "feedbackId"))
	case model.EventWebhookTest:
		return ":wave: Test delivery from feedbackhub"
	default:
		return fmt.Sprintf("feedbackhub event: %s", evt.Type)
	}
}

type field struct{ name, value string }

var detailKeys = []string{"rating", "category", "email", "pageUrl", "status"}

func detailFields(data map[string]any) []field {
	out := []field{}
	for _, k := range detailKeys {
		if v, ok := data[k]; ok && v != nil {
			out = append(out, field{name: k, value: fmt.Sprint(v)})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

func discordColor(eventType string) int {
	switch eventType {
	case model.EventFeedbackResolved:
		return 0x2ECC71
	case model.EventFeedbackUpdated:
		return 0xF1C40F
	default:
		return 0x5865F2
	}
}

func stringField(data map[string]any, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func truncateText(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}

// copyData makes a shallow copy so transformers never alias the caller's map.
func copyData(data map[string]any) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = v
	}
	return out
}
