// Package stream decodes the agent CLI's newline-delimited stream-json
// output into a flat event sequence.
package stream

import (
	"encoding/json"
	"fmt"
	"strings"
)

type wireBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
	ToolUseID string          `json:"tool_use_id"`
	Content   json.RawMessage `json:"content"`
	IsError   bool            `json:"is_error"`
}

type wireMessage struct {
	Role    string      `json:"role"`
	Content []wireBlock `json:"content"`
	Usage   *wireUsage  `json:"usage"`
}

type wireUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type wireDelta struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type wireRecord struct {
	Type         string       `json:"type"`
	Subtype      string       `json:"subtype"`
	SessionID    string       `json:"session_id"`
	Message      *wireMessage `json:"message"`
	Delta        *wireDelta   `json:"delta"`
	Result       string       `json:"result"`
	IsError      bool         `json:"is_error"`
	TotalCostUSD float64      `json:"total_cost_usd"`
	Usage        *wireUsage   `json:"usage"`
}

// Decoder turns raw output records into events. Decoding is stateless per
// record except for the correlation-id namespace: tool_use ids are tracked
// so synthetic ids stay unique within one subprocess invocation.
type Decoder struct {
	policy  ApprovalPolicy
	nextSeq int
	seen    map[string]bool
}

func NewDecoder(policy ApprovalPolicy) *Decoder {
	return &Decoder{policy: policy, seen: make(map[string]bool)}
}

// Decode maps one raw record to zero or more events. A single assistant
// record can hold several content blocks, and the terminal result record
// yields both a usage summary and the end-of-turn marker. A record that is
// not valid JSON becomes a recoverable malformed-output event; the stream
// continues.
func (d *Decoder) Decode(raw string) []Event {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	var rec wireRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return []Event{{Kind: KindError, Err: &StreamError{
			Kind:    ErrMalformedOutput,
			Message: fmt.Sprintf("undecodable agent record: %v", err),
		}}}
	}

	switch rec.Type {
	case "system":
		if rec.Subtype == "init" && rec.SessionID != "" {
			return []Event{{Kind: KindUsage, Usage: &Usage{SessionToken: rec.SessionID}}}
		}
		return nil

	case "assistant":
		return d.decodeAssistant(rec)

	case "user":
		return d.decodeToolResults(rec)

	case "content_block_delta":
		if rec.Delta != nil && rec.Delta.Type == "text_delta" && rec.Delta.Text != "" {
			return []Event{{Kind: KindText, Text: rec.Delta.Text}}
		}
		return nil

	case "result":
		usage := &Usage{
			SessionToken: rec.SessionID,
			CostUSD:      rec.TotalCostUSD,
			Result:       rec.Result,
			IsError:      rec.IsError,
		}
		if rec.Usage != nil {
			usage.InputTokens = rec.Usage.InputTokens
			usage.OutputTokens = rec.Usage.OutputTokens
		}
		return []Event{
			{Kind: KindUsage, Usage: usage},
			{Kind: KindTurnEnd},
		}

	default:
		return []Event{{Kind: KindUnknown, Raw: json.RawMessage(raw)}}
	}
}

func (d *Decoder) decodeAssistant(rec wireRecord) []Event {
	if rec.Message == nil {
		return nil
	}
	var events []Event
	for _, block := range rec.Message.Content {
		switch block.Type {
		case "text":
			if block.Text != "" {
				events = append(events, Event{Kind: KindText, Text: block.Text})
			}
		case "tool_use":
			events = append(events, Event{Kind: KindToolRequest, Tool: &ToolRequest{
				Name:             block.Name,
				Input:            block.Input,
				CorrelationID:    d.correlationID(block.ID),
				RequiresApproval: d.policy.RequiresApproval(block.Name),
			}})
		}
	}
	return events
}

func (d *Decoder) decodeToolResults(rec wireRecord) []Event {
	if rec.Message == nil {
		return nil
	}
	var events []Event
	for _, block := range rec.Message.Content {
		if block.Type != "tool_result" {
			continue
		}
		events = append(events, Event{Kind: KindToolResult, ToolResult: &ToolResult{
			CorrelationID: block.ToolUseID,
			IsError:       block.IsError,
			Content:       flattenToolContent(block.Content),
		}})
	}
	return events
}

func (d *Decoder) correlationID(wireID string) string {
	if wireID != "" {
		d.seen[wireID] = true
		return wireID
	}
	for {
		d.nextSeq++
		id := fmt.Sprintf("tool-%d", d.nextSeq)
		if !d.seen[id] {
			d.seen[id] = true
			return id
		}
	}
}

// flattenToolContent renders a tool_result content field, which the wire
// format allows to be a bare string or a list of content blocks.
func flattenToolContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []wireBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		var parts []string
		for _, b := range blocks {
			if b.Type == "text" && b.Text != "" {
				parts = append(parts, b.Text)
			}
		}
		return strings.Join(parts, "\n")
	}
	return string(raw)
}
