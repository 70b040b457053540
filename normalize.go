package creditgate

import (
	"encoding/json"
	"strings"
)

// Provider responses and journaled outputs have taken several shapes over
// time: a bare string, {message}, {outputText}, an OpenAI-style choices
// envelope, or a generic output[].content[] block list. All shape sniffing
// lives in this file; callers get the first recognized text or a miss.

// envelope covers every response dialect we know how to read.
// Ambiguous fields are kept raw and resolved in extract.
type envelope struct {
	Message    string `json:"message"`
	OutputText string `json:"outputText"`
	Choices    []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		Content json.RawMessage `json:"content"`
		Text    string          `json:"text"`
	} `json:"choices"`
	Output []struct {
		Content []contentBlock `json:"content"`
	} `json:"output"`
	Raw json.RawMessage `json:"raw"`
}

// contentBlock is one element of a content array: either {text: "..."} or a
// plain string.
type contentBlock struct {
	Text string
}

func (b *contentBlock) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		b.Text = s
		return nil
	}
	var obj struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	b.Text = obj.Text
	return nil
}

// ExtractText pulls assistant text out of a raw provider response.
// The second return is false when no shape matched.
func ExtractText(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 {
		return "", false
	}

	// Bare JSON string.
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return nonEmpty(s)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", false
	}
	return extract(env)
}

func extract(env envelope) (string, bool) {
	if len(env.Choices) > 0 {
		c := env.Choices[0]
		if c.Message.Content != "" {
			return c.Message.Content, true
		}
		if text, ok := choiceContent(c.Content); ok {
			return text, true
		}
		if c.Text != "" {
			return c.Text, true
		}
	}

	if len(env.Output) > 0 && len(env.Output[0].Content) > 0 {
		parts := make([]string, 0, len(env.Output[0].Content))
		for _, b := range env.Output[0].Content {
			if b.Text != "" {
				parts = append(parts, b.Text)
			}
		}
		if len(parts) > 0 {
			return strings.Join(parts, "\n"), true
		}
	}

	if env.Message != "" {
		return env.Message, true
	}
	if env.OutputText != "" {
		return env.OutputText, true
	}

	// Journaled outputs may wrap the provider payload as {raw: ...}.
	if len(env.Raw) > 0 {
		return ExtractText(env.Raw)
	}

	return "", false
}

// choiceContent resolves the ambiguous choices[].content field: a string or
// an array of content blocks.
func choiceContent(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return nonEmpty(s)
	}
	var blocks []contentBlock
	if err := json.Unmarshal(raw, &blocks); err == nil && len(blocks) > 0 {
		return nonEmpty(blocks[0].Text)
	}
	return "", false
}

func nonEmpty(s string) (string, bool) {
	if s == "" {
		return "", false
	}
	return s, true
}

// ReplayText recovers the user-visible text of a journaled record. It
// prefers the normalized OutputText, falls back to re-extracting from the
// raw payload, and finally to a literal fallback sentence so a replay never
// surfaces an empty response.
func ReplayText(rec *UsageRecord) string {
	if rec == nil {
		return FallbackText
	}
	if rec.OutputText != "" {
		return rec.OutputText
	}
	if text, ok := ExtractText(rec.OutputRaw); ok {
		return text
	}
	return FallbackText
}
