package transcript

import (
	"encoding/json"
	"fmt"
	"strings"
)

// UploadEntry is one element of an uploaded transcript file: a JSON array of
// {"speaker": ..., "text": ...} objects.
type UploadEntry struct {
	Speaker string `json:"speaker"`
	Text    string `json:"text"`
}

// ParseUpload validates an uploaded transcript document and returns its
// entries. The document must be a non-empty JSON array whose elements carry
// non-empty string "speaker" and "text" fields.
//
// Validation failures are returned as descriptive errors and leave all
// session state untouched — the caller surfaces the message to the user and
// feeds nothing into the transcript buffer.
func ParseUpload(data []byte) ([]UploadEntry, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, fmt.Errorf("transcript: upload is empty")
	}

	// Distinguish "not an array" from malformed JSON for a clearer message.
	var probe any
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("transcript: upload is not valid JSON: %w", err)
	}
	raw, ok := probe.([]any)
	if !ok {
		return nil, fmt.Errorf("transcript: upload must be a JSON array of {speaker, text} objects, got %T", probe)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("transcript: upload contains no entries")
	}

	entries := make([]UploadEntry, 0, len(raw))
	for i, item := range raw {
		obj, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("transcript: entry %d is not an object", i+1)
		}
		speaker, ok := obj["speaker"].(string)
		if !ok || strings.TrimSpace(speaker) == "" {
			return nil, fmt.Errorf("transcript: entry %d: speaker must be a non-empty string", i+1)
		}
		text, ok := obj["text"].(string)
		if !ok || strings.TrimSpace(text) == "" {
			return nil, fmt.Errorf("transcript: entry %d: text must be a non-empty string", i+1)
		}
		entries = append(entries, UploadEntry{Speaker: speaker, Text: text})
	}
	return entries, nil
}
