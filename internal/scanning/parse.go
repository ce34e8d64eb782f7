package scanning

import (
	"encoding/json"
	"fmt"
	"strings"
)

// parseEntitiesJSON parses the entity list a language model answered with
func parseEntitiesJSON(text string) (*Document, error) {
	// Remove markdown code blocks if present
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	text = strings.TrimSpace(text)

	// Find the JSON object boundaries - look for first { and last }
	startIdx := strings.Index(text, "{")
	if startIdx == -1 {
		return nil, fmt.Errorf("no JSON object found in response")
	}

	endIdx := strings.LastIndex(text, "}")
	if endIdx < startIdx {
		return nil, fmt.Errorf("invalid JSON object in response")
	}

	var doc Document
	if err := json.Unmarshal([]byte(text[startIdx:endIdx+1]), &doc); err != nil {
		return nil, fmt.Errorf("unmarshaling json: %w", err)
	}

	// Models sometimes leave type casing or whitespace untidy
	for i := range doc.Entities {
		tidyEntity(&doc.Entities[i])
	}

	return &doc, nil
}

func tidyEntity(e *Entity) {
	e.Type = strings.TrimSpace(e.Type)
	e.MentionText = strings.TrimSpace(e.MentionText)
	if e.Confidence < 0 {
		e.Confidence = 0
	}
	for i := range e.Properties {
		tidyEntity(&e.Properties[i])
	}
}
