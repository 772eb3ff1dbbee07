// Package onboarding evaluates how far a service integration is through its setup flow.
package onboarding

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Prompt is the text asked of the user. It encodes as false when there is nothing to ask.
type Prompt struct {
	Text string
}

func NoPrompt() Prompt {
	return Prompt{}
}

func (p Prompt) IsSet() bool {
	return p.Text != ""
}

func (p Prompt) MarshalJSON() ([]byte, error) {
	if !p.IsSet() {
		return []byte("false"), nil
	}
	return json.Marshal(p.Text)
}

func (p *Prompt) UnmarshalJSON(b []byte) error {
	if bytes.Equal(bytes.TrimSpace(b), []byte("false")) || bytes.Equal(bytes.TrimSpace(b), []byte("null")) {
		p.Text = ""
		return nil
	}
	if err := json.Unmarshal(b, &p.Text); err != nil {
		return fmt.Errorf("prompt must be a string or false: %w", err)
	}
	return nil
}

// Step is one evaluation of the onboarding flow.
type Step struct {
	NeedsInput     bool   `json:"needs_input"`
	Prompt         Prompt `json:"prompt"`
	PromptIsSecret bool   `json:"prompt_is_secret"`
	PostToURL      string `json:"post_to_url"`
	Complete       bool   `json:"complete"`
	Output         string `json:"output"`
	// Field is the field the prompt asks for; not part of the wire shape.
	Field Field `json:"-"`
}
