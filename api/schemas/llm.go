package schemas

import "context"

// GenerationOptions tunes a single LLM call.
type GenerationOptions struct {
	Temperature     float32 `json:"temperature"`
	ForceJSONFormat bool    `json:"force_json_format"`
}

// InlineImage is a binary attachment for vision prompts.
type InlineImage struct {
	MimeType string `json:"mime_type"`
	// Data is base64-encoded image bytes.
	Data string `json:"data"`
}

// GenerationRequest is a provider-agnostic LLM call. Images, when present,
// are appended to the user turn for vision-capable models.
type GenerationRequest struct {
	SystemPrompt string            `json:"system_prompt"`
	UserPrompt   string            `json:"user_prompt"`
	Images       []InlineImage     `json:"images,omitempty"`
	Model        string            `json:"model,omitempty"`
	Options      GenerationOptions `json:"options"`
}

// LLMClient is the capability the planner and validator depend on.
type LLMClient interface {
	GenerateResponse(ctx context.Context, req GenerationRequest) (string, error)
}
