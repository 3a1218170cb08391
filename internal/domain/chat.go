package domain

// LLMConfig is the per-request model configuration sent by clients.
type LLMConfig struct {
	Model       string   `json:"model"`
	Temperature *float64 `json:"temperature,omitempty"`
	TopP        *float64 `json:"topP,omitempty"`
	SendMemory  bool     `json:"sendMemory,omitempty"`
	MaxTokens   int      `json:"maxTokens,omitempty"`
}

// ChatRequest is the body of a chat call. Embeddings take precedence over
// Datasource; neither present means plain chat.
type ChatRequest struct {
	Message     MessageContent        `json:"message"`
	ChatHistory []ConversationMessage `json:"chatHistory"`
	Datasource  string                `json:"datasource,omitempty"`
	Config      *LLMConfig            `json:"config"`
	Embeddings  []Embedding           `json:"embeddings,omitempty"`
	TopK        int                   `json:"topk,omitempty"`
	TimeoutMs   int                   `json:"timeout,omitempty"`
}
