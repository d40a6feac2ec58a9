package types

// Tool declares a backend action the model may request mid-conversation.
type Tool struct {
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	InputSchema *JSONSchema `json:"input_schema,omitempty"`
}

// NewTool creates a tool declaration.
func NewTool(name, description string, schema *JSONSchema) Tool {
	return Tool{
		Name:        name,
		Description: description,
		InputSchema: schema,
	}
}
