package dialogue

import "strings"

// InstructionConfig is the typed source for the system instruction. The
// instruction is assembled deterministically from recognized fragments so
// transport and dialogue layers never exchange ad hoc prompt strings.
type InstructionConfig struct {
	// RestaurantName is spoken in the greeting and order confirmations.
	RestaurantName string

	// Persona is a one-line description of the agent's role.
	Persona string

	// MenuLines list the orderable items, one per line, prices included.
	MenuLines []string

	// PolicyLines are extra operating rules (hours, pickup only, tax).
	PolicyLines []string

	// Language is the conversation language name, for example "English".
	Language string
}

// Compose assembles the system instruction. Equal configs always produce
// byte-identical instructions.
func (c InstructionConfig) Compose() string {
	var b strings.Builder

	persona := c.Persona
	if persona == "" {
		persona = "You are a friendly phone agent taking pickup orders for " + c.RestaurantName + "."
	}
	b.WriteString(persona)
	b.WriteString("\n\nKeep replies short and speakable: no lists, no markup, one or two sentences.")
	b.WriteString("\nOnly offer items that appear on the menu below.")
	b.WriteString("\nWhen the caller is done ordering, confirm the full order and total, then call the order_summary tool with summary set to DONE.")
	b.WriteString("\nWhile the order is still being built, call order_summary with summary IN PROGRESS whenever items change.")

	if len(c.MenuLines) > 0 {
		b.WriteString("\n\nMenu:\n")
		b.WriteString(strings.Join(c.MenuLines, "\n"))
	}
	if len(c.PolicyLines) > 0 {
		b.WriteString("\n\nPolicies:\n")
		b.WriteString(strings.Join(c.PolicyLines, "\n"))
	}
	if c.Language != "" {
		b.WriteString("\n\nSpeak ")
		b.WriteString(c.Language)
		b.WriteString(" for the whole call.")
	}

	return b.String()
}
