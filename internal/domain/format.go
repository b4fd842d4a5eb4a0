package domain

import "fmt"

// Format identifies a wire protocol spoken by a client or a channel.
type Format string

const (
	FormatOpenAIChat      Format = "openai_chat"
	FormatOpenAIResponses Format = "openai_responses"
	FormatAnthropic       Format = "anthropic"
	FormatGeneric         Format = "generic"
)

// Formats lists every supported format in a stable order.
func Formats() []Format {
	return []Format{FormatOpenAIChat, FormatOpenAIResponses, FormatAnthropic, FormatGeneric}
}

// ParseFormat accepts the canonical names plus the hyphenated spellings
// older clients and rule files use.
func ParseFormat(s string) (Format, error) {
	switch s {
	case "openai_chat", "openai-chat", "openai":
		return FormatOpenAIChat, nil
	case "openai_responses", "openai-responses":
		return FormatOpenAIResponses, nil
	case "anthropic", "claude":
		return FormatAnthropic, nil
	case "generic", "custom":
		return FormatGeneric, nil
	default:
		return "", fmt.Errorf("%w: unknown format %q", ErrInvalidRequest, s)
	}
}

func (f Format) Valid() bool {
	switch f {
	case FormatOpenAIChat, FormatOpenAIResponses, FormatAnthropic, FormatGeneric:
		return true
	}
	return false
}

// IsClientFacing reports whether the gateway exposes an endpoint for f.
func (f Format) IsClientFacing() bool {
	switch f {
	case FormatOpenAIChat, FormatOpenAIResponses, FormatAnthropic:
		return true
	case FormatGeneric:
		return false
	}
	return false
}

func (f Format) String() string {
	return string(f)
}

// Pair is the (source, target) key conversion rules are registered under.
type Pair struct {
	Source Format
	Target Format
}

func (p Pair) String() string {
	return string(p.Source) + "->" + string(p.Target)
}
