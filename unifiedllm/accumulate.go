package unifiedllm

import "strings"

// StreamAccumulator collects stream events into a complete Response.
type StreamAccumulator struct {
	text         strings.Builder
	toolCalls    []ToolCall
	citations    []Citation
	seen         map[string]struct{}
	finishReason *FinishReason
	usage        *Usage
	response     *Response
}

// NewStreamAccumulator creates a new StreamAccumulator.
func NewStreamAccumulator() *StreamAccumulator {
	return &StreamAccumulator{seen: make(map[string]struct{})}
}

// Process ingests a single stream event.
func (sa *StreamAccumulator) Process(event StreamEvent) {
	switch event.Type {
	case StreamChunk:
		sa.text.WriteString(event.Delta)
		sa.toolCalls = append(sa.toolCalls, event.ToolCalls...)
		for _, c := range event.Citations {
			if _, dup := sa.seen[c.URI]; dup || c.URI == "" {
				continue
			}
			sa.seen[c.URI] = struct{}{}
			sa.citations = append(sa.citations, c)
		}
	case StreamFinish:
		sa.finishReason = event.FinishReason
		sa.usage = event.Usage
		sa.response = event.Response
	}
}

// Response returns the accumulated response. A Response carried by the
// finish event takes precedence.
func (sa *StreamAccumulator) Response() *Response {
	if sa.response != nil {
		return sa.response
	}

	var content []ContentPart
	if sa.text.Len() > 0 {
		content = append(content, TextPart(sa.text.String()))
	}
	for _, tc := range sa.toolCalls {
		content = append(content, ToolCallPart(tc))
	}

	fr := FinishReason{Reason: "stop"}
	if len(sa.toolCalls) > 0 {
		fr = FinishReason{Reason: "tool_calls"}
	}
	if sa.finishReason != nil {
		fr = *sa.finishReason
	}

	usage := Usage{}
	if sa.usage != nil {
		usage = *sa.usage
	}

	return &Response{
		Message:      Message{Role: RoleAssistant, Content: content},
		FinishReason: fr,
		Usage:        usage,
		Citations:    append([]Citation(nil), sa.citations...),
	}
}
