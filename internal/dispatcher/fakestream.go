package dispatcher

import (
	"bytes"
	"encoding/json"

	"github.com/tidwall/gjson"
)

// fakeStreamChunkSize is the spec's hard cap on synthetic content-delta
// chunk length (spec §4.E Fake-stream transformation).
const fakeStreamChunkSize = 50

// FakeStreamOpenAI transcodes a non-streaming OpenAI-kind chat completion
// response into the SSE chunk stream a streaming client expects (spec §4.E
// "Fake-stream transformation (OpenAI-kind)"). Anthropic and Gemini are
// analogous but schema-specific and are not implemented here (flagged, not
// silently dropped, per the spec's own Open Question on the other kinds).
func FakeStreamOpenAI(body []byte) []byte {
	root := gjson.ParseBytes(body)
	id := root.Get("id").String()
	object := "chat.completion.chunk"
	model := root.Get("model").String()
	created := root.Get("created").Int()

	var out bytes.Buffer
	for _, choice := range root.Get("choices").Array() {
		content := choice.Get("message.content").String()
		for _, piece := range chunkString(content, fakeStreamChunkSize) {
			writeSSE(&out, deltaChunk(id, object, model, created, map[string]any{"content": piece}, ""))
		}

		for i, tc := range choice.Get("message.tool_calls").Array() {
			writeSSE(&out, toolCallDeltaChunk(id, object, model, created, i, tc))
		}

		finishReason := choice.Get("finish_reason").String()
		if finishReason == "" {
			finishReason = "stop"
		}
		writeSSE(&out, finishChunk(id, object, model, created, finishReason))
	}

	out.WriteString("data: [DONE]\n\n")
	return out.Bytes()
}

func writeSSE(out *bytes.Buffer, payload []byte) {
	out.WriteString("data: ")
	out.Write(payload)
	out.WriteString("\n\n")
}

// chunkString splits s into pieces of at most n bytes, preserving order.
// Returns a single empty-string piece for empty input so callers still emit
// one content delta (matching the spec's worked example: a 13-char message
// yields exactly one chunk).
func chunkString(s string, n int) []string {
	if s == "" {
		return []string{""}
	}
	var pieces []string
	for len(s) > 0 {
		end := n
		if end > len(s) {
			end = len(s)
		}
		pieces = append(pieces, s[:end])
		s = s[end:]
	}
	return pieces
}

func deltaChunk(id, object, model string, created int64, delta map[string]any, finishReason string) []byte {
	chunk := map[string]any{
		"id": id, "object": object, "created": created, "model": model,
		"choices": []map[string]any{{
			"index": 0, "delta": delta, "finish_reason": nilOrString(finishReason),
		}},
	}
	b, _ := json.Marshal(chunk)
	return b
}

// toolCallDeltaChunk emits one tool-call delta. The outer choice index is
// hardcoded to 0 regardless of which choice produced the tool call -- this
// mirrors the source transcoder's existing behavior and is called out as an
// unresolved Open Question rather than silently corrected.
func toolCallDeltaChunk(id, object, model string, created int64, toolIndex int, tc gjson.Result) []byte {
	chunk := map[string]any{
		"id": id, "object": object, "created": created, "model": model,
		"choices": []map[string]any{{
			"index": 0,
			"delta": map[string]any{
				"tool_calls": []map[string]any{{
					"index": toolIndex,
					"id":    tc.Get("id").String(),
					"function": map[string]any{
						"name":      tc.Get("function.name").String(),
						"arguments": tc.Get("function.arguments").String(),
					},
				}},
			},
			"finish_reason": nil,
		}},
	}
	b, _ := json.Marshal(chunk)
	return b
}

func finishChunk(id, object, model string, created int64, finishReason string) []byte {
	chunk := map[string]any{
		"id": id, "object": object, "created": created, "model": model,
		"choices": []map[string]any{{
			"index": 0, "delta": map[string]any{}, "finish_reason": finishReason,
		}},
	}
	b, _ := json.Marshal(chunk)
	return b
}

func nilOrString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
