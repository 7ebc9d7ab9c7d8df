package router

import (
	"fmt"

	"github.com/kalambet/machinist/internal/agent"
	"github.com/kalambet/machinist/internal/llm"
	"github.com/kalambet/machinist/internal/prompt"
	"github.com/kalambet/machinist/internal/tools"
)

const classifierSystemTemplate = `You route questions for a machine maintenance assistant. Your output must be ONLY a single valid JSON object that conforms to the provided schema. Do not include any other text, prose, or markdown.

Strategies:
- "SQL": the answer comes from machine telemetry (sensor readings, machine registry).
- "RETRIEVAL": the answer comes from the maintenance manuals.
- "HYBRID": the answer needs telemetry and the manuals together.

Available tools:
%s

Rules:
- Pick exactly one strategy.
- Set machine_id only when the question or the conversation names a machine.
- Give a one-sentence rationale.`

func classifierMessages(question string, ds []tools.Descriptor, history []agent.Turn) []llm.Message {
	if len(ds) == 0 {
		ds = tools.Catalog()
	}
	msgs := []llm.Message{{Role: "system", Content: fmt.Sprintf(classifierSystemTemplate, tools.Describe(ds))}}
	msgs = append(msgs, prompt.History(history, 400)...)
	return append(msgs, llm.Message{Role: "user", Content: question})
}

func classifierSchema() *llm.Schema {
	return &llm.Schema{
		Type: "object",
		Properties: map[string]llm.SchemaProperty{
			"strategy":   {Type: "string", Description: "One of: SQL, RETRIEVAL, HYBRID"},
			"rationale":  {Type: "string", Description: "Why this strategy answers the question"},
			"machine_id": {Type: "string", Description: "Machine identifier mentioned, or empty"},
		},
		Required: []string{"strategy", "rationale"},
	}
}
