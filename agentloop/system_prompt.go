package agentloop

import (
	"fmt"
	"strings"
	"time"
)

const basePrompt = `You are an expert Blender technical artist and Python scripter working inside a live Blender session.
Solve 3D tasks autonomously and prove the result before you answer.`

const protocolPrompt = `## Working protocol
For any task that changes the scene:
1. State the success criteria: the objects, modifiers, nodes and links that must exist when you are done.
2. Inspect first. Call inspect_graph (or check the scene with a short script) so you do not duplicate existing work.
3. Act. Write and run Python with execute_code. Lay out nodes with node.location so graphs stay readable.
4. Verify. Call inspect_graph again, and get_screenshot when the result is visual.
5. Compare the new state with your criteria. On a mismatch, explain it, write a fix and verify again. Stop only when the criteria hold.

## Tools
- inspect_graph: JSON of the active node tree (nodes, inputs, links). Use socket identifiers in scripts.
- execute_code: run Python with bpy. Print explicit success or failure messages.
- get_screenshot: capture the 3D viewport.
- search_knowledge_base, qdrant_add_knowledge, qdrant_list_collections, qdrant_create_collection, qdrant_delete_collection: the vector knowledge base.
- create_tool / run_tool: save and run reusable scripts by trigger.
- remember: keep workflow patterns, gotchas and user preferences across conversations.

## Scripting guidelines
- Check whether a node exists before adding it, or clear the tree when starting fresh.
- Link sockets with tree.links.new(output_socket, input_socket).
- Keep scripts idempotent where you can.`

const chatOnlyPrompt = `## Mode
Tools are disabled for this conversation. Answer with explanations and complete Python snippets the user can paste into Blender's text editor.`

var verbosityPrompts = map[string]string{
	VerbosityConcise:  "Keep explanations short. Report what you changed and whether verification passed.",
	VerbosityNormal:   "Explain your plan briefly before acting and summarize the verified result.",
	VerbosityDetailed: "Explain your reasoning, the scripts you run and what each verification step showed.",
}

// BuildSystemPrompt assembles the system instruction for one request from
// the settings, the persistent memory text and the custom tool list.
func BuildSystemPrompt(settings Settings, memory string, tools []CustomTool) string {
	var sb strings.Builder
	sb.WriteString(basePrompt)
	sb.WriteString("\n\n")

	if settings.ToolsEnabled {
		sb.WriteString(protocolPrompt)
	} else {
		sb.WriteString(chatOnlyPrompt)
	}

	verbosity, ok := verbosityPrompts[settings.Verbosity]
	if !ok {
		verbosity = verbosityPrompts[VerbosityNormal]
	}
	fmt.Fprintf(&sb, "\n\n## Response style\n%s", verbosity)

	sb.WriteString("\n\n## Persistent memory\n")
	if strings.TrimSpace(memory) == "" {
		sb.WriteString("(Memory is empty)")
	} else {
		sb.WriteString("<memory>\n")
		sb.WriteString(strings.TrimSpace(memory))
		sb.WriteString("\n</memory>")
	}

	sb.WriteString("\n\n## Custom tools\nRun these with run_tool; add new ones with create_tool.\n")
	sb.WriteString(FormatCustomTools(tools))

	fmt.Fprintf(&sb, "\n\n<environment>\nModel: %s\nToday's date: %s\n</environment>", settings.Model, time.Now().Format("2006-01-02"))
	return sb.String()
}

// FormatCustomTools lists tools as "- trigger: description" lines.
func FormatCustomTools(tools []CustomTool) string {
	if len(tools) == 0 {
		return "(No custom tools created yet)"
	}
	lines := make([]string, len(tools))
	for i, t := range tools {
		lines[i] = fmt.Sprintf("- %s: %s", t.Trigger, t.Description)
	}
	return strings.Join(lines, "\n")
}
