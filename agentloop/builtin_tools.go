package agentloop

// Built-in tool names.
const (
	ToolRemember               = "remember"
	ToolCreateTool             = "create_tool"
	ToolRunTool                = "run_tool"
	ToolInspectGraph           = "inspect_graph"
	ToolGetScreenshot          = "get_screenshot"
	ToolExecuteCode            = "execute_code"
	ToolSearchKnowledgeBase    = "search_knowledge_base"
	ToolQdrantListCollections  = "qdrant_list_collections"
	ToolQdrantCreateCollection = "qdrant_create_collection"
	ToolQdrantDeleteCollection = "qdrant_delete_collection"
	ToolQdrantAddKnowledge     = "qdrant_add_knowledge"
)

func stringProp(description string) map[string]any {
	return map[string]any{"type": "string", "description": description}
}

func objectSchema(props map[string]any, required ...string) map[string]any {
	schema := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

var builtinRegistry = NewRegistry(
	ToolSpec{
		Name:        ToolRemember,
		Description: "Save a fact, user preference or lesson learned to persistent memory so it is available in future conversations.",
		Parameters: objectSchema(map[string]any{
			"fact": stringProp("The fact or preference to remember."),
		}, "fact"),
	},
	ToolSpec{
		Name:        ToolCreateTool,
		Description: "Save a reusable Python snippet as a custom tool that can later be run by its trigger.",
		Parameters: objectSchema(map[string]any{
			"name":        stringProp("Human readable tool name."),
			"description": stringProp("What the tool does."),
			"trigger":     stringProp("Short unique keyword used to run the tool."),
			"code":        stringProp("Python code executed inside Blender."),
		}, "name", "description", "trigger", "code"),
	},
	ToolSpec{
		Name:        ToolRunTool,
		Description: "Run a previously created custom tool by its trigger.",
		Parameters: objectSchema(map[string]any{
			"trigger": stringProp("Trigger of the custom tool to run."),
		}, "trigger"),
	},
	ToolSpec{
		Name:        ToolInspectGraph,
		Description: "Inspect the active node tree (geometry, shader or compositor nodes) and return it as JSON.",
		Parameters:  objectSchema(map[string]any{}),
	},
	ToolSpec{
		Name:        ToolGetScreenshot,
		Description: "Capture the current 3D viewport as an image to visually verify the scene.",
		Parameters:  objectSchema(map[string]any{}),
	},
	ToolSpec{
		Name:        ToolExecuteCode,
		Description: "Execute Python code inside Blender using the bpy API. Returns stdout on success and stderr on failure.",
		Parameters: objectSchema(map[string]any{
			"code": stringProp("Python source to execute."),
		}, "code"),
	},
	ToolSpec{
		Name:        ToolSearchKnowledgeBase,
		Description: "Semantic search over the Blender knowledge base for API documentation and examples.",
		Parameters: objectSchema(map[string]any{
			"query":      stringProp("What to search for."),
			"collection": stringProp("Collection to search. Defaults to the configured collection."),
		}, "query"),
	},
	ToolSpec{
		Name:        ToolQdrantListCollections,
		Description: "List the collections in the knowledge base.",
		Parameters:  objectSchema(map[string]any{}),
	},
	ToolSpec{
		Name:        ToolQdrantCreateCollection,
		Description: "Create a new knowledge base collection.",
		Parameters: objectSchema(map[string]any{
			"name": stringProp("Name of the collection to create."),
		}, "name"),
	},
	ToolSpec{
		Name:        ToolQdrantDeleteCollection,
		Description: "Delete a knowledge base collection and all of its points.",
		Parameters: objectSchema(map[string]any{
			"name": stringProp("Name of the collection to delete."),
		}, "name"),
	},
	ToolSpec{
		Name:        ToolQdrantAddKnowledge,
		Description: "Embed a piece of text and add it to a knowledge base collection.",
		Parameters: objectSchema(map[string]any{
			"collection": stringProp("Target collection."),
			"content":    stringProp("Text to store."),
			"source":     stringProp("Where the text came from."),
		}, "collection", "content"),
	},
)

// BuiltinRegistry returns the fixed set of tools offered to the model.
func BuiltinRegistry() *Registry {
	return builtinRegistry
}
