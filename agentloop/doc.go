// Package agentloop implements the Blender assistant's request loop.
//
// A request pairs one user input with the conversation so far. The Agent
// augments the input from the knowledge base, streams the model's reply,
// executes any tool calls against the Blender add-on and feeds the results
// back until the model answers without calling tools or the turn ceiling is
// reached.
//
// # Architecture
//
// The package is organized around these pieces:
//
//   - Agent: drives a request end to end and writes progress to a
//     MessageStore as one streaming model message.
//   - Runner: executes a single streaming model turn and publishes
//     snapshots as chunks arrive.
//   - Executor: validates and dispatches the built-in tools (Blender bridge,
//     memory, custom tools and the knowledge base).
//   - Augmenter: prepends relevant knowledge to the user's text.
//   - EventEmitter: typed event stream for hosts that want to observe a
//     request.
//
// Collaborators (LLM, Bridge, Embedder, KnowledgeBase, MessageStore) are
// interfaces so the loop can run against fakes.
//
// # Quick Start
//
//	exec := agentloop.NewExecutor(bridgeClient,
//	    agentloop.WithKnowledgeBase(embedder, store))
//	agent := agentloop.NewAgent(llmClient, exec)
//
//	err := agent.Send(ctx, agentloop.SendRequest{
//	    Text:     "Add a subdivided cube",
//	    Settings: settings,
//	    Store:    session,
//	})
package agentloop
