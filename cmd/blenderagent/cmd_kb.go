package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/martinemde/blenderagent/agentloop"
	"github.com/martinemde/blenderagent/knowledge"
)

func newKBCommand(state *cliState) *cobra.Command {
	var collection string

	cmd := &cobra.Command{
		Use:   "kb",
		Short: "Manage the Qdrant knowledge base",
	}
	cmd.PersistentFlags().StringVar(&collection, "collection", "", "Collection to use (defaults to qdrant.collection)")
	collectionName := func() string {
		if collection != "" {
			return collection
		}
		return state.cfg.Qdrant.Collection
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "collections",
		Short: "List collections",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := knowledge.NewStore(state.cfg.KnowledgeConfig(), state.logger)
			if err != nil {
				return err
			}
			defer store.Close()

			names, err := store.ListCollections(cmd.Context())
			if err != nil {
				return err
			}
			if len(names) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No collections found.")
				return nil
			}
			for _, name := range names {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			return nil
		},
	})

	var size uint64
	create := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a cosine-distance collection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := knowledge.NewStore(state.cfg.KnowledgeConfig(), state.logger)
			if err != nil {
				return err
			}
			defer store.Close()

			if size == 0 {
				size = state.cfg.Qdrant.VectorSize
			}
			if err := store.CreateCollection(cmd.Context(), args[0], size); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created collection %s (size %d)\n", args[0], size)
			return nil
		},
	}
	create.Flags().Uint64Var(&size, "size", 0, "Vector size (defaults to qdrant.vector_size)")
	cmd.AddCommand(create)

	cmd.AddCommand(&cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a collection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := knowledge.NewStore(state.cfg.KnowledgeConfig(), state.logger)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.DeleteCollection(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted collection %s\n", args[0])
			return nil
		},
	})

	var (
		files  []string
		source string
	)
	add := &cobra.Command{
		Use:   "add [text...]",
		Short: "Embed and store documents",
		Long:  "Embed each text argument and each --file as one document and store them in the collection.",
		Example: strings.Join([]string{
			"  blenderagent kb add \"bpy.ops.mesh.primitive_cube_add adds a cube\"",
			"  blenderagent kb add --file notes/geometry_nodes.md --collection my_docs",
		}, "\n"),
		RunE: func(cmd *cobra.Command, args []string) error {
			docs, err := collectDocuments(args, files, source)
			if err != nil {
				return err
			}
			if len(docs) == 0 {
				return errors.New("nothing to add: pass text or --file")
			}
			ctx := cmd.Context()
			store, embedder, err := openKnowledge(ctx, state)
			if err != nil {
				return err
			}
			defer store.Close()

			name := collectionName()
			if err := store.EnsureCollection(ctx, name, state.cfg.Qdrant.VectorSize); err != nil {
				return err
			}
			n, err := store.AddDocuments(ctx, embedder, name, docs)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Added %d of %d documents to %s\n", n, len(docs), name)
			return nil
		},
	}
	add.Flags().StringSliceVarP(&files, "file", "f", nil, "Read a document from a file (repeatable)")
	add.Flags().StringVar(&source, "source", "", "Source label stored with text arguments")
	cmd.AddCommand(add)

	var limit int
	search := &cobra.Command{
		Use:   "search <query>",
		Short: "Search the knowledge base",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, embedder, err := openKnowledge(ctx, state)
			if err != nil {
				return err
			}
			defer store.Close()

			vector, err := embedder.Embed(ctx, strings.Join(args, " "))
			if err != nil {
				return fmt.Errorf("embed query: %w", err)
			}
			if len(vector) == 0 {
				return errors.New("embed query: empty embedding")
			}
			name := collectionName()
			hits, err := store.Search(ctx, name, vector, limit)
			if err != nil {
				return err
			}
			if len(hits) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No results.")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), agentloop.FormatKnowledge(name, hits))
			return nil
		},
	}
	search.Flags().IntVarP(&limit, "limit", "n", 5, "Maximum number of results")
	cmd.AddCommand(search)

	return cmd
}

// openKnowledge connects to Qdrant and creates the Gemini embedder the
// agent uses, so stored vectors match what it searches with.
func openKnowledge(ctx context.Context, state *cliState) (*knowledge.Store, agentloop.Embedder, error) {
	embedder, err := newEmbedder(ctx, state.cfg.LLM)
	if err != nil {
		return nil, nil, err
	}
	if embedder == nil {
		return nil, nil, errors.New("embeddings need the gemini provider and GEMINI_API_KEY")
	}
	store, err := knowledge.NewStore(state.cfg.KnowledgeConfig(), state.logger)
	if err != nil {
		return nil, nil, err
	}
	return store, embedder, nil
}

func collectDocuments(texts, files []string, source string) ([]knowledge.Document, error) {
	docs := make([]knowledge.Document, 0, len(texts)+len(files))
	for _, text := range texts {
		if strings.TrimSpace(text) == "" {
			continue
		}
		docs = append(docs, knowledge.Document{Text: text, Source: source})
	}
	for _, path := range files {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		if strings.TrimSpace(string(data)) == "" {
			continue
		}
		docs = append(docs, knowledge.Document{Text: string(data), Source: filepath.Base(path)})
	}
	return docs, nil
}
