package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/cloudwego/eino-ext/components/document/loader/file"
	"github.com/cloudwego/eino/components/document"
	"github.com/cloudwego/eino/components/document/parser"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"taxreply/internal/api"
	"taxreply/internal/models"
	"taxreply/internal/service/ai"
	"taxreply/internal/service/assistant"
	"taxreply/internal/service/prompt"
	"taxreply/internal/worker"
)

const shutdownTimeout = 30 * time.Second

func serveCMD(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := openApp(ctx, *cfgPath)
			if err != nil {
				return err
			}
			defer a.close()

			engine := a.engine()
			builder := prompt.NewBuilder(a.catalog, a.catalog, a.settings, engine)
			chatClient := ai.NewClient(a.cfg, a.settings)
			assistantService := assistant.NewService(
				assistant.NewConversations(a.db, a.cache),
				a.catalog,
				builder,
				assistant.ResolverFromClient(chatClient),
				a.cfg.Chat.RequestTimeout,
			)

			dispatcher := worker.NewDispatcher(a.cfg.Worker, a.indexer.Handle)
			worker.StartSweeper(ctx, a, a.cfg.Worker.SweepInterval)

			router := gin.Default()
			api.NewHandler(assistantService, engine, a.catalog, a.chunks, dispatcher).RegisterRoutes(router)

			addr := a.cfg.BasicConfig.ServerAddress
			if addr == "" {
				addr = ":8090"
			}
			srv := &http.Server{Addr: addr, Handler: router}
			errCh := make(chan error, 1)
			go func() {
				log.Printf("listening on %s", addr)
				errCh <- srv.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("server stopped: %w", err)
				}
			case <-ctx.Done():
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Printf("http shutdown: %v", err)
			}
			if err := dispatcher.Close(shutdownCtx); err != nil {
				log.Printf("reindex dispatcher shutdown: %v", err)
			}
			return nil
		},
	}
}

func migrateCMD(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the database tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			// openApp migrates on the way
			a, err := openApp(cmd.Context(), *cfgPath)
			if err != nil {
				return err
			}
			defer a.close()
			fmt.Fprintf(cmd.OutOrStdout(), "database %s is up to date\n", a.dialect)
			return nil
		},
	}
}

func indexCMD(cfgPath *string) *cobra.Command {
	var (
		caseID     int64
		documentID int64
		docType    string
	)
	cmd := &cobra.Command{
		Use:   "index <file>",
		Short: "Load a text file as a document's extracted text and chunk it",
		Long: `Load a text file as a document's extracted text and chunk it.

Chunks are written to the database. A running server adds them to its full-text index at the
next maintenance sweep, or at once through POST /api/documents/:document_id/reindex. With an
on-disk lexical index the server holds the index lock, so stop it before indexing.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if caseID <= 0 && documentID <= 0 {
				return errors.New("either --case or --document is required")
			}
			text, err := loadText(ctx, args[0])
			if err != nil {
				return err
			}

			a, err := openApp(ctx, *cfgPath)
			if err != nil {
				return err
			}
			defer a.close()

			if documentID > 0 {
				if err := a.catalog.SetExtractedText(ctx, documentID, text); err != nil {
					return fmt.Errorf("update document %d: %w", documentID, err)
				}
			} else {
				if _, err := a.catalog.GetCase(ctx, caseID); err != nil {
					return fmt.Errorf("case %d: %w", caseID, err)
				}
				doc := &models.Document{
					CaseID:        caseID,
					Filename:      filepath.Base(args[0]),
					DocType:       models.DocType(docType),
					ExtractedText: text,
				}
				if err := a.catalog.CreateDocument(ctx, doc); err != nil {
					return err
				}
				documentID = doc.ID
			}

			n, err := a.indexer.ReindexDocument(ctx, documentID)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "document %d: %d chunks\n", documentID, n)
			return nil
		},
	}
	cmd.Flags().Int64Var(&caseID, "case", 0, "case id for a new document")
	cmd.Flags().Int64Var(&documentID, "document", 0, "existing document id to replace the text of")
	cmd.Flags().StringVar(&docType, "type", string(models.DocTypeOther), "document type: question_dr, support, response_draft or other")
	return cmd
}

// loadText reads a file through the eino file loader; unknown extensions parse as plain text.
func loadText(ctx context.Context, path string) (string, error) {
	extParser, err := parser.NewExtParser(ctx, &parser.ExtParserConfig{
		FallbackParser: parser.TextParser{},
	})
	if err != nil {
		return "", err
	}
	loader, err := file.NewFileLoader(ctx, &file.FileLoaderConfig{
		UseNameAsID: true,
		Parser:      extParser,
	})
	if err != nil {
		return "", err
	}
	docs, err := loader.Load(ctx, document.Source{URI: path})
	if err != nil {
		return "", fmt.Errorf("load %s: %w", path, err)
	}
	parts := make([]string, 0, len(docs))
	for _, d := range docs {
		if d != nil && strings.TrimSpace(d.Content) != "" {
			parts = append(parts, d.Content)
		}
	}
	if len(parts) == 0 {
		return "", fmt.Errorf("%s has no text", path)
	}
	return strings.Join(parts, "\n\n"), nil
}

func modelsCMD() *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List the supported chat models",
		RunE: func(cmd *cobra.Command, args []string) error {
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tPROVIDER\tNAME")
			for _, m := range ai.ListModels() {
				fmt.Fprintf(w, "%s\t%s\t%s\n", m.ID, m.Provider, m.DisplayName)
			}
			return w.Flush()
		},
	}
}
