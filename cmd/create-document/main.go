package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"

	"botgpt/internal/app"
	"botgpt/internal/bootstrap"
	"botgpt/internal/config"
	"botgpt/internal/repository"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "create-document: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		filename string
		content  string
		filePath string
		metadata []string
	)

	flagSet := pflag.NewFlagSet("create-document", pflag.ContinueOnError)
	flagSet.StringVarP(&filename, "filename", "n", "", "document name (defaults to the --file base name)")
	flagSet.StringVarP(&content, "content", "c", "", "document text")
	flagSet.StringVarP(&filePath, "file", "f", "", "read document text from this file, \"-\" for stdin")
	flagSet.StringArrayVarP(&metadata, "metadata", "m", nil, "metadata entry as key=value (repeatable)")
	flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			printHelp(flagSet)
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		printHelp(flagSet)
		return nil
	}

	// Positional form: create-document <filename> <content>
	args := flagSet.Args()
	if filename == "" && len(args) > 0 {
		filename = args[0]
		args = args[1:]
	}
	if content == "" && len(args) > 0 {
		content = strings.Join(args, " ")
	}

	if filePath != "" {
		if content != "" {
			return fmt.Errorf("--content and --file are mutually exclusive")
		}
		raw, err := readSource(filePath)
		if err != nil {
			return err
		}
		content = string(raw)
		if filename == "" && filePath != "-" {
			filename = filepath.Base(filePath)
		}
	}
	if strings.TrimSpace(content) == "" {
		printHelp(flagSet)
		return fmt.Errorf("no content given")
	}

	meta, err := parseMetadata(metadata)
	if err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	ctx := context.Background()
	db, err := bootstrap.OpenDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	if sqlDB, err := db.DB(); err == nil {
		defer sqlDB.Close()
	}

	documents := app.NewDocumentService(
		repository.NewDocumentRepository(db),
		cfg.Pipeline.ChunkSize,
		int64(cfg.Pipeline.MaxUploadMB)<<20,
	)
	doc, err := documents.Create(ctx, app.CreateDocumentInput{
		Filename: filename,
		Content:  content,
		Metadata: meta,
	})
	if err != nil {
		return err
	}

	fmt.Printf("Document created with ID: %d\n", doc.ID)
	fmt.Printf("Filename: %s\n", doc.Filename)
	fmt.Printf("Chunks: %d\n", len(doc.Chunks))
	return nil
}

func readSource(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

// parseMetadata turns key=value entries into a map, tagging the source
// when the caller did not.
func parseMetadata(entries []string) (map[string]interface{}, error) {
	meta := map[string]interface{}{"source": "manual_upload"}
	for _, entry := range entries {
		key, value, ok := strings.Cut(entry, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid metadata entry %q, want key=value", entry)
		}
		meta[key] = value
	}
	return meta, nil
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `Create a document that RAG conversations can link to.

Usage:
  create-document [flags] [<filename> <content>]

Flags:
%s`, flagSet.FlagUsages())
}
