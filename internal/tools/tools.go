// Package tools runs the external collaborator commands (!transcribe,
// !github). Each invocation is a short-lived worker goroutine that
// reports over a one-shot channel; the conversation actor applies the
// resulting context mutations itself.
package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/logging"
	"github.com/parleyhq/parley/internal/passage"
)

// chunkWords is the ingestion chunk size in whitespace-separated words.
const chunkWords = 300

// Embedder turns a text chunk into a vector. Satisfied by the
// inference engines.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Result is a completed tool invocation. Reply is the user-visible
// turn text; Transcript carries fetched content for inline use;
// Passages are chunked and embedded, ready for the context store.
type Result struct {
	Reply      string
	Transcript string
	Passages   []passage.Passage
	Err        error
}

// Dispatcher owns the collaborator clients and the ingestion pipeline.
type Dispatcher struct {
	transcriber *transcriberClient
	scraper     *scraperClient
	embedder    Embedder
	store       *passage.Store
	timeout     time.Duration
	logger      *slog.Logger
}

// NewDispatcher wires the configured collaborators. Unconfigured tools
// answer with a not-configured reply instead of failing at startup.
func NewDispatcher(cfg *config.ToolsConfig, embedder Embedder, store *passage.Store) *Dispatcher {
	d := &Dispatcher{
		embedder: embedder,
		store:    store,
		timeout:  cfg.GetTimeout(),
		logger:   logging.WithComponent("tools"),
	}
	if cfg.TranscriberURL != "" {
		d.transcriber = newTranscriberClient(cfg.TranscriberURL, cfg.GetTimeout())
	}
	if cfg.ScraperURL != "" {
		d.scraper = newScraperClient(cfg.ScraperURL, cfg.GetTimeout())
	}
	return d
}

// Dispatch runs one command on a worker goroutine and returns the
// channel its single Result arrives on.
func (d *Dispatcher) Dispatch(ctx context.Context, command, arg string) <-chan Result {
	out := make(chan Result, 1)
	go func() {
		defer close(out)
		ctx, cancel := context.WithTimeout(ctx, d.timeout)
		defer cancel()

		start := time.Now()
		var res Result
		switch command {
		case "transcribe":
			res = d.transcribe(ctx, arg)
		case "github":
			res = d.scrape(ctx, arg)
		default:
			res = Result{
				Reply: fmt.Sprintf("Unknown command: %s", command),
				Err:   fmt.Errorf("unknown tool %q", command),
			}
		}
		if res.Err != nil {
			d.logger.Warn("tool invocation failed",
				"tool", command,
				"error", res.Err,
				"duration", time.Since(start))
		} else {
			d.logger.Info("tool invocation complete",
				"tool", command,
				"passages", len(res.Passages),
				"duration", time.Since(start))
		}
		out <- res
	}()
	return out
}

func (d *Dispatcher) transcribe(ctx context.Context, url string) Result {
	if d.transcriber == nil {
		return Result{
			Reply: "Transcription is not configured",
			Err:   errors.New("transcriber url not configured"),
		}
	}
	if url == "" {
		return Result{
			Reply: "Usage: !transcribe <url>",
			Err:   errors.New("missing url argument"),
		}
	}

	tr, err := d.transcriber.Transcribe(ctx, url)
	if err != nil {
		return Result{
			Reply: fmt.Sprintf("Failed to transcribe %s", url),
			Err:   err,
		}
	}

	passages, err := d.ingest(ctx, url, tr.Transcript)
	if err != nil {
		return Result{
			Reply:      fmt.Sprintf("Failed to index transcript of %s", url),
			Transcript: tr.Transcript,
			Err:        err,
		}
	}

	title := tr.Title
	if title == "" {
		title = url
	}
	return Result{
		Reply:      fmt.Sprintf("Transcribed %s (%d passages ingested)", title, len(passages)),
		Transcript: tr.Transcript,
		Passages:   passages,
	}
}

func (d *Dispatcher) scrape(ctx context.Context, ref string) Result {
	if d.scraper == nil {
		return Result{
			Reply: "Repository scraping is not configured",
			Err:   errors.New("scraper url not configured"),
		}
	}
	if ref == "" {
		return Result{
			Reply: "Usage: !github <owner/repo>",
			Err:   errors.New("missing repository argument"),
		}
	}

	files, err := d.scraper.Scrape(ctx, ref)
	if err != nil {
		return Result{
			Reply: fmt.Sprintf("Failed to scrape %s", ref),
			Err:   err,
		}
	}

	var all []passage.Passage
	for _, f := range files {
		passages, err := d.ingest(ctx, f.Path, f.Content)
		if err != nil {
			return Result{
				Reply: fmt.Sprintf("Failed to index %s", f.Path),
				Err:   err,
			}
		}
		all = append(all, passages...)
	}

	return Result{
		Reply:    fmt.Sprintf("Ingested %d files from %s (%d passages)", len(files), ref, len(all)),
		Passages: all,
	}
}

// ingest chunks the text, embeds every chunk, and replaces the source's
// rows in the passage index.
func (d *Dispatcher) ingest(ctx context.Context, sourceID, text string) ([]passage.Passage, error) {
	if d.embedder == nil {
		return nil, errors.New("no embedding engine configured")
	}

	chunks := ChunkWords(text, chunkWords)
	passages := make([]passage.Passage, 0, len(chunks))
	for _, chunk := range chunks {
		vec, err := d.embedder.Embed(ctx, chunk)
		if err != nil {
			return nil, fmt.Errorf("failed to embed chunk: %w", err)
		}
		passages = append(passages, passage.Passage{
			Content:  chunk,
			Vector:   vec,
			SourceID: sourceID,
		})
	}
	if len(passages) == 0 {
		return nil, nil
	}

	if d.store != nil {
		if err := d.store.DeleteBySource(ctx, sourceID); err != nil {
			return nil, fmt.Errorf("failed to drop stale passages: %w", err)
		}
		if err := d.store.Insert(ctx, passages...); err != nil {
			return nil, fmt.Errorf("failed to index passages: %w", err)
		}
	}
	return passages, nil
}
