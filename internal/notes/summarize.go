package notes

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

const (
	DefaultChunkTokenLimit     = 50000
	DefaultRecursionTokenLimit = 100000
	DefaultMaxSummaryRounds    = 8
	DefaultChunkModel          = "gpt-4-turbo"
	DefaultChunkMaxTokens      = 4000
	DefaultFinalModel          = "claude-3-7-sonnet-latest"
	DefaultFinalMaxTokens      = 8000
	DefaultFinalTemperature    = 0.5
)

type SummarizerOptions struct {
	ChunkTokenLimit     int
	RecursionTokenLimit int
	MaxRounds           int
	ChunkConcurrency    int

	ChunkModel        string
	ChunkMaxTokens    int
	ChunkTemperature  float64
	ChunkSystemPrompt string

	FinalModel       string
	FinalMaxTokens   int
	FinalTemperature *float64 // nil means DefaultFinalTemperature
	FinalPromptName  string
	Prompts          PromptSource

	Counter  TokenCounter
	Logger   *slog.Logger
	Observer Observer
}

// Artifact is a named cache entry written alongside a final summary.
type Artifact struct {
	Name string
	Body string
}

type SummaryRun struct {
	Rounds       int
	Chunks       []Artifact
	SuperSummary string
	Final        string
}

type Summarizer struct {
	cache    *Cache
	chunkLLM Completer
	finalLLM Completer
	opts     SummarizerOptions
	logger   *slog.Logger
	observer Observer
}

func NewSummarizer(cache *Cache, chunkLLM, finalLLM Completer, opts SummarizerOptions) *Summarizer {
	if opts.ChunkTokenLimit <= 0 {
		opts.ChunkTokenLimit = DefaultChunkTokenLimit
	}
	if opts.RecursionTokenLimit <= 0 {
		opts.RecursionTokenLimit = DefaultRecursionTokenLimit
	}
	if opts.MaxRounds <= 0 {
		opts.MaxRounds = DefaultMaxSummaryRounds
	}
	if opts.ChunkConcurrency <= 0 {
		opts.ChunkConcurrency = 1
	}
	if opts.ChunkModel == "" {
		opts.ChunkModel = DefaultChunkModel
	}
	if opts.ChunkMaxTokens <= 0 {
		opts.ChunkMaxTokens = DefaultChunkMaxTokens
	}
	if opts.ChunkSystemPrompt == "" {
		opts.ChunkSystemPrompt = DefaultChunkSystemPrompt
	}
	if opts.FinalModel == "" {
		opts.FinalModel = DefaultFinalModel
	}
	if opts.FinalMaxTokens <= 0 {
		opts.FinalMaxTokens = DefaultFinalMaxTokens
	}
	if opts.FinalTemperature == nil {
		temperature := DefaultFinalTemperature
		opts.FinalTemperature = &temperature
	}
	if opts.FinalPromptName == "" {
		opts.FinalPromptName = DefaultFinalPromptName
	}
	if opts.Counter == nil {
		opts.Counter = TokenCounterForModel(opts.ChunkModel)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if finalLLM == nil {
		finalLLM = chunkLLM
	}
	return &Summarizer{
		cache:    cache,
		chunkLLM: chunkLLM,
		finalLLM: finalLLM,
		opts:     opts,
		logger:   opts.Logger,
		observer: observerOrNoop(opts.Observer),
	}
}

// Summarize returns the cached final summary for the document or computes
// it. Intermediate artifacts and extra are written only after the final
// completion succeeded, and final_summary is always the last write.
func (s *Summarizer) Summarize(ctx context.Context, documentID, body string, extra ...Artifact) (string, error) {
	if cached, ok, err := s.cache.Get(ctx, documentID, ArtifactFinalSummary); err != nil {
		return "", err
	} else if ok {
		return cached, nil
	}
	run, err := s.Run(ctx, body)
	if err != nil {
		return "", fmt.Errorf("summarize %s: %w", documentID, err)
	}

	writes := append([]Artifact{{Name: ArtifactCondensedBody, Body: body}}, run.Chunks...)
	writes = append(writes, Artifact{Name: ArtifactSuperSummary, Body: run.SuperSummary})
	writes = append(writes, extra...)
	for _, artifact := range writes {
		if err := s.cache.Put(ctx, documentID, artifact.Name, artifact.Body); err != nil {
			return "", err
		}
	}
	if err := s.cache.Put(ctx, documentID, ArtifactFinalSummary, run.Final); err != nil {
		return "", err
	}
	s.logger.Info("summary_complete", "document_id", documentID, "rounds", run.Rounds, "chunks", len(run.Chunks))
	s.observer.Observe(Activity{Kind: ActivitySummaryComplete, DocumentID: documentID, Rounds: run.Rounds})
	return run.Final, nil
}

// Run reduces body round by round until the joined chunk summaries fit the
// recursion limit, then asks for the structured final summary. Nothing is
// cached.
func (s *Summarizer) Run(ctx context.Context, body string) (SummaryRun, error) {
	var run SummaryRun
	superSummary, err := s.reduce(ctx, body, &run)
	if err != nil {
		return run, err
	}
	run.SuperSummary = superSummary

	template := s.finalTemplate(ctx)
	answer, err := s.finalLLM.Complete(ctx, CompletionRequest{
		Model:       s.opts.FinalModel,
		Prompt:      RenderFinalPrompt(template, superSummary),
		MaxTokens:   s.opts.FinalMaxTokens,
		Temperature: *s.opts.FinalTemperature,
	})
	if err != nil {
		return run, fmt.Errorf("final summary: %w", err)
	}
	run.Final = ExtractSummaryTag(answer)
	return run, nil
}

func (s *Summarizer) reduce(ctx context.Context, text string, run *SummaryRun) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", nil
	}
	tokens := s.opts.Counter.Count(text)
	for round := 1; ; round++ {
		if round > s.opts.MaxRounds {
			return "", fmt.Errorf("%w: %d rounds, %d tokens left", ErrSummaryBudgetExceeded, s.opts.MaxRounds, tokens)
		}
		chunks := ChunkLines(text, s.opts.ChunkTokenLimit, s.opts.Counter)
		summaries, err := s.summarizeChunks(ctx, chunks)
		if err != nil {
			return "", fmt.Errorf("round %d: %w", round, err)
		}
		for i, summary := range summaries {
			run.Chunks = append(run.Chunks, Artifact{Name: ChunkSummaryArtifact(round, i), Body: summary})
		}
		run.Rounds = round

		joined := strings.Join(summaries, "\n")
		joinedTokens := s.opts.Counter.Count(joined)
		s.logger.Debug("summary_round", "round", round, "chunks", len(chunks), "tokens_in", tokens, "tokens_out", joinedTokens)
		if joinedTokens <= s.opts.RecursionTokenLimit {
			return joined, nil
		}
		if joinedTokens >= tokens {
			return "", fmt.Errorf("%w: round %d produced %d tokens from %d", ErrSummaryNotShrinking, round, joinedTokens, tokens)
		}
		text, tokens = joined, joinedTokens
	}
}

func (s *Summarizer) summarizeChunks(ctx context.Context, chunks []string) ([]string, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	summaries := make([]string, len(chunks))
	errs := make([]error, len(chunks))
	sem := make(chan struct{}, s.opts.ChunkConcurrency)
	var wg sync.WaitGroup
launch:
	for i, chunk := range chunks {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			break launch
		}
		if ctx.Err() != nil {
			<-sem
			break
		}
		wg.Add(1)
		go func(i int, chunk string) {
			defer wg.Done()
			defer func() { <-sem }()
			summary, err := s.chunkLLM.Complete(ctx, CompletionRequest{
				Model:       s.opts.ChunkModel,
				System:      s.opts.ChunkSystemPrompt,
				Prompt:      chunkUserPrompt(chunk),
				MaxTokens:   s.opts.ChunkMaxTokens,
				Temperature: s.opts.ChunkTemperature,
			})
			summaries[i] = strings.TrimSpace(summary)
			if err != nil {
				errs[i] = err
				cancel()
			}
		}(i, chunk)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			return nil, fmt.Errorf("chunk %d of %d: %w", i+1, len(chunks), err)
		}
	}
	// Cancelled by the caller before any chunk failed.
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return summaries, nil
}

func (s *Summarizer) finalTemplate(ctx context.Context) string {
	if s.opts.Prompts == nil {
		return DefaultFinalPrompt
	}
	template, err := s.opts.Prompts.Prompt(ctx, s.opts.FinalPromptName)
	if err != nil {
		s.logger.Warn("prompt_fetch_failed", "prompt", s.opts.FinalPromptName, "error", err)
		return DefaultFinalPrompt
	}
	if strings.TrimSpace(template) == "" {
		return DefaultFinalPrompt
	}
	return template
}

// ChunkLines groups lines into chunks of at most limit tokens, counting the
// newline that joins each line to the previous one. A single line over the
// limit is split on rune boundaries.
func ChunkLines(text string, limit int, counter TokenCounter) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	var chunks []string
	var current []string
	currentTokens := 0
	sepTokens := counter.Count("\n")
	flush := func() {
		if len(current) > 0 {
			chunks = append(chunks, strings.Join(current, "\n"))
			current = nil
			currentTokens = 0
		}
	}
	for _, line := range strings.Split(text, "\n") {
		lineTokens := counter.Count(line)
		if lineTokens > limit {
			flush()
			chunks = append(chunks, splitOversizedLine(line, limit, counter)...)
			continue
		}
		if len(current) > 0 && currentTokens+sepTokens+lineTokens > limit {
			flush()
		}
		if len(current) > 0 {
			currentTokens += sepTokens
		}
		current = append(current, line)
		currentTokens += lineTokens
	}
	flush()
	return chunks
}

func splitOversizedLine(line string, limit int, counter TokenCounter) []string {
	runes := []rune(line)
	total := counter.Count(line)
	size := len(runes) * limit / total
	if size < 1 {
		size = 1
	}
	var parts []string
	for start := 0; start < len(runes); start += size {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		parts = append(parts, string(runes[start:end]))
	}
	return parts
}
