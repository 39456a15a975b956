// Package service implements the orchestration layer between the HTTP
// surface, the cache store, the job registry, and the recognition
// pipeline. Storage failures never fail a request here: they degrade to
// cache misses or zero values with a warning log.
package service

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/junhma/Manatan/internal/cachekey"
	"github.com/junhma/Manatan/internal/jobs"
	"github.com/junhma/Manatan/internal/ocr"
	"github.com/junhma/Manatan/internal/store"
	"github.com/junhma/Manatan/internal/upstream"
)

// batchConcurrency bounds simultaneous chapter evaluations in a batch
// status request, protecting the page-count API and the DB pool.
const batchConcurrency = 4

type Service struct {
	store    *store.Store
	registry *jobs.Registry
	pipeline *ocr.Pipeline
	upstream *upstream.Client
	logger   zerolog.Logger
	requests atomic.Uint64
}

func New(st *store.Store, pipeline *ocr.Pipeline, up *upstream.Client, logger zerolog.Logger) *Service {
	return &Service{
		store:    st,
		registry: jobs.NewRegistry(),
		pipeline: pipeline,
		upstream: up,
		logger:   logger,
	}
}

// RecognizePage serves a single page: cache hit, legacy sourceId-variant
// hit (promoted to the normalized key), or a full pipeline run whose
// result is stored. The chapter membership set is updated on every
// successful path when a chapter base URL accompanies the request.
func (s *Service) RecognizePage(ctx context.Context, q PageQuery) ([]ocr.Line, error) {
	lang := orDefault(q.Language)
	cacheKey := cachekey.ForURL(q.URL, string(lang))
	chapterKey := ""
	if q.BaseURL != "" {
		chapterKey = cachekey.ForURL(q.BaseURL, string(lang))
	}
	log := s.logger.With().Str("cache_key", cacheKey).Logger()

	entry, err := s.store.Get(ctx, cacheKey)
	if err != nil {
		log.Warn().Err(err).Msg("cache read failed, treating as miss")
	}
	if entry != nil {
		log.Info().Msg("cache hit")
		s.recordMembership(ctx, chapterKey, cacheKey)
		s.requests.Add(1)
		return entry.Data, nil
	}

	// Older releases included sourceId in the key. Promote a variant hit
	// to the normalized key so the next lookup is direct.
	legacyKey, legacyEntry, err := s.store.GetSourceIDVariant(ctx, cacheKey)
	if err != nil {
		log.Warn().Err(err).Msg("sourceId-variant lookup failed, treating as miss")
	}
	if legacyEntry != nil {
		log.Info().Str("legacy_key", legacyKey).Msg("cache hit via sourceId variant")
		if err := s.store.Put(ctx, cacheKey, *legacyEntry); err != nil {
			log.Warn().Err(err).Msg("promoting variant entry failed")
		}
		s.recordMembership(ctx, chapterKey, cacheKey)
		s.requests.Add(1)
		return legacyEntry.Data, nil
	}

	log.Info().Msg("cache miss, recognizing")
	lines, err := s.pipeline.RecognizePage(ctx, ocr.PageRequest{
		URL:             q.URL,
		Credentials:     q.Credentials,
		AddSpaceOnMerge: q.AddSpaceOnMerge,
		Language:        lang,
	})
	if err != nil {
		log.Warn().Err(err).Msg("page recognition failed")
		return nil, err
	}

	if err := s.store.Put(ctx, cacheKey, store.Entry{Context: q.Context, Data: lines}); err != nil {
		log.Warn().Err(err).Msg("cache write failed")
	}
	s.recordMembership(ctx, chapterKey, cacheKey)
	s.requests.Add(1)
	return lines, nil
}

// ChapterStatus classifies one chapter, in precedence order: live job
// progress, supplied-page-list scan (self-healing membership backfill),
// persisted membership count, then an upstream page-count lookup when
// the total is still unknown.
func (s *Service) ChapterStatus(ctx context.Context, q StatusQuery) Status {
	lang := orDefault(q.Language)
	chapterKey := cachekey.ForURL(q.BaseURL, string(lang))

	if p, ok := s.registry.Get(chapterKey); ok {
		return Status{State: StateProcessing, Progress: p.Current, Total: p.Total}
	}

	var cachedCount, totalExpected int
	if q.Pages != nil {
		if len(q.Pages) == 0 {
			return Status{State: StateIdle}
		}
		var cachedKeys []string
		for _, page := range q.Pages {
			key := cachekey.ForURL(page, string(lang))
			if s.pageCached(ctx, key) {
				cachedCount++
				cachedKeys = append(cachedKeys, key)
			}
		}
		if cachedCount > 0 {
			totalExpected = len(q.Pages)
			if err := s.store.SetChapterPageCount(ctx, chapterKey, totalExpected); err != nil {
				s.logger.Warn().Err(err).Str("chapter_key", chapterKey).Msg("persisting page count failed")
			}
			for _, key := range cachedKeys {
				s.recordMembership(ctx, chapterKey, key)
			}
		}
	} else {
		count, err := s.store.CountChapterMembers(ctx, chapterKey)
		if err != nil {
			s.logger.Warn().Err(err).Str("chapter_key", chapterKey).Msg("membership count failed")
		}
		cachedCount = count
		if cachedCount > 0 {
			progress, err := s.store.ChapterProgress(ctx, chapterKey)
			if err != nil {
				s.logger.Warn().Err(err).Str("chapter_key", chapterKey).Msg("progress lookup failed")
			}
			if progress != nil {
				totalExpected = progress.PageCount
			}
		}
	}

	// Pages recognized on demand leave no page-count record; resolve the
	// chapter's total from the page server and persist it.
	if cachedCount > 0 && totalExpected == 0 {
		total, err := s.upstream.TotalPages(ctx, q.BaseURL, q.Credentials)
		switch {
		case err != nil:
			s.logger.Warn().Err(err).Str("base_url", q.BaseURL).Msg("failed to resolve total pages for chapter")
		case total > 0:
			totalExpected = total
			if err := s.store.SetChapterPageCount(ctx, chapterKey, totalExpected); err != nil {
				s.logger.Warn().Err(err).Str("chapter_key", chapterKey).Msg("persisting page count failed")
			}
		}
	}

	state := StateIdle
	if totalExpected > 0 && cachedCount >= totalExpected {
		state = StateProcessed
	}
	return Status{State: state, CachedCount: cachedCount, TotalExpected: totalExpected}
}

// ChapterStatusBatch evaluates chapters with bounded concurrency and
// keys the result map by each chapter's base URL.
func (s *Service) ChapterStatusBatch(ctx context.Context, q BatchStatusQuery) map[string]Status {
	results := make(map[string]Status, len(q.Chapters))
	var mu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(batchConcurrency)
	for _, chapter := range q.Chapters {
		g.Go(func() error {
			lang := chapter.Language
			if lang == "" {
				lang = q.Language
			}
			status := s.ChapterStatus(ctx, StatusQuery{
				BaseURL:     chapter.BaseURL,
				Pages:       chapter.Pages,
				Credentials: q.Credentials,
				Language:    lang,
			})
			mu.Lock()
			results[chapter.BaseURL] = status
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// DeleteChapter forgets any tracked job progress, then removes the
// chapter's rows. The underlying job task, if still running, is not
// stopped; it just loses its visible progress.
func (s *Service) DeleteChapter(ctx context.Context, baseURL string, language ocr.Language, deleteData bool) store.ChapterDeleteResult {
	lang := orDefault(language)
	chapterKey := cachekey.ForURL(baseURL, string(lang))

	s.registry.Forget(chapterKey)

	result, err := s.store.DeleteChapter(ctx, chapterKey, deleteData)
	if err != nil {
		s.logger.Warn().Err(err).Str("chapter_key", chapterKey).Msg("chapter delete failed")
	}
	return result
}

// Clear drops every cached row.
func (s *Service) Clear(ctx context.Context) {
	if err := s.store.Clear(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("cache clear failed")
	}
}

// Export returns the full cache as a key-to-entry map.
func (s *Service) Export(ctx context.Context) map[string]store.Entry {
	entries, err := s.store.ExportAll(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("cache export failed")
		return map[string]store.Entry{}
	}
	return entries
}

// Import inserts entries whose keys are absent and reports how many
// were added. Existing entries are never overwritten.
func (s *Service) Import(ctx context.Context, entries map[string]store.Entry) int64 {
	added, err := s.store.ImportAll(ctx, entries)
	if err != nil {
		s.logger.Warn().Err(err).Msg("cache import failed")
		return 0
	}
	return added
}

// Health reports cache size, lifetime request count, and running jobs.
func (s *Service) Health(ctx context.Context) Health {
	size, err := s.store.Len(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("cache size lookup failed")
	}
	return Health{
		ItemsInCache:      size,
		RequestsProcessed: s.requests.Load(),
		ActiveJobs:        s.registry.Len(),
	}
}

func (s *Service) pageCached(ctx context.Context, key string) bool {
	ok, err := s.store.Has(ctx, key)
	if err != nil {
		s.logger.Warn().Err(err).Str("cache_key", key).Msg("cache probe failed")
		return false
	}
	if ok {
		return true
	}
	for _, prefix := range []string{key + "?sourceId=", key + "&sourceId="} {
		ok, err := s.store.HasPrefix(ctx, prefix)
		if err != nil {
			s.logger.Warn().Err(err).Str("cache_key", key).Msg("cache prefix probe failed")
			continue
		}
		if ok {
			return true
		}
	}
	return false
}

func (s *Service) recordMembership(ctx context.Context, chapterKey, cacheKey string) {
	if chapterKey == "" {
		return
	}
	if err := s.store.InsertChapterMember(ctx, chapterKey, cacheKey); err != nil {
		s.logger.Warn().Err(err).Str("chapter_key", chapterKey).Msg("membership insert failed")
	}
}

func orDefault(lang ocr.Language) ocr.Language {
	if lang == "" {
		return ocr.DefaultLanguage
	}
	return lang
}
