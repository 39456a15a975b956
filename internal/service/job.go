package service

import (
	"context"

	"github.com/junhma/Manatan/internal/cachekey"
	"github.com/junhma/Manatan/internal/ocr"
	"github.com/junhma/Manatan/internal/store"
)

// StartChapterJob registers a preprocessing job for the chapter and
// runs it in the background. Returns false when a job for the same
// chapter is already tracked. The caller is not told how the job ends;
// progress is observable through ChapterStatus only.
func (s *Service) StartChapterJob(ctx context.Context, req JobRequest) bool {
	lang := orDefault(req.Language)
	chapterKey := cachekey.ForURL(req.BaseURL, string(lang))

	if !s.registry.Begin(chapterKey, len(req.Pages)) {
		return false
	}

	// The job outlives the request that started it.
	go s.runChapterJob(context.WithoutCancel(ctx), chapterKey, lang, req)
	return true
}

// runChapterJob recognizes each page in order. Already-cached pages are
// counted without re-recognition; a failing page is logged and skipped.
// The progress entry is removed when every page has been attempted.
func (s *Service) runChapterJob(ctx context.Context, chapterKey string, lang ocr.Language, req JobRequest) {
	log := s.logger.With().Str("chapter_key", chapterKey).Logger()
	log.Info().Int("pages", len(req.Pages)).Msg("chapter job started")

	defer s.registry.Finish(chapterKey)

	total := len(req.Pages)
	processed := 0
	for i, page := range req.Pages {
		pageKey := cachekey.ForURL(page, string(lang))

		cached, err := s.store.Has(ctx, pageKey)
		if err != nil {
			log.Warn().Err(err).Str("cache_key", pageKey).Msg("cache probe failed, re-recognizing")
		}
		if cached {
			s.recordMembership(ctx, chapterKey, pageKey)
			processed++
			s.registry.Advance(chapterKey, processed)
			continue
		}

		lines, err := s.pipeline.RecognizePage(ctx, ocr.PageRequest{
			URL:             page,
			Credentials:     req.Credentials,
			AddSpaceOnMerge: req.AddSpaceOnMerge,
			Language:        lang,
		})
		if err != nil {
			log.Warn().Err(err).Int("page", i).Str("url", page).Msg("page failed, continuing with next")
			continue
		}

		if err := s.store.Put(ctx, pageKey, store.Entry{Context: req.Context, Data: lines}); err != nil {
			log.Warn().Err(err).Str("cache_key", pageKey).Msg("cache write failed")
		}
		s.recordMembership(ctx, chapterKey, pageKey)
		s.requests.Add(1)

		processed++
		s.registry.Advance(chapterKey, processed)
		if err := s.store.SetChapterProgress(ctx, chapterKey, total, processed); err != nil {
			log.Warn().Err(err).Msg("persisting chapter progress failed")
		}
	}

	if err := s.store.SetChapterProgress(ctx, chapterKey, total, processed); err != nil {
		log.Warn().Err(err).Msg("persisting chapter progress failed")
	}
	log.Info().Int("processed", processed).Int("total", total).Msg("chapter job finished")
}
