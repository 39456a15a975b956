package service

import "github.com/junhma/Manatan/internal/ocr"

// Chapter status values reported to clients.
const (
	StateProcessing = "processing"
	StateProcessed  = "processed"
	StateIdle       = "idle"
)

// PageQuery is a single-page lookup-or-recognize request.
type PageQuery struct {
	URL             string
	BaseURL         string
	Credentials     ocr.Credentials
	Context         string
	AddSpaceOnMerge *bool
	Language        ocr.Language
}

// StatusQuery asks for one chapter's preprocessing status. A nil Pages
// slice means the caller did not supply a page list; an empty non-nil
// slice is a supplied-but-empty list and short-circuits to idle.
type StatusQuery struct {
	BaseURL     string
	Pages       []string
	Credentials ocr.Credentials
	Language    ocr.Language
}

// Status is the resolved chapter state. Progress/Total are only
// meaningful while processing; CachedCount/TotalExpected otherwise.
type Status struct {
	State         string
	Progress      int
	Total         int
	CachedCount   int
	TotalExpected int
}

// BatchStatusQuery resolves many chapters at once. Items without a
// language fall back to the batch-level Language.
type BatchStatusQuery struct {
	Chapters    []BatchChapter
	Credentials ocr.Credentials
	Language    ocr.Language
}

type BatchChapter struct {
	BaseURL  string
	Pages    []string
	Language ocr.Language
}

// JobRequest starts a chapter preprocessing job.
type JobRequest struct {
	BaseURL         string
	Pages           []string
	Credentials     ocr.Credentials
	Context         string
	AddSpaceOnMerge *bool
	Language        ocr.Language
}

// Health is the service-level health snapshot.
type Health struct {
	ItemsInCache      int64
	RequestsProcessed uint64
	ActiveJobs        int
}
