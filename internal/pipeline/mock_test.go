package pipeline

import (
	"context"
	"strings"
	"sync"

	"github.com/rotisserie/eris"

	"github.com/tenderscope/tender-cli/internal/extract"
	"github.com/tenderscope/tender-cli/internal/model"
	"github.com/tenderscope/tender-cli/pkg/anthropic"
	"github.com/tenderscope/tender-cli/pkg/search"
	"github.com/tenderscope/tender-cli/pkg/vector"
)

var errUnexpectedCall = eris.New("mock: unexpected model call")

type mockSearch struct {
	results []search.Result
	err     error

	mu       sync.Mutex
	requests []search.Request
}

func (m *mockSearch) Search(_ context.Context, req search.Request) ([]search.Result, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	return m.results, nil
}

type mockVector struct {
	mu         sync.Mutex
	upserts    []vector.Item
	deleted    []string
	matches    []vector.Match
	upsertErr  error
	queryErr   error
	queryCalls int
}

func (m *mockVector) Upsert(_ context.Context, items []vector.Item) (*vector.UpsertResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.upsertErr != nil {
		return nil, m.upsertErr
	}
	m.upserts = append(m.upserts, items...)
	return &vector.UpsertResponse{
		Upserted: len(items),
		Usage:    vector.Usage{Tokens: 10 * len(items)},
	}, nil
}

func (m *mockVector) Query(_ context.Context, _ vector.QueryRequest) ([]vector.Match, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queryCalls++
	if m.queryErr != nil {
		return nil, m.queryErr
	}
	return m.matches, nil
}

func (m *mockVector) DeleteByPrefix(_ context.Context, prefix string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted = append(m.deleted, prefix)
	return nil
}

func (m *mockVector) DeleteNamespace(_ context.Context, namespace string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted = append(m.deleted, namespace)
	return nil
}

// mockAI routes each request by its system prompt so one mock serves all
// four model-call sites. Handlers return the raw response text.
type mockAI struct {
	mu    sync.Mutex
	calls []anthropic.MessageRequest

	onFilter      func(req anthropic.MessageRequest) (string, error)
	onCriteria    func(req anthropic.MessageRequest) (string, error)
	onDescribe    func(req anthropic.MessageRequest) (string, error)
	onDescFilter  func(req anthropic.MessageRequest) (string, error)
	responseUsage anthropic.TokenUsage
}

func (m *mockAI) CreateMessage(_ context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	m.mu.Lock()
	m.calls = append(m.calls, req)
	m.mu.Unlock()

	system := ""
	if len(req.System) > 0 {
		system = req.System[0].Text
	}

	var handler func(anthropic.MessageRequest) (string, error)
	switch {
	case strings.Contains(system, "first coarse pass"):
		handler = m.onFilter
	case strings.Contains(system, "fixed list of criteria"):
		handler = m.onCriteria
	case strings.Contains(system, "summarizing a tender"):
		handler = m.onDescribe
	case strings.Contains(system, "final relevance pass"):
		handler = m.onDescFilter
	}
	if handler == nil {
		return nil, errUnexpectedCall
	}

	text, err := handler(req)
	if err != nil {
		return nil, err
	}
	usage := m.responseUsage
	if usage == (anthropic.TokenUsage{}) {
		usage = anthropic.TokenUsage{InputTokens: 100, OutputTokens: 50}
	}
	return &anthropic.MessageResponse{
		Content: []anthropic.ContentBlock{{Type: "text", Text: text}},
		Usage:   usage,
	}, nil
}

func (m *mockAI) callsBySystem(fragment string) []anthropic.MessageRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []anthropic.MessageRequest
	for _, c := range m.calls {
		if len(c.System) > 0 && strings.Contains(c.System[0].Text, fragment) {
			out = append(out, c)
		}
	}
	return out
}

// mockExtractor returns prepared outcomes per tender URL.
type mockExtractor struct {
	mu       sync.Mutex
	outcomes map[string]*extract.Outcome
	err      error
	panicURL string
}

func (m *mockExtractor) Process(_ context.Context, tender model.CandidateTender) (*extract.Outcome, error) {
	if tender.URL == m.panicURL {
		panic("extractor blew up")
	}
	if m.err != nil {
		return nil, m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if out, ok := m.outcomes[tender.URL]; ok {
		return out, nil
	}
	return &extract.Outcome{
		Status:     model.ExtractionSuccess,
		DocumentID: "doc-" + tender.ID,
		Files: []extract.ProcessedFile{{
			File: model.UploadedFile{Filename: "notice.txt", StorageKey: "doc-" + tender.ID + "/notice.txt"},
			Text: "Przedmiotem zamówienia jest budowa drogi gminnej wraz z odwodnieniem.",
		}},
	}, nil
}
