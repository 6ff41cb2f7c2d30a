package synthesis

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
	"google.golang.org/genai"

	"github.com/xkilldash9x/cartographer/api/schemas"
	"github.com/xkilldash9x/cartographer/internal/config"
)

// -- Test Setup Helpers --

func textResponse(text string) *genai.GenerateContentResponse {
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content:      genai.NewContentFromText(text, genai.RoleModel),
			FinishReason: genai.FinishReasonStop,
		}},
		UsageMetadata: &genai.GenerateContentResponseUsageMetadata{
			PromptTokenCount:     10,
			CandidatesTokenCount: 20,
			TotalTokenCount:      30,
		},
	}
}

func testGenerator(t *testing.T, retries uint64, call contentFunc) (*GeminiGenerator, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zap.InfoLevel)
	g := newGeminiGenerator(config.SynthesisConfig{Model: "test-model", MaxRetries: retries}, call, zap.New(core))
	g.policy = func() backoff.BackOff { return &backoff.ZeroBackOff{} }
	return g, logs
}

type fakeGenerator struct {
	fail  map[string]error
	calls []string
}

func (f *fakeGenerator) Generate(_ context.Context, prompt string, maxTokens int) (string, error) {
	f.calls = append(f.calls, prompt)
	for marker, err := range f.fail {
		if strings.Contains(prompt, marker) {
			return "", err
		}
	}
	return "```ts\ntest('journey', async () => {});\n```", nil
}

func sampleRun() ([]*schemas.Page, []schemas.UserJourney) {
	pages := []*schemas.Page{
		{ID: "p1", URL: "https://app.test/", Title: "Home", Kind: schemas.PageLanding, Components: []schemas.UIComponent{
			{Type: "link", Text: "Sign in", Locator: "xpath://a[1]"},
			{Type: "text", Text: "Welcome"},
		}},
		{ID: "p2", URL: "https://app.test/login", Title: "Login", Kind: schemas.PageLogin},
		{ID: "p3", URL: "https://app.test/home", Kind: schemas.PageDashboard},
	}
	journeys := []schemas.UserJourney{
		{ID: "0f7c2a9e-aaaa", Name: "Home to Dashboard", Description: "Click Sign in, then Submit", Steps: []schemas.Transition{
			{SourcePageID: "p1", TargetPageID: "p2", Kind: schemas.KindNavigation, Description: "Click Sign in", Locator: "xpath://a[1]"},
			{SourcePageID: "p2", TargetPageID: "p3", Kind: schemas.KindFormSubmission, Description: "Click Submit", Locator: "id:submit", FormSubmission: true},
		}},
		{ID: "1b2c3d4e-bbbb", Name: "Login to Dashboard", Steps: []schemas.Transition{
			{SourcePageID: "p2", TargetPageID: "p3", Kind: schemas.KindFormSubmission, Locator: "id:submit"},
		}},
	}
	return pages, journeys
}

// -- Test Cases: GeminiGenerator --

func TestGeminiGenerator_Success(t *testing.T) {
	var got *genai.GenerateContentConfig
	g, logs := testGenerator(t, 2, func(_ context.Context, prompt string, gc *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
		got = gc
		assert.Equal(t, "write a test", prompt)
		return textResponse("source"), nil
	})

	out, err := g.Generate(context.Background(), "write a test", 512)
	require.NoError(t, err)
	assert.Equal(t, "source", out)
	require.NotNil(t, got)
	assert.Equal(t, int32(512), got.MaxOutputTokens)
	assert.NotNil(t, got.SystemInstruction)

	entries := logs.FilterMessage("Generation complete.").All()
	require.Len(t, entries, 1)
	assert.EqualValues(t, 30, entries[0].ContextMap()["total_tokens"])
}

func TestGeminiGenerator_RetriesTransientErrors(t *testing.T) {
	var calls atomic.Int32
	g, _ := testGenerator(t, 3, func(context.Context, string, *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
		if calls.Add(1) < 3 {
			return nil, errors.New("503 unavailable")
		}
		return textResponse("ok"), nil
	})

	out, err := g.Generate(context.Background(), "p", 0)
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
	assert.Equal(t, int32(3), calls.Load())
}

func TestGeminiGenerator_GivesUpAfterMaxRetries(t *testing.T) {
	var calls atomic.Int32
	g, _ := testGenerator(t, 2, func(context.Context, string, *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
		calls.Add(1)
		return nil, errors.New("boom")
	})

	_, err := g.Generate(context.Background(), "p", 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	assert.Equal(t, int32(3), calls.Load(), "one attempt plus two retries")
}

func TestGeminiGenerator_BlockedIsPermanent(t *testing.T) {
	var calls atomic.Int32
	g, _ := testGenerator(t, 5, func(context.Context, string, *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
		calls.Add(1)
		return &genai.GenerateContentResponse{Candidates: []*genai.Candidate{{FinishReason: genai.FinishReasonSafety}}}, nil
	})

	_, err := g.Generate(context.Background(), "p", 0)
	assert.ErrorIs(t, err, ErrBlocked)
	assert.Equal(t, int32(1), calls.Load())
}

func TestGeminiGenerator_EmptyContentRetried(t *testing.T) {
	var calls atomic.Int32
	g, _ := testGenerator(t, 1, func(context.Context, string, *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
		if calls.Add(1) == 1 {
			return textResponse("  "), nil
		}
		return textResponse("second"), nil
	})

	out, err := g.Generate(context.Background(), "p", 0)
	require.NoError(t, err)
	assert.Equal(t, "second", out)
}

func TestGeminiGenerator_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32
	g, _ := testGenerator(t, 5, func(context.Context, string, *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
		calls.Add(1)
		cancel()
		return nil, context.Canceled
	})

	_, err := g.Generate(ctx, "p", 0)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(1), calls.Load())
}

func TestNewGeminiGenerator_RequiresKey(t *testing.T) {
	_, err := NewGeminiGenerator(context.Background(), config.SynthesisConfig{}, zaptest.NewLogger(t))
	assert.Error(t, err)
}

// -- Test Cases: Prompts and Sources --

func TestPromptBuilder_Journey(t *testing.T) {
	pages, journeys := sampleRun()
	deps := []schemas.FieldDependency{{Controlled: "reason", Controller: "other", Effects: []schemas.DependencyEffect{schemas.EffectVisibility}}}

	prompt := NewPromptBuilder("Playwright", pages, deps).Journey(journeys[0])

	assert.Contains(t, prompt, `Write a Playwright end-to-end test named "Home to Dashboard"`)
	assert.Contains(t, prompt, "URL: https://app.test/")
	assert.Contains(t, prompt, `- link "Sign in" at xpath://a[1]`)
	assert.NotContains(t, prompt, "Welcome", "non-interactive components are not listed")
	assert.Contains(t, prompt, `1. Click Sign in (xpath://a[1]) -> lands on "Login" (https://app.test/login)`)
	assert.Contains(t, prompt, "2. Click Submit (id:submit) [submits form] -> lands on https://app.test/home")
	assert.Contains(t, prompt, "- other changes visibility of reason")
}

func TestPromptBuilder_StepWithoutDescription(t *testing.T) {
	pages, journeys := sampleRun()
	prompt := NewPromptBuilder("", pages, nil).Journey(journeys[1])
	assert.Contains(t, prompt, "Write a Playwright end-to-end test")
	assert.Contains(t, prompt, "1. form_submission (id:submit)")
	assert.NotContains(t, prompt, "Field dependencies")
}

func TestCleanSource(t *testing.T) {
	tests := []struct {
		name, in, want string
	}{
		{"fenced with language", "```go\npackage x\n```", "package x\n"},
		{"fenced without language", "```\nabc\n```", "abc\n"},
		{"surrounding chatter", "Here you go:\n```ts\nconst a = 1;\n```\nEnjoy", "const a = 1;\n"},
		{"plain", "  plain text  ", "plain text\n"},
		{"empty", "   ", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CleanSource(tt.in))
		})
	}
}

func TestFileName(t *testing.T) {
	j := schemas.UserJourney{ID: "0f7c2a9e-aaaa", Name: "Home to Dashboard!"}
	assert.Equal(t, "home-to-dashboard-0f7c2a9e.spec.ts", fileName(j, "playwright"))
	assert.Equal(t, "journey.cy.js", fileName(schemas.UserJourney{Name: "!!"}, "cypress"))
}

// -- Test Cases: Synthesizer --

func TestSynthesizer_ForJourneys(t *testing.T) {
	pages, journeys := sampleRun()
	dir := t.TempDir()
	gen := &fakeGenerator{}
	s := NewSynthesizer(gen, config.SynthesisConfig{OutputDir: dir, Framework: "playwright", MaxTokens: 100}, zaptest.NewLogger(t))

	artifacts, err := s.ForJourneys(context.Background(), journeys, pages, nil)
	require.NoError(t, err)
	require.Len(t, artifacts, 2)
	assert.Len(t, gen.calls, 2)

	a := artifacts[0]
	assert.Equal(t, journeys[0].ID, a.JourneyID)
	assert.Equal(t, "test('journey', async () => {});\n", a.Source)
	assert.Equal(t, filepath.Join(dir, "home-to-dashboard-0f7c2a9e.spec.ts"), a.Path)

	data, err := os.ReadFile(a.Path)
	require.NoError(t, err)
	assert.Equal(t, a.Source, string(data))
}

func TestSynthesizer_PartialFailure(t *testing.T) {
	pages, journeys := sampleRun()
	boom := errors.New("quota")
	gen := &fakeGenerator{fail: map[string]error{"Home to Dashboard": boom}}
	s := NewSynthesizer(gen, config.SynthesisConfig{}, zaptest.NewLogger(t))

	artifacts, err := s.ForJourneys(context.Background(), journeys, pages, nil)
	assert.ErrorIs(t, err, boom)
	require.Len(t, artifacts, 1)
	assert.Equal(t, "Login to Dashboard", artifacts[0].Name)
	assert.Empty(t, artifacts[0].Path, "no output dir configured")
}

func TestSynthesizer_Cancelled(t *testing.T) {
	pages, journeys := sampleRun()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	gen := &fakeGenerator{}
	s := NewSynthesizer(gen, config.SynthesisConfig{}, zaptest.NewLogger(t))

	artifacts, err := s.ForJourneys(ctx, journeys, pages, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, artifacts)
	assert.Empty(t, gen.calls)
}
