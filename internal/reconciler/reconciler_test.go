package reconciler

import (
	"context"
	"strings"
	"testing"
	"time"

	"spoken-eval-platform/internal/asr"
	"spoken-eval-platform/internal/config"
	"spoken-eval-platform/internal/datastore"
	"spoken-eval-platform/internal/quotapool"
)

func newTestPool(t *testing.T, providers ...string) *quotapool.Pool {
	t.Helper()
	store := datastore.NewMemoryCredentialStore()
	for i, provider := range providers {
		cred := &datastore.Credential{
			ID:         provider + "-cred-" + string(rune('a'+i)),
			Capability: datastore.CapabilitySpeech,
			Provider:   provider,
			APIKey:     "key",
		}
		if err := store.CreateCredential(cred); err != nil {
			t.Fatalf("seed credential: %v", err)
		}
	}
	pool, err := quotapool.New(store)
	if err != nil {
		t.Fatalf("quotapool.New: %v", err)
	}
	return pool
}

func newTestReconciler(t *testing.T, a, b *asr.MockEngine, pool *quotapool.Pool) *Reconciler {
	t.Helper()
	r := New(
		EngineVariant{Engine: a, Provider: "mock"},
		EngineVariant{Engine: b, Provider: "mock"},
		pool,
		DefaultConfig(config.DefaultRuleTables()),
	)
	// No real clocks in tests.
	r.sleep = func(context.Context, time.Duration) error { return nil }
	return r
}

func testSegment() AudioSegment {
	return AudioSegment{
		SegmentKey:     SegmentKey(1, 1, "q-abc"),
		PartNumber:     1,
		QuestionNumber: 1,
		QuestionID:     "q-abc",
		DurationSec:    8,
	}
}

func TestAgreementScoreSpecScenario(t *testing.T) {
	t.Parallel()

	a := "I think that education is very important"
	b := "I think education is very important"
	got := agreementScore(a, b)
	// LCS is 6 words over a longer length of 7.
	want := 6.0 / 7.0
	if got < want-0.001 || got > want+0.001 {
		t.Fatalf("agreementScore = %.3f, want %.3f", got, want)
	}
}

func TestAgreementScoreIdentical(t *testing.T) {
	t.Parallel()

	if got := agreementScore("hello world again", "hello world again"); got != 1.0 {
		t.Fatalf("agreementScore(identical) = %.3f, want 1.0", got)
	}
}

func TestAgreementScoreDisjoint(t *testing.T) {
	t.Parallel()

	if got := agreementScore("alpha beta gamma", "delta epsilon zeta"); got != 0.0 {
		t.Fatalf("agreementScore(disjoint) = %.3f, want 0.0", got)
	}
}

func TestConsensusPrefersLongerTranscript(t *testing.T) {
	t.Parallel()

	engA := asr.NewMockEngine("a", "I think that education is very important")
	engB := asr.NewMockEngine("b", "I think education is very important")
	pool := newTestPool(t, "mock", "mock")
	r := newTestReconciler(t, engA, engB, pool)

	m, err := r.TranscribeSegment(context.Background(), "job-1", testSegment(), []byte{1}, "en")
	if err != nil {
		t.Fatalf("TranscribeSegment: %v", err)
	}
	if m.Method != MethodConsensus {
		t.Fatalf("method = %s, want consensus", m.Method)
	}
	if m.Confidence != ConfidenceHigh {
		t.Fatalf("confidence = %s, want high", m.Confidence)
	}
	if m.FinalText != "I think that education is very important" {
		t.Fatalf("final text = %q, want the longer transcript", m.FinalText)
	}
	if m.AgreementScore < 0.8 {
		t.Fatalf("agreement = %.3f, want >= 0.8", m.AgreementScore)
	}
}

func TestMergeIdempotent(t *testing.T) {
	t.Parallel()

	text := "My favourite season is autumn because the weather is mild"
	engA := asr.NewMockEngine("a", text)
	engB := asr.NewMockEngine("b", text)
	pool := newTestPool(t, "mock", "mock")
	r := newTestReconciler(t, engA, engB, pool)

	m, err := r.TranscribeSegment(context.Background(), "job-1", testSegment(), []byte{1}, "en")
	if err != nil {
		t.Fatalf("TranscribeSegment: %v", err)
	}
	if m.AgreementScore != 1.0 {
		t.Fatalf("agreement = %.3f, want 1.0", m.AgreementScore)
	}
	if m.Confidence != ConfidenceHigh || m.Method != MethodConsensus {
		t.Fatalf("got %s/%s, want high/consensus", m.Confidence, m.Method)
	}
	if m.FinalText != text {
		t.Fatalf("final text = %q", m.FinalText)
	}
}

func TestEmptyEngineFallsBackToOther(t *testing.T) {
	t.Parallel()

	engA := asr.NewMockEngine("a", "")
	engB := asr.NewMockEngine("b", "The weather today is sunny")
	pool := newTestPool(t, "mock", "mock")
	r := newTestReconciler(t, engA, engB, pool)

	m, err := r.TranscribeSegment(context.Background(), "job-1", testSegment(), []byte{1}, "en")
	if err != nil {
		t.Fatalf("TranscribeSegment: %v", err)
	}
	if m.FinalText != "The weather today is sunny" {
		t.Fatalf("final text = %q", m.FinalText)
	}
	if m.Confidence != ConfidenceLow {
		t.Fatalf("confidence = %s, want low", m.Confidence)
	}
	if m.Method != MethodSingleEngine {
		t.Fatalf("method = %s, want single_engine", m.Method)
	}
	if len(m.Issues) == 0 || !strings.Contains(m.Issues[0], "single-engine") {
		t.Fatalf("issues = %v, want a fallback marker", m.Issues)
	}
}

func TestBothEnginesFailYieldsEmptyVeryLow(t *testing.T) {
	t.Parallel()

	engA := asr.NewMockEngine("a", "")
	engB := asr.NewMockEngine("b", "")
	pool := newTestPool(t, "mock", "mock")
	r := newTestReconciler(t, engA, engB, pool)

	m, err := r.TranscribeSegment(context.Background(), "job-1", testSegment(), []byte{1}, "en")
	if err != nil {
		t.Fatalf("TranscribeSegment: %v", err)
	}
	if m.FinalText != "" {
		t.Fatalf("final text = %q, want empty", m.FinalText)
	}
	if m.Confidence != ConfidenceVeryLow {
		t.Fatalf("confidence = %s, want very-low", m.Confidence)
	}
	if m.Method != MethodNone {
		t.Fatalf("method = %s, want none", m.Method)
	}
	if len(m.Issues) == 0 {
		t.Fatal("expected an explicit issue for the empty merge")
	}
}

func TestCompletenessOffsetPrefersFullerTranscript(t *testing.T) {
	t.Parallel()

	full := "Well let me think about it I usually spend my weekends hiking in the mountains"
	late := "I usually spend my weekends hiking in the mountains"
	engA := asr.NewMockEngine("a", late)
	engB := asr.NewMockEngine("b", full)
	pool := newTestPool(t, "mock", "mock")
	r := newTestReconciler(t, engA, engB, pool)

	m, err := r.TranscribeSegment(context.Background(), "job-1", testSegment(), []byte{1}, "en")
	if err != nil {
		t.Fatalf("TranscribeSegment: %v", err)
	}
	if m.Method != MethodCompleteness {
		t.Fatalf("method = %s, want completeness_offset", m.Method)
	}
	if m.FinalText != full {
		t.Fatalf("final text = %q, want the fuller transcript", m.FinalText)
	}
	if m.Confidence != ConfidenceMedium {
		t.Fatalf("confidence = %s, want medium", m.Confidence)
	}
}

func TestQualityPickPenalizesHallucinationMarkers(t *testing.T) {
	t.Parallel()

	// Same topic, moderate agreement; the second transcript carries a known
	// hallucination marker.
	clean := "I usually go swimming at the local pool on Saturday with two friends after lunch"
	marked := "I usually go running at the city track on Sunday thank you with two friends after lunch"
	engA := asr.NewMockEngine("a", clean)
	engB := asr.NewMockEngine("b", marked)
	pool := newTestPool(t, "mock", "mock")
	r := newTestReconciler(t, engA, engB, pool)

	m, err := r.TranscribeSegment(context.Background(), "job-1", testSegment(), []byte{1}, "en")
	if err != nil {
		t.Fatalf("TranscribeSegment: %v", err)
	}
	if m.Method != MethodQualityPick {
		t.Fatalf("method = %s (agreement %.2f), want quality_pick", m.Method, m.AgreementScore)
	}
	if m.FinalText != clean {
		t.Fatalf("final text = %q, want the transcript without hallucination markers", m.FinalText)
	}
}

func TestRepeatPickOnLowAgreement(t *testing.T) {
	t.Parallel()

	stutter := "the the market was busy busy and loud loud today"
	steady := "shops near the station stay open until late evening"
	engA := asr.NewMockEngine("a", stutter)
	engB := asr.NewMockEngine("b", steady)
	pool := newTestPool(t, "mock", "mock")
	r := newTestReconciler(t, engA, engB, pool)

	m, err := r.TranscribeSegment(context.Background(), "job-1", testSegment(), []byte{1}, "en")
	if err != nil {
		t.Fatalf("TranscribeSegment: %v", err)
	}
	if m.Method != MethodRepeatPick {
		t.Fatalf("method = %s (agreement %.2f), want repeat_pick", m.Method, m.AgreementScore)
	}
	if m.FinalText != steady {
		t.Fatalf("final text = %q, want the transcript with fewer repeats", m.FinalText)
	}
	if m.Confidence != ConfidenceLow {
		t.Fatalf("confidence = %s, want low", m.Confidence)
	}
}

func TestSharedCredentialRunsBothEngines(t *testing.T) {
	t.Parallel()

	engA := asr.NewMockEngine("a", "one transcript of the answer")
	engB := asr.NewMockEngine("b", "one transcript of the answer")
	// Pool of one credential; the second checkout must fall back to sharing.
	pool := newTestPool(t, "mock")
	r := newTestReconciler(t, engA, engB, pool)

	if _, err := r.TranscribeSegment(context.Background(), "job-1", testSegment(), []byte{1}, "en"); err != nil {
		t.Fatalf("TranscribeSegment: %v", err)
	}
	if engA.Calls != 1 || engB.Calls != 1 {
		t.Fatalf("calls = %d/%d, want 1/1", engA.Calls, engB.Calls)
	}
}

func TestEngineErrorDegradesToSingleEngine(t *testing.T) {
	t.Parallel()

	engA := asr.NewMockEngine("a", "unused")
	engA.Err = &asr.RateLimitError{Engine: "a", RetryAfter: time.Minute}
	engB := asr.NewMockEngine("b", "The library opens at nine in the morning")
	pool := newTestPool(t, "mock", "mock")
	r := newTestReconciler(t, engA, engB, pool)

	m, err := r.TranscribeSegment(context.Background(), "job-1", testSegment(), []byte{1}, "en")
	if err != nil {
		t.Fatalf("TranscribeSegment: %v", err)
	}
	if m.Method != MethodSingleEngine || m.FinalText != "The library opens at nine in the morning" {
		t.Fatalf("got %s / %q, want single-engine fallback to engine b", m.Method, m.FinalText)
	}
}

func TestAttachSignalsDerivesPauses(t *testing.T) {
	t.Parallel()

	engA := asr.NewMockEngine("a", "")
	engB := asr.NewMockEngine("b", "")
	engB.Fixed = &asr.Result{
		Engine: "b",
		Text:   "well I think it depends",
		Words: []asr.Word{
			{Text: "well", Start: 0.0, End: 0.4, Confidence: 0.9},
			{Text: "I", Start: 3.0, End: 3.1, Confidence: 0.9},
			{Text: "think", Start: 3.2, End: 3.5, Confidence: 0.9},
			{Text: "it", Start: 3.6, End: 3.7, Confidence: 0.9},
			{Text: "depends", Start: 3.8, End: 4.3, Confidence: 0.9},
		},
	}
	pool := newTestPool(t, "mock", "mock")
	r := newTestReconciler(t, engA, engB, pool)

	m, err := r.TranscribeSegment(context.Background(), "job-1", testSegment(), []byte{1}, "en")
	if err != nil {
		t.Fatalf("TranscribeSegment: %v", err)
	}
	if len(m.LongPauses) != 1 {
		t.Fatalf("long pauses = %v, want exactly one", m.LongPauses)
	}
	p := m.LongPauses[0]
	if p.Start != 0.4 || p.End != 3.0 {
		t.Fatalf("pause = %+v", p)
	}
	if m.AvgConfidence < 0.89 || m.AvgConfidence > 0.91 {
		t.Fatalf("avg confidence = %.3f", m.AvgConfidence)
	}
	if m.WordCount != 5 {
		t.Fatalf("word count = %d, want 5", m.WordCount)
	}
}

func TestParseSegmentKeyRoundTrip(t *testing.T) {
	t.Parallel()

	key := SegmentKey(2, 3, "q_7f")
	part, q, id, err := ParseSegmentKey(key)
	if err != nil {
		t.Fatalf("ParseSegmentKey(%q): %v", key, err)
	}
	if part != 2 || q != 3 || id != "q_7f" {
		t.Fatalf("parsed %d/%d/%q", part, q, id)
	}
	if _, _, _, err := ParseSegmentKey("bogus"); err == nil {
		t.Fatal("expected error for malformed key")
	}
}
