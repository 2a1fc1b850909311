package reasoning

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/brunobiangulo/docqa/indexer"
	"github.com/brunobiangulo/docqa/llm"
)

type fakeBackend struct {
	mu       sync.Mutex
	requests []llm.Request
	respond  func(req llm.Request, call int) (*llm.Response, error)
}

func (f *fakeBackend) Generate(_ context.Context, req llm.Request) (*llm.Response, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	call := len(f.requests)
	f.mu.Unlock()
	return f.respond(req, call)
}

func (f *fakeBackend) calls() []llm.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]llm.Request(nil), f.requests...)
}

// replyWith answers probes with "Hello" and questions with text.
func replyWith(text string) func(llm.Request, int) (*llm.Response, error) {
	return func(req llm.Request, _ int) (*llm.Response, error) {
		if req.Prompt == probePrompt {
			return &llm.Response{Content: "Hello"}, nil
		}
		return &llm.Response{Content: text, PromptTokens: 100, CompletionTokens: 10}, nil
	}
}

type fakeTimer struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (f *fakeTimer) After(d time.Duration) <-chan time.Time {
	f.mu.Lock()
	f.waits = append(f.waits, d)
	f.mu.Unlock()
	c := make(chan time.Time, 1)
	c <- time.Time{}
	return c
}

var errRateLimited = &llm.StatusError{Provider: "fake", Code: 429, Message: "quota"}

func testIndex(t *testing.T, pages int) *indexer.DocumentIndex {
	t.Helper()
	ps := make([]indexer.Page, pages)
	for i := range ps {
		n := i + 1
		ps[i] = indexer.Page{
			Number: n,
			Text:   fmt.Sprintf("content of page %d", n),
			Images: [][]byte{[]byte(fmt.Sprintf("img-%d-a", n)), []byte(fmt.Sprintf("img-%d-b", n))},
		}
	}
	return indexer.NewDocumentIndex("test", "manual.pdf", "hash", ps)
}

func newTestAnswerer(t *testing.T, b llm.Backend, timer *fakeTimer) *Answerer {
	t.Helper()
	a, err := New(b, Config{
		NoInfoPhrase:     DefaultNoInfoPhrase,
		CitationReminder: DefaultCitationReminder,
		Greeting:         DefaultGreeting,
		HistoryLimit:     10,
		Models:           []string{"model-a"},
		Retry:            RetryPolicy{Attempts: 3, BaseDelay: 2 * time.Second, Timer: timer},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

func TestParseCitation(t *testing.T) {
	tests := []struct {
		text   string
		want   int
		wantOK bool
	}{
		{"The pump runs at 4 bar. [PAGE: 7]", 7, true},
		{"[PAGE:12] at the start", 12, true},
		{"spaced [PAGE:    3]", 3, true},
		{"first wins [PAGE: 2] then [PAGE: 9]", 2, true},
		{"no citation here", 0, false},
		{"lowercase [page: 4]", 0, false},
		{"not a number [PAGE: x]", 0, false},
		{"zero [PAGE: 0]", 0, false},
		{"huge [PAGE: 99999999999999999999999]", 0, false},
		{"", 0, false},
	}
	for _, tt := range tests {
		got, ok := ParseCitation(tt.text)
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("ParseCitation(%q) = %d, %v; want %d, %v", tt.text, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestBuildSystemInstruction(t *testing.T) {
	ctxText := "\n[--- Page 1 START ---]\nhello\n[--- Page 1 END ---]\n"

	got, err := BuildSystemInstruction("", ctxText, "NO INFO")
	if err != nil {
		t.Fatalf("BuildSystemInstruction: %v", err)
	}
	for _, want := range []string{ctxText, `"NO INFO"`, "[PAGE: 5]", "[--- Page X START ---]"} {
		if !strings.Contains(got, want) {
			t.Errorf("default instruction missing %q", want)
		}
	}

	got, err = BuildSystemInstruction("ctx={{.Context}} none={{.NoInfo}}", "abc", "n/a")
	if err != nil {
		t.Fatalf("BuildSystemInstruction: %v", err)
	}
	if got != "ctx=abc none=n/a" {
		t.Errorf("custom template = %q", got)
	}

	if _, err := BuildSystemInstruction("{{.Context", "x", "y"); err == nil {
		t.Errorf("expected an error for a malformed template")
	}
	if _, err := BuildSystemInstruction("{{.Missing}}", "x", "y"); err == nil {
		t.Errorf("expected an error for an unknown field")
	}
}

func TestConversationCap(t *testing.T) {
	c := NewConversation(4)
	for i := 1; i <= 6; i++ {
		c.Append(llm.RoleUser, fmt.Sprintf("m%d", i))
	}
	turns := c.Turns()
	if len(turns) != 4 {
		t.Fatalf("Turns: got %d, want 4", len(turns))
	}
	if turns[0].Text != "m3" || turns[3].Text != "m6" {
		t.Errorf("Turns: got %v, want m3..m6", turns)
	}

	// The returned slice is a copy.
	turns[0].Text = "changed"
	if c.Turns()[0].Text != "m3" {
		t.Errorf("Turns should not alias internal storage")
	}
}

func TestConversationRecent(t *testing.T) {
	c := NewConversation(50)
	c.Append(llm.RoleAssistant, DefaultGreeting)
	for i := 1; i <= 12; i++ {
		role := llm.RoleUser
		if i%2 == 0 {
			role = llm.RoleAssistant
		}
		c.Append(role, fmt.Sprintf("t%d", i))
	}

	got := c.Recent(10, DefaultGreeting)
	if len(got) != 10 {
		t.Fatalf("Recent: got %d turns, want 10", len(got))
	}
	for i, turn := range got {
		if want := fmt.Sprintf("t%d", i+3); turn.Text != want {
			t.Errorf("Recent[%d] = %q, want %q", i, turn.Text, want)
		}
	}

	all := c.Recent(0, DefaultGreeting)
	if len(all) != 12 {
		t.Errorf("Recent(0): got %d, want 12 (greeting excluded)", len(all))
	}
	if withGreeting := c.Recent(0, ""); len(withGreeting) != 13 {
		t.Errorf("Recent without greeting filter: got %d, want 13", len(withGreeting))
	}
}

func TestAnswerAttachesCitedImages(t *testing.T) {
	idx := testIndex(t, 8)

	tests := []struct {
		name       string
		reply      string
		wantPage   int
		wantImages int
		outOfRange bool
	}{
		{"cited page exists", "Use the blue valve. [PAGE: 7]", 7, 2, false},
		{"cited page missing", "Use the blue valve. [PAGE: 9]", 0, 0, true},
		{"no citation", "Use the blue valve.", 0, 0, false},
		{"malformed citation", "Use the blue valve. [PAGE: seven]", 0, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newTestAnswerer(t, &fakeBackend{respond: replyWith(tt.reply)}, &fakeTimer{})
			res, err := a.Answer(context.Background(), "which valve?", idx, NewConversation(0))
			if err != nil {
				t.Fatalf("Answer: %v", err)
			}
			if res.Text != tt.reply {
				t.Errorf("Text = %q, want the reply verbatim", res.Text)
			}
			if res.Page != tt.wantPage {
				t.Errorf("Page = %d, want %d", res.Page, tt.wantPage)
			}
			if len(res.Images) != tt.wantImages {
				t.Fatalf("Images: got %d, want %d", len(res.Images), tt.wantImages)
			}
			if tt.wantImages > 0 {
				want := idx.Images(tt.wantPage)
				for i := range want {
					if string(res.Images[i]) != string(want[i]) {
						t.Errorf("Images[%d] = %q, want %q", i, res.Images[i], want[i])
					}
				}
			}
			if res.CitationOutOfRange != tt.outOfRange {
				t.Errorf("CitationOutOfRange = %v, want %v", res.CitationOutOfRange, tt.outOfRange)
			}
			if res.Model != "model-a" {
				t.Errorf("Model = %q, want model-a", res.Model)
			}
		})
	}
}

func TestAnswerRequestShape(t *testing.T) {
	idx := testIndex(t, 3)
	b := &fakeBackend{respond: replyWith("ok [PAGE: 1]")}
	a := newTestAnswerer(t, b, &fakeTimer{})

	conv := NewConversation(0)
	conv.Append(llm.RoleAssistant, DefaultGreeting)
	for i := 1; i <= 12; i++ {
		role := llm.RoleUser
		if i%2 == 0 {
			role = llm.RoleAssistant
		}
		conv.Append(role, fmt.Sprintf("t%d", i))
	}

	if _, err := a.Answer(context.Background(), "what is on page 1?", idx, conv); err != nil {
		t.Fatalf("Answer: %v", err)
	}

	calls := b.calls()
	if len(calls) != 2 {
		t.Fatalf("backend calls: got %d, want probe + question", len(calls))
	}
	probe, req := calls[0], calls[1]
	if probe.Prompt != "Hi" || probe.System != "" || len(probe.History) != 0 {
		t.Errorf("probe should be a bare Hi, got %+v", probe)
	}

	if !strings.Contains(req.System, idx.Text()) {
		t.Errorf("system instruction does not embed the marked document text")
	}
	if !strings.Contains(req.System, DefaultNoInfoPhrase) {
		t.Errorf("system instruction does not contain the no-info phrase")
	}
	if want := "what is on page 1?\n" + DefaultCitationReminder; req.Prompt != want {
		t.Errorf("Prompt = %q, want %q", req.Prompt, want)
	}
	if len(req.History) != 10 {
		t.Fatalf("History: got %d turns, want 10", len(req.History))
	}
	if req.History[0].Content != "t3" || req.History[9].Content != "t12" {
		t.Errorf("History should be t3..t12, got %q..%q", req.History[0].Content, req.History[9].Content)
	}

	turns := conv.Turns()
	last := turns[len(turns)-2:]
	if last[0].Role != llm.RoleUser || last[0].Text != "what is on page 1?" {
		t.Errorf("user turn = %+v, want the literal question", last[0])
	}
	if last[1].Role != llm.RoleAssistant || last[1].Text != "ok [PAGE: 1]" {
		t.Errorf("assistant turn = %+v", last[1])
	}
}

func TestNewDefaults(t *testing.T) {
	b := &fakeBackend{respond: replyWith("ok [PAGE: 1]")}
	a, err := New(b, Config{Models: []string{"model-a"}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	conv := NewConversation(0)
	for i := range 14 {
		role := llm.RoleUser
		if i%2 == 1 {
			role = llm.RoleAssistant
		}
		conv.Append(role, fmt.Sprintf("t%d", i))
	}
	if _, err := a.Answer(context.Background(), "q", testIndex(t, 1), conv); err != nil {
		t.Fatalf("Answer: %v", err)
	}

	req := b.calls()[1]
	if want := "q\n" + DefaultCitationReminder; req.Prompt != want {
		t.Errorf("Prompt = %q, want %q", req.Prompt, want)
	}
	if !strings.Contains(req.System, DefaultNoInfoPhrase) {
		t.Errorf("system instruction does not contain the default no-info phrase")
	}
	if len(req.History) != 14 {
		t.Errorf("History with no limit: got %d turns, want 14", len(req.History))
	}
}

func TestAnswerNotFound(t *testing.T) {
	b := &fakeBackend{respond: replyWith(DefaultNoInfoPhrase)}
	a := newTestAnswerer(t, b, &fakeTimer{})
	res, err := a.Answer(context.Background(), "who won the 1998 world cup?", testIndex(t, 2), NewConversation(0))
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if !res.NotFound || res.Page != 0 || len(res.Images) != 0 {
		t.Errorf("got NotFound=%v Page=%d Images=%d, want true/0/0", res.NotFound, res.Page, len(res.Images))
	}
}

func TestSelectorRetriesRateLimit(t *testing.T) {
	t.Run("exhausted", func(t *testing.T) {
		timer := &fakeTimer{}
		b := &fakeBackend{respond: func(llm.Request, int) (*llm.Response, error) { return nil, errRateLimited }}
		s := NewSelector(b, []string{"model-a"}, RetryPolicy{Attempts: 3, BaseDelay: 2 * time.Second, Timer: timer})

		_, err := s.Select(context.Background())
		if !errors.Is(err, ErrModelUnavailable) {
			t.Fatalf("Select: got %v, want ErrModelUnavailable", err)
		}
		if got := len(b.calls()); got != 3 {
			t.Errorf("attempts: got %d, want 3", got)
		}
		want := []time.Duration{2 * time.Second, 4 * time.Second}
		if fmt.Sprint(timer.waits) != fmt.Sprint(want) {
			t.Errorf("waits: got %v, want %v", timer.waits, want)
		}
	})

	t.Run("success on second attempt", func(t *testing.T) {
		timer := &fakeTimer{}
		b := &fakeBackend{respond: func(_ llm.Request, call int) (*llm.Response, error) {
			if call == 1 {
				return nil, errRateLimited
			}
			return &llm.Response{Content: "Hello"}, nil
		}}
		s := NewSelector(b, []string{"model-a"}, RetryPolicy{Attempts: 3, BaseDelay: 2 * time.Second, Timer: timer})

		model, err := s.Select(context.Background())
		if err != nil {
			t.Fatalf("Select: %v", err)
		}
		if model != "model-a" {
			t.Errorf("model = %q, want model-a", model)
		}
		if len(b.calls()) != 2 || len(timer.waits) != 1 {
			t.Errorf("got %d calls and %d waits, want 2 and 1", len(b.calls()), len(timer.waits))
		}
	})
}

func TestSelectorFallsThroughCandidates(t *testing.T) {
	timer := &fakeTimer{}
	b := &fakeBackend{respond: func(req llm.Request, _ int) (*llm.Response, error) {
		if req.Model == "retired-model" {
			return nil, &llm.StatusError{Provider: "fake", Code: 404, Message: "not found"}
		}
		return &llm.Response{Content: "Hello"}, nil
	}}
	s := NewSelector(b, []string{"retired-model", "model-b", "model-c"}, RetryPolicy{Attempts: 3, Timer: timer})

	model, err := s.Select(context.Background())
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if model != "model-b" {
		t.Errorf("model = %q, want model-b", model)
	}
	if len(b.calls()) != 2 || len(timer.waits) != 0 {
		t.Errorf("non-429 errors must not be retried: %d calls, %d waits", len(b.calls()), len(timer.waits))
	}

	if _, err := s.Select(context.Background()); err != nil {
		t.Fatalf("Select (cached): %v", err)
	}
	if len(b.calls()) != 2 {
		t.Errorf("cached selection probed again: %d calls", len(b.calls()))
	}

	s.Reset()
	if s.Model() != "" {
		t.Errorf("Reset: model still cached")
	}
}

func TestAnswerFailureResetsSelector(t *testing.T) {
	failing := true
	b := &fakeBackend{respond: func(req llm.Request, _ int) (*llm.Response, error) {
		if req.Prompt == probePrompt {
			return &llm.Response{Content: "Hello"}, nil
		}
		if failing {
			return nil, &llm.StatusError{Provider: "fake", Code: 500, Message: "internal"}
		}
		return &llm.Response{Content: "fine [PAGE: 1]"}, nil
	}}
	a := newTestAnswerer(t, b, &fakeTimer{})
	idx := testIndex(t, 1)
	conv := NewConversation(0)

	_, err := a.Answer(context.Background(), "q1", idx, conv)
	if !errors.Is(err, ErrModelUnavailable) {
		t.Fatalf("Answer: got %v, want ErrModelUnavailable", err)
	}
	if a.Selector().Model() != "" {
		t.Errorf("selector should be reset after a failed question")
	}
	if conv.Len() != 0 {
		t.Errorf("failed exchange should not be recorded, got %d turns", conv.Len())
	}

	failing = false
	res, err := a.Answer(context.Background(), "q2", idx, conv)
	if err != nil {
		t.Fatalf("Answer after recovery: %v", err)
	}
	if res.Page != 1 {
		t.Errorf("Page = %d, want 1", res.Page)
	}
	// probe, failed question, probe again, question
	if got := len(b.calls()); got != 4 {
		t.Errorf("backend calls: got %d, want 4", got)
	}
}

func TestAnswerRateLimitedQuestion(t *testing.T) {
	timer := &fakeTimer{}
	b := &fakeBackend{respond: func(req llm.Request, _ int) (*llm.Response, error) {
		if req.Prompt == probePrompt {
			return &llm.Response{Content: "Hello"}, nil
		}
		return nil, errRateLimited
	}}
	a := newTestAnswerer(t, b, timer)

	_, err := a.Answer(context.Background(), "q", testIndex(t, 1), NewConversation(0))
	if !errors.Is(err, ErrModelUnavailable) {
		t.Fatalf("Answer: got %v, want ErrModelUnavailable", err)
	}
	if !llm.IsRateLimited(err) {
		t.Errorf("the 429 cause should stay visible in the error chain")
	}
	if got := len(b.calls()); got != 4 {
		t.Errorf("backend calls: got %d, want probe + 3 attempts", got)
	}
}
