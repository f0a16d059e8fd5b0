package service

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-marker/internal/models"
	"github.com/noah-isme/gema-marker/pkg/ai"
	"github.com/noah-isme/gema-marker/pkg/rasterizer"
)

type reply struct {
	content string
	refusal string
	err     error
}

func jsonReply(t *testing.T, value interface{}) reply {
	t.Helper()
	payload, err := json.Marshal(value)
	require.NoError(t, err)
	return reply{content: string(payload)}
}

// scriptedBackend answers by schema name. Queued replies are consumed in order and the
// last one repeats; a responder, when set, takes precedence.
type scriptedBackend struct {
	mu         sync.Mutex
	queues     map[string][]reply
	responders map[string]func(req ai.Request) reply
	requests   []ai.Request
	calls      map[string]int
}

func newScriptedBackend() *scriptedBackend {
	return &scriptedBackend{
		queues:     make(map[string][]reply),
		responders: make(map[string]func(req ai.Request) reply),
		calls:      make(map[string]int),
	}
}

func (b *scriptedBackend) Name() string { return "scripted" }

func (b *scriptedBackend) on(schema string, replies ...reply) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queues[schema] = append(b.queues[schema], replies...)
}

func (b *scriptedBackend) respond(schema string, responder func(req ai.Request) reply) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.responders[schema] = responder
}

func (b *scriptedBackend) callCount(schema string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[schema]
}

func (b *scriptedBackend) requestsFor(schema string) []ai.Request {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []ai.Request
	for _, req := range b.requests {
		if req.Schema.Name == schema {
			out = append(out, req)
		}
	}
	return out
}

func (b *scriptedBackend) Complete(ctx context.Context, req ai.Request) (ai.Response, error) {
	b.mu.Lock()
	b.requests = append(b.requests, req)
	b.calls[req.Schema.Name]++
	responder := b.responders[req.Schema.Name]
	var next reply
	if responder == nil {
		queue := b.queues[req.Schema.Name]
		if len(queue) == 0 {
			b.mu.Unlock()
			return ai.Response{}, fmt.Errorf("no reply scripted for %s", req.Schema.Name)
		}
		next = queue[0]
		if len(queue) > 1 {
			b.queues[req.Schema.Name] = queue[1:]
		}
	}
	b.mu.Unlock()

	if responder != nil {
		next = responder(req)
	}
	if err := ctx.Err(); err != nil {
		return ai.Response{}, err
	}
	if next.err != nil {
		return ai.Response{}, next.err
	}
	return ai.Response{Content: []byte(next.content), Refusal: next.refusal}, nil
}

var markQuestionPattern = regexp.MustCompile(`mark question (\S+) \(`)

// questionOf extracts the label of the question a marking request is about.
func questionOf(req ai.Request) string {
	last := req.Messages[len(req.Messages)-1]
	match := markQuestionPattern.FindStringSubmatch(last.Text)
	if match == nil {
		return ""
	}
	return match[1]
}

// imageTags lists the payloads of every image in the request, in conversation order.
func imageTags(req ai.Request) []string {
	var tags []string
	for _, message := range req.Messages {
		for _, image := range message.Images {
			tags = append(tags, string(image.Data))
		}
	}
	return tags
}

func newTestClient(t *testing.T, backend ai.Backend) *ai.Client {
	t.Helper()
	client, err := ai.NewClient(backend, ai.Config{MaxInFlight: 2, CallTimeout: time.Second, Logger: zerolog.Nop()})
	require.NoError(t, err)
	return client
}

func instantRetry(transport, schema int) RetryPolicy {
	return RetryPolicy{
		TransportRetries: transport,
		SchemaRetries:    schema,
		BaseBackoff:      time.Millisecond,
		MaxBackoff:       time.Millisecond,
		sleep:            func(ctx context.Context, _ time.Duration) error { return ctx.Err() },
	}
}

func testDocument(kind models.DocumentKind, tag string, pages int) models.Document {
	doc := models.Document{Kind: kind}
	for i := 1; i <= pages; i++ {
		doc.Pages = append(doc.Pages, models.PageImage{Number: i, MIMEType: "image/png", Data: []byte(fmt.Sprintf("%s-%d", tag, i))})
	}
	return doc
}

// pageRasterizer renders each known path into tagged pages.
type pageRasterizer struct {
	pages map[string]int
}

func (r pageRasterizer) Rasterize(_ context.Context, path string) ([]rasterizer.Page, error) {
	count, ok := r.pages[path]
	if !ok {
		return nil, fmt.Errorf("unknown document %s", path)
	}
	pages := make([]rasterizer.Page, 0, count)
	for i := 1; i <= count; i++ {
		pages = append(pages, rasterizer.Page{Number: i, MIMEType: "image/png", Data: []byte(fmt.Sprintf("%s-%d", path, i))})
	}
	return pages, nil
}

func location(number string, statement, answer, scheme []int) questionLocation {
	return questionLocation{QuestionNumber: number, StatementPages: statement, AnswerPages: answer, SchemePages: scheme}
}

func structureReply(t *testing.T, questions ...questionLocation) reply {
	if questions == nil {
		questions = []questionLocation{}
	}
	return jsonReply(t, structureResponse{SyllabusCode: "9709", ComponentNumber: "12", Questions: questions})
}

func markedReply(t *testing.T, number string, max, awarded int, points ...gradingPointResponse) reply {
	if points == nil {
		points = []gradingPointResponse{}
	}
	return jsonReply(t, markedQuestionResponse{
		QuestionNumber: number,
		StudentAnswer:  "x = 2",
		Guidance:       "B1 for x = 2",
		GradingPoints:  points,
		MaxMarks:       max,
		AwardedMarks:   awarded,
	})
}

func gradeReply(t *testing.T, grade string, thresholds ...thresholdRowResponse) reply {
	if thresholds == nil {
		thresholds = []thresholdRowResponse{}
	}
	return jsonReply(t, gradeResponse{Thresholds: thresholds, Grade: grade})
}

func feedbackReply(t *testing.T, strengths, weaknesses string) reply {
	return jsonReply(t, feedbackResponse{AreasOfStrength: strengths, AreasForImprovement: weaknesses})
}
