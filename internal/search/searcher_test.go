package search

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/docrag/internal/engine"
	"github.com/kalambet/docrag/internal/model"
	"github.com/kalambet/docrag/internal/storage"
)

type fakeEngine struct {
	chatResp string
	chatErr  error
	genOut   string
	genErr   error
	genDelay time.Duration

	genCalls  atomic.Int32
	chatCalls atomic.Int32
	pulls     atomic.Int32
}

func (f *fakeEngine) Chat(_ context.Context, _ string, _ []engine.Message, _ *engine.Schema) (string, error) {
	f.chatCalls.Add(1)
	if f.chatResp == "" && f.chatErr == nil {
		return `{"label":"POSITIVE","score":0.93}`, nil
	}
	return f.chatResp, f.chatErr
}

func (f *fakeEngine) Generate(ctx context.Context, _, _ string, _ engine.GenerateOptions) (string, error) {
	f.genCalls.Add(1)
	if f.genDelay > 0 {
		select {
		case <-time.After(f.genDelay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return f.genOut, f.genErr
}

func (f *fakeEngine) IsRunning(_ context.Context) bool                 { return true }
func (f *fakeEngine) ListModels(_ context.Context) ([]string, error)   { return nil, nil }
func (f *fakeEngine) HasModel(_ context.Context, _ string) bool        { return true }
func (f *fakeEngine) PullModel(_ context.Context, _ string, _ func(engine.PullProgress)) error {
	f.pulls.Add(1)
	return nil
}

// recordSpy counts record-store calls and can fail inserts.
type recordSpy struct {
	RecordStore
	insertErr error
	inserts   atomic.Int32
	searches  atomic.Int32
}

func (r *recordSpy) InsertRecord(ctx context.Context, rec storage.QueryRecord) error {
	r.inserts.Add(1)
	if r.insertErr != nil {
		return r.insertErr
	}
	return r.RecordStore.InsertRecord(ctx, rec)
}

func (r *recordSpy) SearchRecords(ctx context.Context, text string) ([]storage.QueryRecord, error) {
	r.searches.Add(1)
	return r.RecordStore.SearchRecords(ctx, text)
}

type fixture struct {
	searcher *Searcher
	store    *storage.Store
	records  *recordSpy
	engine   *fakeEngine
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	store, err := storage.Open(":memory:", "")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	fe := &fakeEngine{genOut: " generated continuation"}
	provider := model.NewProvider(fe, model.Config{Model: "gpt2", SentimentModel: "sst2", PreferLocal: true}, logger)
	spy := &recordSpy{RecordStore: store}

	if cfg.ContextLength == 0 {
		cfg.ContextLength = DefaultContextLength
	}
	s, err := New(spy, store, provider, cfg, logger)
	require.NoError(t, err)
	return &fixture{searcher: s, store: store, records: spy, engine: fe}
}

func (f *fixture) upload(t *testing.T, name, content string) string {
	t.Helper()
	id, err := f.store.PutBlob(context.Background(), name, []byte(content))
	require.NoError(t, err)
	return id
}

func intp(i int) *int { return &i }

func TestSearch_EmptyStores(t *testing.T) {
	f := newFixture(t, Config{})

	res, err := f.searcher.Search(context.Background(), "nothing here", Options{})
	require.NoError(t, err)
	assert.NotNil(t, res.QueryResults)
	assert.NotNil(t, res.DocumentResults)
	assert.Empty(t, res.QueryResults)
	assert.Empty(t, res.DocumentResults)
}

func TestSearch_EmptyQuery(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	require.NoError(t, f.store.InsertRecord(ctx, storage.QueryRecord{Query: "anything", Response: "x"}))
	f.upload(t, "a.txt", "first words of a")
	f.upload(t, "b.txt", "second doc")

	res, err := f.searcher.Search(ctx, "", Options{ContextLength: intp(5)})
	require.NoError(t, err)
	assert.Empty(t, res.QueryResults)
	require.Len(t, res.DocumentResults, 2)
	assert.Equal(t, "first", res.DocumentResults[0].Snippet)
	assert.Equal(t, "secon", res.DocumentResults[1].Snippet)
}

func TestSearch_FirstOccurrenceOnly(t *testing.T) {
	f := newFixture(t, Config{})
	f.upload(t, "a.txt", "Hello world. hello again. HELLO once more.")

	res, err := f.searcher.Search(context.Background(), "hello", Options{ContextLength: intp(6)})
	require.NoError(t, err)
	require.Len(t, res.DocumentResults, 1)
	assert.Equal(t, "a.txt", res.DocumentResults[0].Filename)
	assert.Equal(t, "Hello world", res.DocumentResults[0].Snippet)
}

func TestSearch_SnippetClampedAtEnd(t *testing.T) {
	f := newFixture(t, Config{})
	f.upload(t, "short.txt", "the end is near")

	res, err := f.searcher.Search(context.Background(), "NEAR", Options{})
	require.NoError(t, err)
	require.Len(t, res.DocumentResults, 1)
	assert.Equal(t, "near", res.DocumentResults[0].Snippet)
}

func TestSearch_DefaultContextLength(t *testing.T) {
	f := newFixture(t, Config{ContextLength: 10})
	f.upload(t, "doc.txt", "xx create_user and then some more trailing text")

	res, err := f.searcher.Search(context.Background(), "create_user", Options{})
	require.NoError(t, err)
	require.Len(t, res.DocumentResults, 1)
	snip := res.DocumentResults[0].Snippet
	assert.True(t, strings.HasPrefix(snip, "create_user"))
	assert.Equal(t, len("create_user")+10, len([]rune(snip)))
}

func TestSearch_HugeContextLength(t *testing.T) {
	f := newFixture(t, Config{})
	f.upload(t, "doc.txt", "hello world and more")

	res, err := f.searcher.Search(context.Background(), "world", Options{ContextLength: intp(math.MaxInt)})
	require.NoError(t, err)
	require.Len(t, res.DocumentResults, 1)
	assert.Equal(t, "world and more", res.DocumentResults[0].Snippet)
}

func TestSearch_PlainTextNamedPDF(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	id, err := f.searcher.Upload(ctx, "notes.pdf", []byte("plain text notes about create_user"))
	require.NoError(t, err)

	doc, err := f.searcher.Read(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "plain text notes about create_user", doc.Content)

	res, err := f.searcher.Search(ctx, "create_user", Options{})
	require.NoError(t, err)
	require.Len(t, res.DocumentResults, 1)
	assert.Equal(t, "notes.pdf", res.DocumentResults[0].Filename)
}

func TestSearch_NegativeContextLength(t *testing.T) {
	f := newFixture(t, Config{})

	_, err := f.searcher.Search(context.Background(), "q", Options{ContextLength: intp(-1)})
	assert.Equal(t, KindValidation, KindOf(err))
}

func TestSearch_SkipsUndecodableDocuments(t *testing.T) {
	f := newFixture(t, Config{})
	f.upload(t, "binary.bin", string([]byte{0xff, 0xfe, 'k', 'e', 'y'}))
	f.upload(t, "broken.pdf", string([]byte{'%', 'P', 'D', 'F', 0xff, 'k', 'e', 'y'}))
	f.upload(t, "good.txt", "the key is here")

	res, err := f.searcher.Search(context.Background(), "key", Options{})
	require.NoError(t, err)
	require.Len(t, res.DocumentResults, 1)
	assert.Equal(t, "good.txt", res.DocumentResults[0].Filename)
}

func TestSearch_RecordsAndDocuments(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	require.NoError(t, f.store.InsertRecord(ctx, storage.QueryRecord{Query: "how to create_user", Response: "call the API"}))
	require.NoError(t, f.store.InsertRecord(ctx, storage.QueryRecord{Query: "unrelated", Response: "nope"}))
	f.upload(t, "api.md", "To create_user, POST to /users.")

	res, err := f.searcher.Search(ctx, "create_user", Options{})
	require.NoError(t, err)
	assert.Equal(t, []storage.QueryRecord{{Query: "how to create_user", Response: "call the API"}}, res.QueryResults)
	require.Len(t, res.DocumentResults, 1)
	assert.Nil(t, res.DocumentResults[0].Sentiment)
}

func TestSearch_FilenameSkipsRecords(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	require.NoError(t, f.store.InsertRecord(ctx, storage.QueryRecord{Query: "alpha", Response: "r"}))
	f.upload(t, "one.txt", "alpha one")
	f.upload(t, "two.txt", "alpha two")
	f.upload(t, "one.txt", "alpha one again")

	res, err := f.searcher.Search(ctx, "alpha", Options{Filename: "one.txt"})
	require.NoError(t, err)
	assert.Empty(t, res.QueryResults)
	assert.Zero(t, f.records.searches.Load())
	require.Len(t, res.DocumentResults, 2)
	for _, d := range res.DocumentResults {
		assert.Equal(t, "one.txt", d.Filename)
	}
}

func TestSearch_WithSentiment(t *testing.T) {
	f := newFixture(t, Config{SentimentWorkers: 2})
	for i := range 5 {
		f.upload(t, "doc.txt", strings.Repeat("x", i)+" create_user works great")
	}

	res, err := f.searcher.Search(context.Background(), "create_user", Options{IncludeSentiment: true})
	require.NoError(t, err)
	require.Len(t, res.DocumentResults, 5)
	for _, d := range res.DocumentResults {
		require.NotNil(t, d.Sentiment)
		assert.Equal(t, "POSITIVE", d.Sentiment.Label)
		assert.GreaterOrEqual(t, d.Sentiment.Score, 0.0)
		assert.LessOrEqual(t, d.Sentiment.Score, 1.0)
	}
	assert.EqualValues(t, 5, f.engine.chatCalls.Load())
}

func TestSearch_NoSentimentDoesNotLoadModels(t *testing.T) {
	f := newFixture(t, Config{})
	f.upload(t, "doc.txt", "create_user")

	_, err := f.searcher.Search(context.Background(), "create_user", Options{})
	require.NoError(t, err)
	assert.Zero(t, f.engine.pulls.Load())
}

func TestSearch_SentimentWithoutMatchesDoesNotLoadModels(t *testing.T) {
	f := newFixture(t, Config{})

	res, err := f.searcher.Search(context.Background(), "create_user", Options{IncludeSentiment: true})
	require.NoError(t, err)
	assert.Empty(t, res.DocumentResults)
	assert.Zero(t, f.engine.pulls.Load())
}

func TestSearch_SentimentFailure(t *testing.T) {
	f := newFixture(t, Config{})
	f.engine.chatErr = errors.New("model crashed")
	f.upload(t, "doc.txt", "create_user")

	_, err := f.searcher.Search(context.Background(), "create_user", Options{IncludeSentiment: true})
	assert.Equal(t, KindModel, KindOf(err))
}

func TestGenerate_CachedAndRecordedOnce(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	first, err := f.searcher.Generate(ctx, "What is a flaky test?")
	require.NoError(t, err)
	second, err := f.searcher.Generate(ctx, "What is a flaky test?")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.True(t, strings.HasPrefix(first, "You are an expert on quality automation."))
	assert.True(t, strings.HasSuffix(first, "What is a flaky test? generated continuation"))
	assert.EqualValues(t, 1, f.engine.genCalls.Load())
	assert.EqualValues(t, 1, f.records.inserts.Load())

	recs, err := f.store.SearchRecords(ctx, "flaky")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, first, recs[0].Response)
}

func TestGenerate_CacheKeyIsExactQuery(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	_, err := f.searcher.Generate(ctx, "hello")
	require.NoError(t, err)
	_, err = f.searcher.Generate(ctx, "Hello")
	require.NoError(t, err)
	assert.EqualValues(t, 2, f.engine.genCalls.Load())
}

func TestGenerate_LRUEviction(t *testing.T) {
	f := newFixture(t, Config{CacheSize: 2})
	ctx := context.Background()

	for _, q := range []string{"a", "b", "c", "a"} {
		_, err := f.searcher.Generate(ctx, q)
		require.NoError(t, err)
	}
	assert.EqualValues(t, 4, f.engine.genCalls.Load())
	assert.Equal(t, 2, f.searcher.CacheLen())
}

func TestGenerate_ModelFailureLeavesNothing(t *testing.T) {
	f := newFixture(t, Config{})
	f.engine.genErr = errors.New("out of memory")

	_, err := f.searcher.Generate(context.Background(), "q")
	assert.Equal(t, KindModel, KindOf(err))
	assert.Zero(t, f.records.inserts.Load())
	assert.Zero(t, f.searcher.CacheLen())
}

func TestGenerate_StoreFailureDiscardsAnswer(t *testing.T) {
	f := newFixture(t, Config{})
	f.records.insertErr = errors.New("disk full")
	ctx := context.Background()

	resp, err := f.searcher.Generate(ctx, "q")
	assert.Equal(t, KindStore, KindOf(err))
	assert.Empty(t, resp)
	assert.Zero(t, f.searcher.CacheLen())

	f.records.insertErr = nil
	_, err = f.searcher.Generate(ctx, "q")
	require.NoError(t, err)
	assert.EqualValues(t, 2, f.engine.genCalls.Load())
}

func TestGenerate_ConcurrentIdenticalQueries(t *testing.T) {
	f := newFixture(t, Config{})
	f.engine.genDelay = 50 * time.Millisecond

	const n = 8
	out := make([]string, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := f.searcher.Generate(context.Background(), "same question")
			assert.NoError(t, err)
			out[i] = resp
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, f.engine.genCalls.Load())
	assert.EqualValues(t, 1, f.records.inserts.Load())
	for i := 1; i < n; i++ {
		assert.Equal(t, out[0], out[i])
	}
}

func TestGenerate_EmptyQuery(t *testing.T) {
	f := newFixture(t, Config{})

	resp, err := f.searcher.Generate(context.Background(), "")
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(resp, " generated continuation"))
	assert.EqualValues(t, 1, f.engine.genCalls.Load())
}

func TestRead_RoundTrip(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	id, err := f.searcher.Upload(ctx, "test.txt", []byte("This is a test document content"))
	require.NoError(t, err)
	assert.Len(t, id, 24)

	doc, err := f.searcher.Read(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "This is a test document content", doc.Content)
	assert.Equal(t, "test.txt", doc.Filename)
	assert.Equal(t, id, doc.ID)
}

func TestRead_Errors(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	binID := f.upload(t, "blob.bin", string([]byte{0xc3, 0x28}))

	_, err := f.searcher.Read(ctx, "not-an-id")
	assert.Equal(t, KindValidation, KindOf(err))

	_, err = f.searcher.Read(ctx, "0123456789abcdef01234567")
	assert.Equal(t, KindNotFound, KindOf(err))
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = f.searcher.Read(ctx, binID)
	assert.Equal(t, KindDecode, KindOf(err))
}

func TestUpload_EmptyFilename(t *testing.T) {
	f := newFixture(t, Config{})

	_, err := f.searcher.Upload(context.Background(), "", []byte("x"))
	assert.Equal(t, KindValidation, KindOf(err))
}

func TestListDocuments(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	docs, err := f.searcher.ListDocuments(ctx)
	require.NoError(t, err)
	assert.NotNil(t, docs)
	assert.Empty(t, docs)

	id := f.upload(t, "a.txt", "a")
	docs, err = f.searcher.ListDocuments(ctx)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, id, docs[0].ID)
}
