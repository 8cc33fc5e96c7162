package dispatch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"tunesmith/internal/config"
	"tunesmith/internal/delivery"
	"tunesmith/internal/generate"
	"tunesmith/internal/intent"
	"tunesmith/internal/knowledge"
	"tunesmith/internal/memory"
	"tunesmith/internal/perception"
	"tunesmith/internal/verify"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// routedClient dispatches scripted collaborator replies by the system
// prompt of the calling stage.
type routedClient struct {
	mu sync.Mutex

	extract func(ctx context.Context, user string) (string, error)
	gen     func(ctx context.Context, user string) (string, error)
	check   func(ctx context.Context, user string) (string, error)

	genCalls    int
	lastGenUser string
}

func (c *routedClient) Complete(ctx context.Context, prompt string) (string, error) {
	return "", errors.New("unexpected Complete call")
}

func (c *routedClient) CompleteWithOptions(ctx context.Context, system, user string, _ perception.Options) (string, error) {
	switch {
	case strings.Contains(system, "intent extractor"):
		if c.extract == nil {
			return "", errors.New("no extract script")
		}
		return c.extract(ctx, user)
	case strings.Contains(system, "music recommendation assistant"):
		c.mu.Lock()
		c.genCalls++
		c.lastGenUser = user
		c.mu.Unlock()
		if c.gen == nil {
			return "", errors.New("no generate script")
		}
		return c.gen(ctx, user)
	case strings.Contains(system, "fact-checker"):
		if c.check == nil {
			return "", errors.New("no check script")
		}
		return c.check(ctx, user)
	}
	return "", errors.New("unrecognized system prompt")
}

func (c *routedClient) generateCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.genCalls
}

func (c *routedClient) lastGeneratePrompt() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastGenUser
}

type deliverySpy struct {
	mu    sync.Mutex
	calls []delivery.Callback
	ch    chan delivery.Callback
}

func newDeliverySpy() *deliverySpy {
	return &deliverySpy{ch: make(chan delivery.Callback, 16)}
}

func (s *deliverySpy) Deliver(_ context.Context, cb delivery.Callback) error {
	s.mu.Lock()
	s.calls = append(s.calls, cb)
	s.mu.Unlock()
	s.ch <- cb
	return nil
}

func (s *deliverySpy) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func waitCallback(t *testing.T, spy *deliverySpy) delivery.Callback {
	t.Helper()
	select {
	case cb := <-spy.ch:
		return cb
	case <-time.After(3 * time.Second):
		t.Fatal("no callback delivered within 3s")
		return delivery.Callback{}
	}
}

func testConfig() config.DispatcherConfig {
	return config.DispatcherConfig{
		Workers:      2,
		QueueDepth:   8,
		TaskDeadline: 5 * time.Second,
		AckText:      "On it! I'll send your song in a moment.",
		RecentTasks:  10,
	}
}

func newTestDispatcher(t *testing.T, cfg config.DispatcherConfig, client *routedClient, store *knowledge.Store, spy *deliverySpy) *Dispatcher {
	t.Helper()
	d := NewDispatcher(cfg, Deps{
		Extractor: intent.NewExtractor(client, nil),
		Store:     store,
		Generator: generate.NewGenerator(client, nil),
		Verifier:  verify.NewVerifier(client, nil),
		Memory:    memory.NewManager(50, 10*time.Minute, nil),
		Deliverer: spy,
	})
	d.Start()
	t.Cleanup(d.Stop)
	return d
}

func seededStore(t *testing.T) *knowledge.Store {
	t.Helper()
	store := knowledge.NewMemoryStore(nil)
	for _, s := range []knowledge.Song{
		{Title: "Hurt", Artist: "Johnny Cash", Genre: "country", Mood: "sad", Album: "American IV", Year: 2002, Provenance: knowledge.ProvenanceLocal},
		{Title: "Yesterday", Artist: "The Beatles", Genre: "pop", Mood: "sad", Album: "Help!", Year: 1965, Provenance: knowledge.ProvenanceLocal},
	} {
		if _, err := store.Append(s); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	return store
}

const sadIntent = `{"intent": "find_music", "mood": "sad", "genre": null, "artist": null, "song": null}`

const madWorldGeneration = `{
  "recommendation": "Two quiet heartbreakers for you.",
  "recommended_songs": [
    {"title": "Mad World", "artist": "Gary Jules", "genre": "indie", "mood": "sad",
     "language": "English", "album": "Trading Snakeoil for Wolftickets", "year": 2001},
    {"title": "Moonlight Nonsense", "artist": "Nobody Real", "genre": "pop", "mood": "sad",
     "language": "English", "album": "Imaginary", "year": 2010},
    {"title": "Hollow Drift", "artist": "No Evidence Band", "genre": "pop", "mood": "sad",
     "language": "English", "year": 2015}
  ]
}`

func checkByTitle(verdicts map[string]bool) func(ctx context.Context, user string) (string, error) {
	return func(_ context.Context, user string) (string, error) {
		for title, ok := range verdicts {
			if strings.Contains(user, title) {
				if ok {
					return `{"verified": true, "reason": "catalog confirms album and year"}`, nil
				}
				return `{"verified": false, "reason": "no such release"}`, nil
			}
		}
		return `{"verified": false, "reason": "unknown song"}`, nil
	}
}

func TestLookupHitSkipsGeneration(t *testing.T) {
	client := &routedClient{
		extract: func(_ context.Context, _ string) (string, error) { return sadIntent, nil },
	}
	spy := newDeliverySpy()
	d := newTestDispatcher(t, testConfig(), client, seededStore(t), spy)

	ack, taskID, err := d.Submit("sess-1", "I feel down, play me something sad")
	require.NoError(t, err)
	assert.Equal(t, testConfig().AckText, ack)
	assert.NotEmpty(t, taskID)

	cb := waitCallback(t, spy)
	assert.Equal(t, "sess-1", cb.SessionID)
	require.NotEmpty(t, cb.Songs)
	assert.Equal(t, "Hurt", cb.Songs[0].Title)
	assert.Contains(t, cb.Recommendation, "Hurt - Johnny Cash")
	assert.Equal(t, 0, client.generateCalls(), "lookup hit must not invoke generation")

	d.Stop()
	st := d.Stats()
	assert.Equal(t, int64(1), st.Submitted)
	assert.Equal(t, int64(1), st.Completed)
}

func TestFallbackGeneratesVerifiesAndLearns(t *testing.T) {
	// Three candidates: two carry album+year and pass the fact-checker,
	// the third has no album and must never surface.
	client := &routedClient{
		extract: func(_ context.Context, _ string) (string, error) { return sadIntent, nil },
		gen:     func(_ context.Context, _ string) (string, error) { return madWorldGeneration, nil },
		check: checkByTitle(map[string]bool{
			"Mad World":          true,
			"Moonlight Nonsense": true,
		}),
	}
	spy := newDeliverySpy()
	store := knowledge.NewMemoryStore(nil)
	d := newTestDispatcher(t, testConfig(), client, store, spy)

	_, _, err := d.Submit("sess-1", "something sad please")
	require.NoError(t, err)

	cb := waitCallback(t, spy)
	require.Len(t, cb.Songs, 2, "exactly the verified candidates are delivered")
	assert.Equal(t, "Mad World", cb.Songs[0].Title)
	assert.Equal(t, "Moonlight Nonsense", cb.Songs[1].Title)
	for _, song := range cb.Songs {
		assert.Equal(t, knowledge.ProvenanceLearned, song.Provenance)
		assert.NotEmpty(t, song.Album, "delivered song must carry album evidence")
		assert.NotZero(t, song.Year, "delivered song must carry year evidence")
	}
	assert.Contains(t, cb.Recommendation, "Two quiet heartbreakers")

	if store.Len() != 2 {
		t.Fatalf("store should hold the two accepted songs, got %d", store.Len())
	}

	// Same session asks again: both learned songs sit in the dedup window,
	// so the fallback runs once more with them excluded.
	_, _, err = d.Submit("sess-1", "something sad please")
	require.NoError(t, err)
	repeat := waitCallback(t, spy)

	for _, song := range repeat.Songs {
		assert.NotEqual(t, "Mad World", song.Title, "dedup window must exclude delivered songs")
		assert.NotEqual(t, "Moonlight Nonsense", song.Title)
	}
	assert.Equal(t, 2, client.generateCalls())
	prompt := client.lastGeneratePrompt()
	assert.Contains(t, prompt, "Do NOT recommend")
	assert.Contains(t, prompt, "mad world")
}

func TestRepeatRequestExcludesDelivered(t *testing.T) {
	client := &routedClient{
		extract: func(_ context.Context, _ string) (string, error) { return sadIntent, nil },
		gen:     func(_ context.Context, _ string) (string, error) { return madWorldGeneration, nil },
		check:   checkByTitle(map[string]bool{"Mad World": true}),
	}
	spy := newDeliverySpy()

	store := knowledge.NewMemoryStore(nil)
	_, err := store.Append(knowledge.Song{
		Title: "Hurt", Artist: "Johnny Cash", Genre: "country", Mood: "sad",
		Album: "American IV", Year: 2002, Provenance: knowledge.ProvenanceLocal,
	})
	require.NoError(t, err)

	d := newTestDispatcher(t, testConfig(), client, store, spy)

	_, _, err = d.Submit("sess-1", "sad song")
	require.NoError(t, err)
	first := waitCallback(t, spy)
	require.Len(t, first.Songs, 1)
	assert.Equal(t, "Hurt", first.Songs[0].Title)
	assert.Equal(t, 0, client.generateCalls())

	// Same ask again: the store hit was already delivered, so the
	// fallback runs with an exclusion list naming it.
	_, _, err = d.Submit("sess-1", "sad song")
	require.NoError(t, err)
	second := waitCallback(t, spy)

	require.Len(t, second.Songs, 1)
	assert.Equal(t, "Mad World", second.Songs[0].Title)
	assert.Equal(t, 1, client.generateCalls())
	prompt := client.lastGeneratePrompt()
	assert.Contains(t, prompt, "Do NOT recommend")
	assert.Contains(t, prompt, "hurt")
}

func TestUnparseableIntentDegradesToFreeText(t *testing.T) {
	client := &routedClient{
		extract: func(_ context.Context, _ string) (string, error) {
			return "I am sorry, I cannot help with that.", nil
		},
	}
	spy := newDeliverySpy()
	d := newTestDispatcher(t, testConfig(), client, seededStore(t), spy)

	_, _, err := d.Submit("sess-1", "yesterday beatles")
	require.NoError(t, err)

	cb := waitCallback(t, spy)
	require.NotEmpty(t, cb.Songs)
	assert.Equal(t, "Yesterday", cb.Songs[0].Title)
	assert.Equal(t, 0, client.generateCalls())
}

func TestExtractionOutageFailsWithApology(t *testing.T) {
	client := &routedClient{
		extract: func(_ context.Context, _ string) (string, error) {
			return "", errors.New("upstream 500")
		},
	}
	spy := newDeliverySpy()
	d := newTestDispatcher(t, testConfig(), client, seededStore(t), spy)

	_, _, err := d.Submit("sess-1", "anything")
	require.NoError(t, err)

	cb := waitCallback(t, spy)
	assert.Empty(t, cb.Songs)
	assert.Equal(t, failureText, cb.Recommendation)

	d.Stop()
	assert.Equal(t, int64(1), d.Stats().Failed)
}

func TestExpiredTaskKeepsWritesDropsCallback(t *testing.T) {
	cfg := testConfig()
	cfg.TaskDeadline = 40 * time.Millisecond

	client := &routedClient{
		extract: func(_ context.Context, _ string) (string, error) { return sadIntent, nil },
		gen:     func(_ context.Context, _ string) (string, error) { return madWorldGeneration, nil },
		check: func(_ context.Context, user string) (string, error) {
			// Slow corroboration pushes the task past its deadline
			// after the candidates are already in flight.
			time.Sleep(120 * time.Millisecond)
			if strings.Contains(user, "Mad World") {
				return `{"verified": true, "reason": "confirmed"}`, nil
			}
			return `{"verified": false, "reason": "no such release"}`, nil
		},
	}
	spy := newDeliverySpy()
	store := knowledge.NewMemoryStore(nil)
	d := newTestDispatcher(t, cfg, client, store, spy)

	_, _, err := d.Submit("sess-1", "sad song")
	require.NoError(t, err)

	deadline := time.Now().Add(3 * time.Second)
	for d.Stats().Expired == 0 {
		if time.Now().After(deadline) {
			t.Fatal("task never expired")
		}
		time.Sleep(10 * time.Millisecond)
	}

	assert.Equal(t, 0, spy.count(), "expired task must not deliver a callback")
	assert.Equal(t, 1, store.Len(), "accepted write-back survives expiry")
}

func TestSubmitBusyFailsFast(t *testing.T) {
	cfg := testConfig()
	cfg.Workers = 1
	cfg.QueueDepth = 1

	entered := make(chan struct{})
	release := make(chan struct{})
	client := &routedClient{
		extract: func(ctx context.Context, _ string) (string, error) {
			select {
			case entered <- struct{}{}:
			default:
			}
			select {
			case <-release:
			case <-ctx.Done():
			}
			return sadIntent, nil
		},
	}
	spy := newDeliverySpy()
	d := newTestDispatcher(t, cfg, client, seededStore(t), spy)

	_, _, err := d.Submit("sess-1", "first")
	require.NoError(t, err)
	<-entered // worker is now occupied

	_, _, err = d.Submit("sess-2", "second") // fills the queue
	require.NoError(t, err)

	_, _, err = d.Submit("sess-3", "third")
	require.ErrorIs(t, err, ErrBusy)

	close(release)
	waitCallback(t, spy)
	waitCallback(t, spy)

	d.Stop()
	assert.Equal(t, int64(1), d.Stats().RejectedBusy)
}

func TestSubmitAfterStop(t *testing.T) {
	client := &routedClient{}
	spy := newDeliverySpy()
	d := newTestDispatcher(t, testConfig(), client, seededStore(t), spy)
	d.Stop()

	_, _, err := d.Submit("sess-1", "anything")
	require.ErrorIs(t, err, ErrStopped)
}

func TestRecentRingKeepsLastOutcomes(t *testing.T) {
	cfg := testConfig()
	cfg.Workers = 1
	cfg.RecentTasks = 3

	client := &routedClient{
		extract: func(_ context.Context, _ string) (string, error) { return sadIntent, nil },
		gen:     func(_ context.Context, _ string) (string, error) { return madWorldGeneration, nil },
		check:   checkByTitle(map[string]bool{"Mad World": true}),
	}
	spy := newDeliverySpy()
	d := newTestDispatcher(t, cfg, client, seededStore(t), spy)

	for i := 0; i < 5; i++ {
		_, _, err := d.Submit("sess-ring", "sad song")
		require.NoError(t, err)
		waitCallback(t, spy)
	}

	recent := d.Recent()
	require.Len(t, recent, 3)
	for _, out := range recent {
		assert.Equal(t, "sess-ring", out.SessionID)
		assert.NotZero(t, out.FinishedAt)
	}
}
