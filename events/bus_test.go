package events

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/novatra/novatra/models"
)

type countingRecorder struct {
	mu        sync.Mutex
	published map[Type]int
	dropped   int
}

func (r *countingRecorder) EventPublished(t Type) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.published == nil {
		r.published = map[Type]int{}
	}
	r.published[t]++
}

func (r *countingRecorder) SubscriberDropped() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dropped++
}

func uploaded(repoID, version string) Event {
	return New(repoID, "art-"+version, ArtifactUploadedPayload{Name: "lib", Version: version, Size: 1})
}

func receive(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case e, ok := <-sub.C():
		require.True(t, ok, "subscription closed")
		return e
	case <-time.After(time.Second):
		t.Fatal("no event received")
	}
	return Event{}
}

func TestFilterMatches(t *testing.T) {
	e := uploaded("r1", "1")
	cases := []struct {
		filter   Filter
		expected bool
	}{
		{Filter{}, true},
		{Filter{RepositoryID: "r1"}, true},
		{Filter{RepositoryID: "r2"}, false},
		{Filter{Types: []Type{ArtifactDeleted}}, false},
		{Filter{Types: []Type{ArtifactDeleted, ArtifactUploaded}}, true},
		{Filter{RepositoryID: "r1", Types: []Type{RepositoryStarred}}, false},
	}
	for i, tc := range cases {
		t.Run(fmt.Sprint(i), func(t *testing.T) {
			assert.Equal(t, tc.expected, tc.filter.Matches(e))
		})
	}
}

func TestRestrictedFilter(t *testing.T) {
	repo := models.Repository{ID: "r1", Owner: "alice", Visibility: models.Private}
	e := ForRepository(repo, "", RepositoryStarredPayload{Name: "secret", Starred: true})

	assert.True(t, Filter{}.Matches(e))
	assert.True(t, Filter{Restricted: true, Viewer: "alice"}.Matches(e))
	assert.False(t, Filter{Restricted: true, Viewer: "bob"}.Matches(e))
	assert.False(t, Filter{Restricted: true}.Matches(e))

	repo.Visibility = models.Public
	assert.True(t, Filter{Restricted: true}.Matches(ForRepository(repo, "", RepositoryStarredPayload{})))
}

func TestPublishFansOutInOrder(t *testing.T) {
	bus := NewBus(nil)
	all := bus.Subscribe(Filter{}, 16)
	onlyR1 := bus.Subscribe(Filter{RepositoryID: "r1"}, 16)
	defer all.Close()
	defer onlyR1.Close()

	bus.Publish(uploaded("r1", "1"))
	bus.Publish(uploaded("r2", "1"))
	bus.Publish(uploaded("r1", "2"))

	assert.Equal(t, "1", receive(t, all).Payload.(ArtifactUploadedPayload).Version)
	assert.Equal(t, "r2", receive(t, all).RepositoryID)
	assert.Equal(t, "2", receive(t, all).Payload.(ArtifactUploadedPayload).Version)

	assert.Equal(t, "1", receive(t, onlyR1).Payload.(ArtifactUploadedPayload).Version)
	assert.Equal(t, "2", receive(t, onlyR1).Payload.(ArtifactUploadedPayload).Version)
	select {
	case e := <-onlyR1.C():
		t.Fatalf("unexpected event %+v", e)
	default:
	}
}

func TestSlowConsumerIsDropped(t *testing.T) {
	rec := &countingRecorder{}
	bus := NewBus(rec)
	slow := bus.Subscribe(Filter{}, 2)
	fast := bus.Subscribe(Filter{}, 16)
	defer fast.Close()

	start := time.Now()
	for i := 0; i < 5; i++ {
		bus.Publish(uploaded("r1", fmt.Sprint(i)))
	}
	assert.Less(t, time.Since(start), time.Second)

	// the slow subscriber keeps what it buffered, then sees the close
	assert.Equal(t, "0", receive(t, slow).Payload.(ArtifactUploadedPayload).Version)
	assert.Equal(t, "1", receive(t, slow).Payload.(ArtifactUploadedPayload).Version)
	_, ok := <-slow.C()
	assert.False(t, ok)
	assert.ErrorIs(t, slow.Err(), ErrSlowConsumer)

	for i := 0; i < 5; i++ {
		assert.Equal(t, fmt.Sprint(i), receive(t, fast).Payload.(ArtifactUploadedPayload).Version)
	}
	assert.Equal(t, 1, bus.Len())
	assert.Equal(t, 1, rec.dropped)
	assert.Equal(t, 5, rec.published[ArtifactUploaded])
}

func TestCloseUnsubscribes(t *testing.T) {
	bus := NewBus(nil)
	sub := bus.Subscribe(Filter{}, 1)
	assert.Equal(t, 1, bus.Len())
	sub.Close()
	sub.Close()
	assert.Equal(t, 0, bus.Len())
	assert.NoError(t, sub.Err())

	bus.Publish(uploaded("r1", "1"))
	_, ok := <-sub.C()
	assert.False(t, ok)
}

func TestBusClose(t *testing.T) {
	bus := NewBus(nil)
	sub := bus.Subscribe(Filter{}, 1)
	bus.Close()
	_, ok := <-sub.C()
	assert.False(t, ok)
	assert.NoError(t, sub.Err())

	late := bus.Subscribe(Filter{}, 1)
	_, ok = <-late.C()
	assert.False(t, ok)
	bus.Publish(uploaded("r1", "1"))
}

func TestConcurrentPublishKeepsPerRepositoryOrder(t *testing.T) {
	bus := NewBus(nil)
	sub := bus.Subscribe(Filter{}, 1000)
	defer sub.Close()

	var wg sync.WaitGroup
	for _, repo := range []string{"a", "b", "c"} {
		wg.Add(1)
		go func(repo string) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				bus.Publish(uploaded(repo, fmt.Sprint(i)))
			}
		}(repo)
	}
	wg.Wait()

	next := map[string]int{}
	for i := 0; i < 300; i++ {
		e := receive(t, sub)
		assert.Equal(t, fmt.Sprint(next[e.RepositoryID]), e.Payload.(ArtifactUploadedPayload).Version)
		next[e.RepositoryID]++
	}
}

func TestEventJSON(t *testing.T) {
	e := New("r1", "a1", ArtifactUploadedPayload{
		Name:        "lib",
		Version:     "1.0.0",
		ContentHash: digest.FromString("x"),
		Size:        3,
	})
	raw, err := json.Marshal(e)
	require.NoError(t, err)

	var wire map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &wire))
	assert.Equal(t, "artifact.uploaded", wire["type"])
	assert.Equal(t, "r1", wire["repositoryId"])
	assert.Equal(t, "a1", wire["artifactId"])
	assert.NotEmpty(t, wire["timestamp"])
	assert.Equal(t, "1.0.0", wire["payload"].(map[string]interface{})["version"])

	starred := New("r1", "", RepositoryStarredPayload{Name: "libs", Starred: true})
	raw, err = json.Marshal(starred)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "artifactId")
}

func TestParseType(t *testing.T) {
	for _, typ := range Types {
		parsed, ok := ParseType(string(typ))
		assert.True(t, ok)
		assert.Equal(t, typ, parsed)
	}
	_, ok := ParseType("artifact.renamed")
	assert.False(t, ok)
}
