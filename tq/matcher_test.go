package tq

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/gridwms/errors"
)

func newTestMatcher(t *testing.T, store *Store) *Matcher {
	t.Helper()
	return NewMatcher(store, NewPlatformDAG(testPlatformEdges()), 3, nil)
}

// addQueue creates a task queue and returns its id
func addQueue(t *testing.T, store *Store, mutate func(*Requirements)) int64 {
	t.Helper()
	id, _, err := store.FindOrCreateTaskQueue(context.Background(), normalised(t, mutate))
	require.NoError(t, err)
	return id
}

// baseResource offers plenty of CPU and no other constraints
func baseResource() *Resource {
	return &Resource{Setup: "aSetup", CPUTime: 500000}
}

func matchIDs(t *testing.T, m *Matcher, r *Resource) []int64 {
	t.Helper()
	ids, err := m.MatchAndGetTaskQueue(context.Background(), r, matchWindow)
	require.NoError(t, err)
	return ids
}

func TestMatchRequiresSetupAndCPUTime(t *testing.T) {
	store := newTestStore(t)
	m := newTestMatcher(t, store)

	_, err := m.MatchAndGetTaskQueue(context.Background(), &Resource{CPUTime: 100}, 1)
	require.Error(t, err)
	assert.True(t, errors.IsBadRequest(err))

	_, err = m.MatchAndGetTaskQueue(context.Background(), &Resource{Setup: "aSetup"}, 1)
	require.Error(t, err)
	assert.True(t, errors.IsBadRequest(err))
}

func TestMatchScalarFields(t *testing.T) {
	store := newTestStore(t)
	m := newTestMatcher(t, store)

	id := addQueue(t, store, nil) // bucketed CPUTime 86400

	// Enough CPU, same setup
	assert.Equal(t, []int64{id}, matchIDs(t, m, baseResource()))

	// Different setup never matches
	r := baseResource()
	r.Setup = "otherSetup"
	assert.Empty(t, matchIDs(t, m, r))

	// The resource must offer at least the queue's CPU bucket
	r = baseResource()
	r.CPUTime = 5000
	assert.Empty(t, matchIDs(t, m, r))

	r = baseResource()
	r.CPUTime = 86400
	assert.Equal(t, []int64{id}, matchIDs(t, m, r))
}

func TestMatchOwnerFilters(t *testing.T) {
	store := newTestStore(t)
	m := newTestMatcher(t, store)

	idMine := addQueue(t, store, nil)
	idOther := addQueue(t, store, func(r *Requirements) {
		r.OwnerGroup = "otherGroup"
		r.OwnerDN = "/other/DN"
	})

	r := baseResource()
	r.OwnerGroups = []string{"myGroup"}
	assert.Equal(t, []int64{idMine}, matchIDs(t, m, r))

	r = baseResource()
	r.OwnerGroups = []string{"myGroup", "otherGroup"}
	assert.ElementsMatch(t, []int64{idMine, idOther}, matchIDs(t, m, r))

	r = baseResource()
	r.OwnerDN = "/other/DN"
	assert.Equal(t, []int64{idOther}, matchIDs(t, m, r))
}

func TestMatchPositiveSiteInclusion(t *testing.T) {
	store := newTestStore(t)
	m := newTestMatcher(t, store)

	idPinned := addQueue(t, store, func(r *Requirements) {
		r.Sites = []string{"LCG.CERN.ch", "LCG.IN2P3.fr"}
	})
	idAnywhere := addQueue(t, store, func(r *Requirements) {
		r.JobTypes = []string{"User"}
	})

	// A queue declaring no sites accepts any site
	r := baseResource()
	r.Sites = []string{"LCG.CERN.ch"}
	assert.ElementsMatch(t, []int64{idPinned, idAnywhere}, matchIDs(t, m, r))

	r = baseResource()
	r.Sites = []string{"LCG.PIC.es"}
	assert.Equal(t, []int64{idAnywhere}, matchIDs(t, m, r))

	// No site offered means no site constraint
	assert.ElementsMatch(t, []int64{idPinned, idAnywhere}, matchIDs(t, m, baseResource()))
}

func TestMatchBannedSites(t *testing.T) {
	store := newTestStore(t)
	m := newTestMatcher(t, store)

	idBanning := addQueue(t, store, func(r *Requirements) {
		r.BannedSites = []string{"LCG.CERN.ch"}
	})

	r := baseResource()
	r.Sites = []string{"LCG.CERN.ch"}
	assert.Empty(t, matchIDs(t, m, r))

	r = baseResource()
	r.Sites = []string{"LCG.IN2P3.fr"}
	assert.Equal(t, []int64{idBanning}, matchIDs(t, m, r))
}

func TestMatchPlatformFamily(t *testing.T) {
	store := newTestStore(t)
	m := newTestMatcher(t, store)

	id := addQueue(t, store, func(r *Requirements) {
		r.Platforms = []string{"centos7", "slc6"}
	})

	tests := []struct {
		offered string
		matches bool
	}{
		{"centos7", true}, // exact, and centos7 also runs slc6 payloads
		{"slc6", true},    // slc6 runs the queue's slc6 payloads
		{"slc5", false},   // too old for either requirement
		{"centos8", false}, // unknown platform matches only itself
		{"ubuntu", false}, // different family
	}

	for _, tt := range tests {
		r := baseResource()
		r.Platforms = []string{tt.offered}
		got := matchIDs(t, m, r)
		if tt.matches {
			assert.Equal(t, []int64{id}, got, "platform %s", tt.offered)
		} else {
			assert.Empty(t, got, "platform %s", tt.offered)
		}
	}

	// A resource that states no platform matches everything
	assert.Equal(t, []int64{id}, matchIDs(t, m, baseResource()))
}

func TestMatchQueueWithoutPlatformAcceptsAnyPlatform(t *testing.T) {
	store := newTestStore(t)
	m := newTestMatcher(t, store)

	id := addQueue(t, store, nil)

	r := baseResource()
	r.Platforms = []string{"centos8"}
	assert.Equal(t, []int64{id}, matchIDs(t, m, r))
}

func TestMatchTagUpperBound(t *testing.T) {
	store := newTestStore(t)
	m := newTestMatcher(t, store)

	idUntagged := addQueue(t, store, nil)
	idMulti := addQueue(t, store, func(r *Requirements) {
		r.Tags = []string{"MultiProcessor"}
	})
	idMultiGPU := addQueue(t, store, func(r *Requirements) {
		r.Tags = []string{"MultiProcessor", "GPU"}
	})

	// Offering one tag admits queues needing at most that tag
	r := baseResource()
	r.Tags = []string{"MultiProcessor"}
	assert.ElementsMatch(t, []int64{idUntagged, idMulti}, matchIDs(t, m, r))

	r = baseResource()
	r.Tags = []string{"MultiProcessor", "GPU"}
	assert.ElementsMatch(t, []int64{idUntagged, idMulti, idMultiGPU}, matchIDs(t, m, r))

	// Offering no tags skips the bound entirely
	assert.ElementsMatch(t, []int64{idUntagged, idMulti, idMultiGPU},
		matchIDs(t, m, baseResource()))
}

func TestMatchRequiredAndBannedTags(t *testing.T) {
	store := newTestStore(t)
	m := newTestMatcher(t, store)

	idUntagged := addQueue(t, store, nil)
	idMulti := addQueue(t, store, func(r *Requirements) {
		r.Tags = []string{"MultiProcessor"}
	})
	idGPU := addQueue(t, store, func(r *Requirements) {
		r.Tags = []string{"GPU", "MultiProcessor"}
	})

	// RequiredTag is a lower bound independent of the offered set
	r := baseResource()
	r.RequiredTags = []string{"MultiProcessor"}
	assert.ElementsMatch(t, []int64{idMulti, idGPU}, matchIDs(t, m, r))

	r = baseResource()
	r.RequiredTags = []string{"GPU", "MultiProcessor"}
	assert.Equal(t, []int64{idGPU}, matchIDs(t, m, r))

	r = baseResource()
	r.BannedTags = []string{"GPU"}
	assert.ElementsMatch(t, []int64{idUntagged, idMulti}, matchIDs(t, m, r))
}

func TestMatchComplexRequirements(t *testing.T) {
	store := newTestStore(t)
	m := newTestMatcher(t, store)

	id := addQueue(t, store, func(r *Requirements) {
		r.Sites = []string{"LCG.CERN.ch"}
		r.Platforms = []string{"slc6"}
		r.JobTypes = []string{"User"}
		r.Tags = []string{"MultiProcessor"}
	})

	r := baseResource()
	r.Sites = []string{"LCG.CERN.ch"}
	r.Platforms = []string{"centos7"}
	r.JobTypes = []string{"User", "Test"}
	r.Tags = []string{"MultiProcessor", "GPU"}
	assert.Equal(t, []int64{id}, matchIDs(t, m, r))

	// Any single failing rule vetoes the whole queue
	r.JobTypes = []string{"Test"}
	assert.Empty(t, matchIDs(t, m, r))
}

func TestMatchAndGetTaskQueueOrdersByShare(t *testing.T) {
	store := newTestStore(t)
	m := newTestMatcher(t, store)
	ctx := context.Background()

	idLow := addQueue(t, store, nil)
	idHigh := addQueue(t, store, func(r *Requirements) {
		r.Platforms = []string{"centos7"}
	})

	_, err := store.db.ExecContext(ctx,
		"UPDATE tq_task_queues SET share = 0.8 WHERE tq_id = ?", idHigh)
	require.NoError(t, err)
	_, err = store.db.ExecContext(ctx,
		"UPDATE tq_task_queues SET share = 0.2 WHERE tq_id = ?", idLow)
	require.NoError(t, err)

	assert.Equal(t, []int64{idHigh, idLow}, matchIDs(t, m, baseResource()))
}

func TestMatchAndGetJobDispatchesFIFO(t *testing.T) {
	store := newTestStore(t)
	m := newTestMatcher(t, store)
	ctx := context.Background()

	id := addQueue(t, store, nil)
	for _, jobID := range []int64{11, 12, 13} {
		require.NoError(t, store.AttachJob(ctx, id, jobID, 0))
	}

	var got []int64
	for i := 0; i < 3; i++ {
		res, err := m.MatchAndGetJob(ctx, baseResource())
		require.NoError(t, err)
		require.True(t, res.Found)
		assert.Equal(t, id, res.TaskQueueID)
		got = append(got, res.JobID)
	}
	assert.Equal(t, []int64{11, 12, 13}, got)

	// The queue is drained; a further match is a clean miss
	res, err := m.MatchAndGetJob(ctx, baseResource())
	require.NoError(t, err)
	assert.False(t, res.Found)
}

func TestMatchAndGetJobMissIsNotAnError(t *testing.T) {
	store := newTestStore(t)
	m := newTestMatcher(t, store)

	res, err := m.MatchAndGetJob(context.Background(), baseResource())
	require.NoError(t, err)
	assert.False(t, res.Found)
	assert.Zero(t, res.JobID)
}

func TestMatchAndGetJobIgnoresDrainedQueues(t *testing.T) {
	store := newTestStore(t)
	m := newTestMatcher(t, store)
	ctx := context.Background()

	// Drained queues persist until housekeeping sweeps them; they must
	// never cost a matcher its retry budget.
	for i := 0; i < 15; i++ {
		addQueue(t, store, func(r *Requirements) {
			r.Sites = []string{fmt.Sprintf("LCG.Site%02d.org", i)}
		})
	}
	idFull := addQueue(t, store, func(r *Requirements) {
		r.Platforms = []string{"centos7"}
	})
	require.NoError(t, store.AttachJob(ctx, idFull, 42, 0))

	// A single call must find the one dispatchable job
	res, err := m.MatchAndGetJob(ctx, baseResource())
	require.NoError(t, err)
	require.True(t, res.Found)
	assert.Equal(t, idFull, res.TaskQueueID)
	assert.Equal(t, int64(42), res.JobID)

	// The diagnostic path still reports the empty queues
	ids, err := m.MatchAndGetTaskQueue(ctx, baseResource(), matchWindow)
	require.NoError(t, err)
	assert.Len(t, ids, 16)
}

func TestConcurrentMatchersDispatchEachJobOnce(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	const numJobs = 40
	id := addQueue(t, store, nil)
	for jobID := int64(1); jobID <= numJobs; jobID++ {
		require.NoError(t, store.AttachJob(ctx, id, jobID, 0))
	}

	const numMatchers = 8
	results := make(chan int64, numJobs)
	var wg sync.WaitGroup
	for i := 0; i < numMatchers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m := newTestMatcher(t, store)
			for {
				res, err := m.MatchAndGetJob(ctx, baseResource())
				if err != nil || !res.Found {
					return
				}
				results <- res.JobID
			}
		}()
	}
	wg.Wait()
	close(results)

	var dispatched []int64
	for jobID := range results {
		dispatched = append(dispatched, jobID)
	}
	sort.Slice(dispatched, func(i, j int) bool { return dispatched[i] < dispatched[j] })

	require.Len(t, dispatched, numJobs, "every job dispatched exactly once")
	for i, jobID := range dispatched {
		assert.Equal(t, int64(i+1), jobID)
	}
}
