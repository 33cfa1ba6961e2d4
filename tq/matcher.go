package tq

import (
	"context"
	"math/rand"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/gridwms/db"
	"github.com/teranos/gridwms/errors"
)

// matchWindow is how many candidate queues MatchAndGetJob weighs against
// each other before picking one. Wider than the default numQueuesToGet so
// weighted selection has something to select from.
const matchWindow = 16

// Resource describes what a worker agent can run: the matcher's input.
// Empty slices and empty strings mean "no constraint" throughout.
type Resource struct {
	Setup   string
	CPUTime int64

	OwnerDN     string
	OwnerGroups []string

	Sites       []string
	GridCEs     []string
	Platforms   []string
	JobTypes    []string
	SubmitPools []string
	PilotTypes  []string

	// Tags the resource offers: a queue matches only if every tag it
	// carries is offered. Empty means any queue is tag-compatible.
	Tags []string
	// Tags the resource insists the queue must carry
	RequiredTags []string
	// Tags the queue must not carry
	BannedTags []string
}

// ResourceFromMap builds a Resource from a dynamic description bag.
// Scalar-or-list fields accept either form; a malformed value is a
// BadRequest naming the offending field.
func ResourceFromMap(bag map[string]interface{}) (*Resource, error) {
	r := &Resource{}
	for key, raw := range bag {
		switch key {
		case "Setup":
			s, ok := raw.(string)
			if !ok {
				return nil, errors.NewBadRequest("field %q: expected string, got %T", key, raw)
			}
			r.Setup = s
		case "CPUTime":
			n, err := asInt64(raw)
			if err != nil {
				return nil, errors.NewBadRequest("field %q: %v", key, err)
			}
			r.CPUTime = n
		case "OwnerDN":
			s, ok := raw.(string)
			if !ok {
				return nil, errors.NewBadRequest("field %q: expected string, got %T", key, raw)
			}
			r.OwnerDN = s
		case "OwnerGroup":
			values, err := asStringList(raw)
			if err != nil {
				return nil, errors.NewBadRequest("field %q: %v", key, err)
			}
			r.OwnerGroups = values
		case "Site", "Sites":
			values, err := asStringList(raw)
			if err != nil {
				return nil, errors.NewBadRequest("field %q: %v", key, err)
			}
			r.Sites = values
		case "GridCE", "GridCEs":
			values, err := asStringList(raw)
			if err != nil {
				return nil, errors.NewBadRequest("field %q: %v", key, err)
			}
			r.GridCEs = values
		case "Platform", "Platforms":
			values, err := asStringList(raw)
			if err != nil {
				return nil, errors.NewBadRequest("field %q: %v", key, err)
			}
			r.Platforms = values
		case "JobType", "JobTypes":
			values, err := asStringList(raw)
			if err != nil {
				return nil, errors.NewBadRequest("field %q: %v", key, err)
			}
			r.JobTypes = values
		case "SubmitPool", "SubmitPools":
			values, err := asStringList(raw)
			if err != nil {
				return nil, errors.NewBadRequest("field %q: %v", key, err)
			}
			r.SubmitPools = values
		case "PilotType", "PilotTypes":
			values, err := asStringList(raw)
			if err != nil {
				return nil, errors.NewBadRequest("field %q: %v", key, err)
			}
			r.PilotTypes = values
		case "Tag", "Tags":
			values, err := asStringList(raw)
			if err != nil {
				return nil, errors.NewBadRequest("field %q: %v", key, err)
			}
			r.Tags = values
		case "RequiredTag", "RequiredTags":
			values, err := asStringList(raw)
			if err != nil {
				return nil, errors.NewBadRequest("field %q: %v", key, err)
			}
			r.RequiredTags = values
		case "BannedTag", "BannedTags":
			values, err := asStringList(raw)
			if err != nil {
				return nil, errors.NewBadRequest("field %q: %v", key, err)
			}
			r.BannedTags = values
		default:
			return nil, errors.NewBadRequest("field %q: unknown resource option", key)
		}
	}
	return r, nil
}

// validate checks the mandatory resource fields
func (r *Resource) validate() error {
	if r.Setup == "" {
		return errors.NewBadRequest("field %q: required", "Setup")
	}
	if r.CPUTime <= 0 {
		return errors.NewBadRequest("field %q: must be > 0, got %d", "CPUTime", r.CPUTime)
	}
	return nil
}

// MatchResult is the outcome of MatchAndGetJob. A miss is a normal result,
// not an error.
type MatchResult struct {
	Found       bool
	TaskQueueID int64
	JobID       int64
}

// Matcher compiles resource descriptions into candidate queries and
// dispatches jobs. Safe for concurrent use; contention on the dequeue is
// resolved by the bounded retry loop.
type Matcher struct {
	store       *Store
	dag         *PlatformDAG
	retryBudget int
	log         *zap.SugaredLogger

	rngMu sync.Mutex
	rng   *rand.Rand
}

// NewMatcher creates a matcher. retryBudget bounds how often MatchAndGetJob
// restarts after losing a detach race before reporting no match.
func NewMatcher(store *Store, dag *PlatformDAG, retryBudget int, log *zap.SugaredLogger) *Matcher {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if dag == nil {
		dag = NewPlatformDAG(nil)
	}
	if retryBudget < 0 {
		retryBudget = 0
	}
	return &Matcher{
		store:       store,
		dag:         dag,
		retryBudget: retryBudget,
		log:         log,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// ReloadPlatformOrder swaps the platform compatibility DAG. Wired to the
// config watcher so operators can introduce a new platform without a
// restart.
func (m *Matcher) ReloadPlatformOrder(edges [][]string) {
	m.dag.Reload(edges)
}

type candidate struct {
	tqID  int64
	share float64
}

// compileQuery turns a resource description into the single candidate
// query. Every rule of the matching algebra lands here:
//
//   - scalar: Setup exact, CPUTime >= queue bucket, optional OwnerDN exact,
//     optional OwnerGroup set membership
//   - positive inclusion (Sites, GridCEs, JobTypes, SubmitPools, PilotTypes,
//     Platforms after family expansion): a queue declaring no values accepts
//     anything; otherwise the resource values must overlap
//   - negative exclusion: a queue banning one of the offered sites is out
//   - tags: offered tags are an upper bound on the queue's tag set, required
//     tags a lower bound, banned tags must be absent
//
// dispatchable additionally requires at least one attached job. Drained
// queues persist until housekeeping sweeps them; letting them into the
// dispatch window would burn the retry budget on queues with nothing to give.
func (m *Matcher) compileQuery(r *Resource, limit int, dispatchable bool) (string, []interface{}) {
	var sb strings.Builder
	var args []interface{}

	sb.WriteString(`SELECT t.tq_id, t.share FROM tq_task_queues t WHERE t.setup = ? AND t.cpu_time <= ?`)
	args = append(args, r.Setup, r.CPUTime)

	if dispatchable {
		sb.WriteString(` AND EXISTS (SELECT 1 FROM tq_jobs j WHERE j.tq_id = t.tq_id)`)
	}

	if r.OwnerDN != "" {
		sb.WriteString(" AND t.owner_dn = ?")
		args = append(args, r.OwnerDN)
	}

	if groups := canonicalList(r.OwnerGroups); len(groups) > 0 {
		sb.WriteString(" AND t.owner_group IN (" + placeholders(len(groups)) + ")")
		for _, g := range groups {
			args = append(args, g)
		}
	}

	positive := func(field string, values []string) {
		values = canonicalList(values)
		if len(values) == 0 {
			return
		}
		ph := placeholders(len(values))
		sb.WriteString(` AND (NOT EXISTS (SELECT 1 FROM tq_multi_value mv WHERE mv.tq_id = t.tq_id AND mv.field = ?)`)
		sb.WriteString(` OR EXISTS (SELECT 1 FROM tq_multi_value mv WHERE mv.tq_id = t.tq_id AND mv.field = ? AND mv.value IN (` + ph + `)))`)
		args = append(args, field, field)
		for _, v := range values {
			args = append(args, v)
		}
	}

	sites := canonicalList(r.Sites)
	positive(FieldSites, sites)
	if len(sites) > 0 {
		// Negative exclusion: none of the offered sites may be banned
		ph := placeholders(len(sites))
		sb.WriteString(` AND NOT EXISTS (SELECT 1 FROM tq_multi_value mv WHERE mv.tq_id = t.tq_id AND mv.field = ? AND mv.value IN (` + ph + `))`)
		args = append(args, FieldBannedSites)
		for _, v := range sites {
			args = append(args, v)
		}
	}

	positive(FieldGridCEs, r.GridCEs)
	positive(FieldJobTypes, r.JobTypes)
	positive(FieldSubmitPools, r.SubmitPools)
	positive(FieldPilotTypes, r.PilotTypes)

	// Platform family rule: expand each offered platform into everything it
	// can run, then apply plain positive inclusion on the expanded set.
	if offered := canonicalList(r.Platforms); len(offered) > 0 {
		positive(FieldPlatforms, m.dag.CompatibleAll(offered))
	}

	// Offered tags are an upper bound: the queue may not carry a tag that
	// is not offered. A queue with no tags always passes.
	if offered := canonicalList(r.Tags); len(offered) > 0 {
		ph := placeholders(len(offered))
		sb.WriteString(` AND NOT EXISTS (SELECT 1 FROM tq_multi_value mv WHERE mv.tq_id = t.tq_id AND mv.field = ? AND mv.value NOT IN (` + ph + `))`)
		args = append(args, FieldTags)
		for _, v := range offered {
			args = append(args, v)
		}
	}

	// Required tags are a lower bound: the queue must carry every one
	if required := canonicalList(r.RequiredTags); len(required) > 0 {
		ph := placeholders(len(required))
		sb.WriteString(` AND (SELECT COUNT(DISTINCT mv.value) FROM tq_multi_value mv WHERE mv.tq_id = t.tq_id AND mv.field = ? AND mv.value IN (` + ph + `)) = ?`)
		args = append(args, FieldTags)
		for _, v := range required {
			args = append(args, v)
		}
		args = append(args, len(required))
	}

	// Banned tags must be absent
	if banned := canonicalList(r.BannedTags); len(banned) > 0 {
		ph := placeholders(len(banned))
		sb.WriteString(` AND NOT EXISTS (SELECT 1 FROM tq_multi_value mv WHERE mv.tq_id = t.tq_id AND mv.field = ? AND mv.value IN (` + ph + `))`)
		args = append(args, FieldTags)
		for _, v := range banned {
			args = append(args, v)
		}
	}

	sb.WriteString(" ORDER BY t.share DESC, t.tq_id ASC LIMIT ?")
	args = append(args, limit)

	return sb.String(), args
}

// matchCandidates runs the compiled query
func (m *Matcher) matchCandidates(ctx context.Context, r *Resource, limit int, dispatchable bool) ([]candidate, error) {
	if err := r.validate(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 1
	}

	query, args := m.compileQuery(r, limit, dispatchable)
	rows, err := m.store.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, db.ClassifyError(ctx, err)
	}
	defer rows.Close()

	var out []candidate
	for rows.Next() {
		var c candidate
		if err := rows.Scan(&c.tqID, &c.share); err != nil {
			return nil, db.ClassifyError(ctx, err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, db.ClassifyError(ctx, err)
	}
	return out, nil
}

// MatchAndGetTaskQueue returns up to numQueuesToGet candidate queue ids
// compatible with the resource description, best share first. No job is
// dequeued; used for diagnostics and pilot pre-filtering, so empty queues
// are reported too.
func (m *Matcher) MatchAndGetTaskQueue(ctx context.Context, r *Resource, numQueuesToGet int) ([]int64, error) {
	candidates, err := m.matchCandidates(ctx, r, numQueuesToGet, false)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, len(candidates))
	for i, c := range candidates {
		ids[i] = c.tqID
	}
	return ids, nil
}

// MatchAndGetJob selects a compatible queue with at least one attached job
// by weighted random over normalised shares, dequeues its oldest job
// atomically, and returns it. A lost detach race restarts the match up to
// the retry budget; a clean miss returns Found=false without error.
func (m *Matcher) MatchAndGetJob(ctx context.Context, r *Resource) (*MatchResult, error) {
	for attempt := 0; attempt <= m.retryBudget; attempt++ {
		candidates, err := m.matchCandidates(ctx, r, matchWindow, true)
		if err != nil {
			return nil, err
		}
		if len(candidates) == 0 {
			return &MatchResult{Found: false}, nil
		}

		tqID := m.pickWeighted(candidates)

		jobID, err := m.store.oldestJob(ctx, tqID)
		if errors.IsUnknownJob(err) {
			// Queue emptied under us; try again
			continue
		}
		if err != nil {
			return nil, err
		}

		detached, err := m.store.detachJobFromQueue(ctx, tqID, jobID)
		if err != nil {
			return nil, err
		}
		if !detached {
			// Another matcher took the job between select and delete
			m.log.Debugw("Lost detach race, retrying match",
				"tq_id", tqID, "job_id", jobID, "attempt", attempt)
			continue
		}

		return &MatchResult{Found: true, TaskQueueID: tqID, JobID: jobID}, nil
	}

	return &MatchResult{Found: false}, nil
}

// pickWeighted selects a queue with probability proportional to share;
// uniform when all shares are zero.
func (m *Matcher) pickWeighted(candidates []candidate) int64 {
	total := 0.0
	for _, c := range candidates {
		if c.share > 0 {
			total += c.share
		}
	}

	m.rngMu.Lock()
	defer m.rngMu.Unlock()

	if total <= 0 {
		return candidates[m.rng.Intn(len(candidates))].tqID
	}

	target := m.rng.Float64() * total
	for _, c := range candidates {
		if c.share <= 0 {
			continue
		}
		target -= c.share
		if target <= 0 {
			return c.tqID
		}
	}
	return candidates[len(candidates)-1].tqID
}
