package tq

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/teranos/gridwms/errors"
)

// Multi-valued requirement field names. Each has a matching mode: positive
// inclusion (the resource must overlap the queue's set), negative exclusion
// (BannedSites), or the platform family rule (Platforms).
const (
	FieldSites        = "Sites"
	FieldGridCEs      = "GridCEs"
	FieldBannedSites  = "BannedSites"
	FieldPlatforms    = "Platforms"
	FieldTags         = "Tags"
	FieldRequiredTags = "RequiredTags"
	FieldJobTypes     = "JobTypes"
	FieldSubmitPools  = "SubmitPools"
	FieldPilotTypes   = "PilotTypes"
)

// multiValueFields enumerates every known multi-valued field, in the order
// they are serialised into the fingerprint.
var multiValueFields = []string{
	FieldBannedSites,
	FieldGridCEs,
	FieldJobTypes,
	FieldPilotTypes,
	FieldPlatforms,
	FieldRequiredTags,
	FieldSites,
	FieldSubmitPools,
	FieldTags,
}

// singularAliases maps the singular spellings job producers historically use
// to the canonical plural field names.
var singularAliases = map[string]string{
	"Site":        FieldSites,
	"GridCE":      FieldGridCEs,
	"BannedSite":  FieldBannedSites,
	"Platform":    FieldPlatforms,
	"Tag":         FieldTags,
	"RequiredTag": FieldRequiredTags,
	"JobType":     FieldJobTypes,
	"SubmitPool":  FieldSubmitPools,
	"PilotType":   FieldPilotTypes,
}

// Requirements is the closed record of everything a job can require.
// Unknown fields are rejected (strict mode) or dropped when building one
// from a parameter bag.
type Requirements struct {
	OwnerDN    string
	OwnerGroup string
	Setup      string
	CPUTime    int64 // bucketed after Normalise

	Sites        []string
	GridCEs      []string
	BannedSites  []string
	Platforms    []string
	Tags         []string
	RequiredTags []string
	JobTypes     []string
	SubmitPools  []string
	PilotTypes   []string
}

// multiValue returns the canonical multi-valued content keyed by field name,
// omitting empty fields. Only meaningful after Normalise.
func (r *Requirements) multiValue() map[string][]string {
	out := make(map[string][]string)
	put := func(field string, values []string) {
		if len(values) > 0 {
			out[field] = values
		}
	}
	put(FieldSites, r.Sites)
	put(FieldGridCEs, r.GridCEs)
	put(FieldBannedSites, r.BannedSites)
	put(FieldPlatforms, r.Platforms)
	put(FieldTags, r.Tags)
	put(FieldRequiredTags, r.RequiredTags)
	put(FieldJobTypes, r.JobTypes)
	put(FieldSubmitPools, r.SubmitPools)
	put(FieldPilotTypes, r.PilotTypes)
	return out
}

// Normalise validates the requirements and rewrites them into canonical form:
// multi-valued lists are trimmed, deduplicated and sorted, required tags are
// folded into Tags, and CPUTime is bucketed. Two jobs whose normalised
// requirements are equal always land in the same task queue.
func (r *Requirements) Normalise(buckets []int64) error {
	if r.OwnerDN == "" {
		return errors.NewBadRequest("field %q: required", "OwnerDN")
	}
	if r.OwnerGroup == "" {
		return errors.NewBadRequest("field %q: required", "OwnerGroup")
	}
	if r.Setup == "" {
		return errors.NewBadRequest("field %q: required", "Setup")
	}
	if r.CPUTime <= 0 {
		return errors.NewBadRequest("field %q: must be > 0, got %d", "CPUTime", r.CPUTime)
	}

	r.Sites = canonicalList(r.Sites)
	r.GridCEs = canonicalList(r.GridCEs)
	r.BannedSites = canonicalList(r.BannedSites)
	r.Platforms = canonicalList(r.Platforms)
	r.Tags = canonicalList(r.Tags)
	r.RequiredTags = canonicalList(r.RequiredTags)
	r.JobTypes = canonicalList(r.JobTypes)
	r.SubmitPools = canonicalList(r.SubmitPools)
	r.PilotTypes = canonicalList(r.PilotTypes)

	// A required tag is by definition carried by the queue; fold them into
	// Tags so matching only ever consults one set.
	if len(r.RequiredTags) > 0 {
		r.Tags = canonicalList(append(r.Tags, r.RequiredTags...))
	}

	r.CPUTime = BucketCPUTime(r.CPUTime, buckets)
	return nil
}

// BucketCPUTime returns the smallest bucket >= raw. Values above the top
// rung clamp to the top rung.
func BucketCPUTime(raw int64, buckets []int64) int64 {
	if len(buckets) == 0 {
		return raw
	}
	for _, b := range buckets {
		if raw <= b {
			return b
		}
	}
	return buckets[len(buckets)-1]
}

// Fingerprint returns the stable hash of the canonical requirement vector.
// Call Normalise first; the fingerprint of a non-normalised vector is
// meaningless.
func (r *Requirements) Fingerprint() string {
	var sb strings.Builder
	sb.WriteString("OwnerDN=")
	sb.WriteString(r.OwnerDN)
	sb.WriteString(";OwnerGroup=")
	sb.WriteString(r.OwnerGroup)
	sb.WriteString(";Setup=")
	sb.WriteString(r.Setup)
	sb.WriteString(";CPUTime=")
	sb.WriteString(strconv.FormatInt(r.CPUTime, 10))

	mv := r.multiValue()
	for _, field := range multiValueFields {
		values := mv[field]
		if len(values) == 0 {
			continue
		}
		sb.WriteString(";")
		sb.WriteString(field)
		sb.WriteString("=")
		sb.WriteString(strings.Join(values, ","))
	}

	sum := sha256.Sum256([]byte(sb.String()))
	return hex.EncodeToString(sum[:])
}

// RequirementsFromMap builds Requirements from a dynamic parameter bag.
// Multi-valued fields accept a string, a list of strings, or nothing;
// singular spellings (Platform, Site, Tag, ...) are folded into their plural
// fields. In strict mode an unknown key is a BadRequest; otherwise unknown
// keys are dropped.
func RequirementsFromMap(bag map[string]interface{}, strict bool) (*Requirements, error) {
	r := &Requirements{}
	for key, raw := range bag {
		field := key
		if canonical, ok := singularAliases[key]; ok {
			field = canonical
		}

		switch field {
		case "OwnerDN", "OwnerGroup", "Setup":
			s, ok := raw.(string)
			if !ok {
				return nil, errors.NewBadRequest("field %q: expected string, got %T", key, raw)
			}
			switch field {
			case "OwnerDN":
				r.OwnerDN = s
			case "OwnerGroup":
				r.OwnerGroup = s
			case "Setup":
				r.Setup = s
			}
		case "CPUTime":
			n, err := asInt64(raw)
			if err != nil {
				return nil, errors.NewBadRequest("field %q: %v", key, err)
			}
			r.CPUTime = n
		case FieldSites, FieldGridCEs, FieldBannedSites, FieldPlatforms,
			FieldTags, FieldRequiredTags, FieldJobTypes, FieldSubmitPools, FieldPilotTypes:
			values, err := asStringList(raw)
			if err != nil {
				return nil, errors.NewBadRequest("field %q: %v", key, err)
			}
			switch field {
			case FieldSites:
				r.Sites = values
			case FieldGridCEs:
				r.GridCEs = values
			case FieldBannedSites:
				r.BannedSites = values
			case FieldPlatforms:
				r.Platforms = values
			case FieldTags:
				r.Tags = values
			case FieldRequiredTags:
				r.RequiredTags = values
			case FieldJobTypes:
				r.JobTypes = values
			case FieldSubmitPools:
				r.SubmitPools = values
			case FieldPilotTypes:
				r.PilotTypes = values
			}
		default:
			if strict {
				return nil, errors.NewBadRequest("field %q: unknown requirement", key)
			}
		}
	}
	return r, nil
}

// canonicalList trims, drops empties, deduplicates and sorts
func canonicalList(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	if len(out) == 0 {
		return nil
	}
	return out
}

func asInt64(raw interface{}) (int64, error) {
	switch v := raw.(type) {
	case int:
		return int64(v), nil
	case int64:
		return v, nil
	case float64:
		if v != math.Trunc(v) {
			return 0, fmt.Errorf("expected integer, got %v", v)
		}
		return int64(v), nil
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("expected integer, got %q", v)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("expected integer, got %T", raw)
	}
}

func asStringList(raw interface{}) ([]string, error) {
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case string:
		if v == "" {
			return nil, nil
		}
		return []string{v}, nil
	case []string:
		return v, nil
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("expected string list element, got %T", item)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("expected string or list of strings, got %T", raw)
	}
}
