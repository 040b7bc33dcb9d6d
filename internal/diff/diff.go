// Package diff computes added/removed/changed sets between a remote
// payload and the rows currently held in the Store, over keyed bags of
// JSON values. See spec.md §4.3.
package diff

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// smallBagThreshold is the size at or below which both sides of a
// Compute call use the sorted two-pointer merge instead of a hash join.
const smallBagThreshold = 64

// Entry is one (key, value) pair — a field_id/field_value, a
// comment id, or an attachment uuid, depending on the caller.
type Entry struct {
	Key   string
	Value json.RawMessage
}

// Change is a key present on both sides with a different value.
type Change struct {
	Key      string
	OldValue json.RawMessage
	NewValue json.RawMessage
}

// Result is the output of Compute: three disjoint sets relative to
// remote. Added and Removed are keyed entries from remote/local
// respectively; Changed pairs old (local) and new (remote) values.
type Result struct {
	Added   []Entry
	Removed []Entry
	Changed []Change
}

// IsEmpty reports whether the diff carries no changes at all.
func (r Result) IsEmpty() bool {
	return len(r.Added) == 0 && len(r.Removed) == 0 && len(r.Changed) == 0
}

// Canonicalize reduces raw to its canonical JSON form: object keys
// sorted, whitespace stripped. encoding/json already emits map keys in
// sorted order, so a decode/re-encode round trip is sufficient.
func Canonicalize(raw json.RawMessage) (json.RawMessage, error) {
	if len(raw) == 0 {
		return raw, nil
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("diff: canonicalize: %w", err)
	}
	out, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("diff: canonicalize: %w", err)
	}
	return out, nil
}

// Equal reports whether two raw JSON values are byte-wise equal after
// canonicalization.
func Equal(a, b json.RawMessage) (bool, error) {
	ca, err := Canonicalize(a)
	if err != nil {
		return false, err
	}
	cb, err := Canonicalize(b)
	if err != nil {
		return false, err
	}
	return bytes.Equal(ca, cb), nil
}

// Compute diffs remote against local. Entries need not be sorted by
// Key; each set in the Result comes back sorted by Key.
func Compute(remote, local []Entry) (Result, error) {
	if len(remote) <= smallBagThreshold && len(local) <= smallBagThreshold {
		return sortedMergeCompute(remote, local)
	}
	return hashJoinCompute(remote, local)
}

func sortedMergeCompute(remote, local []Entry) (Result, error) {
	r := sortedCopy(remote)
	l := sortedCopy(local)

	var out Result
	i, j := 0, 0
	for i < len(r) && j < len(l) {
		switch {
		case r[i].Key < l[j].Key:
			out.Added = append(out.Added, r[i])
			i++
		case r[i].Key > l[j].Key:
			out.Removed = append(out.Removed, l[j])
			j++
		default:
			eq, err := Equal(r[i].Value, l[j].Value)
			if err != nil {
				return Result{}, err
			}
			if !eq {
				out.Changed = append(out.Changed, Change{Key: r[i].Key, OldValue: l[j].Value, NewValue: r[i].Value})
			}
			i++
			j++
		}
	}
	for ; i < len(r); i++ {
		out.Added = append(out.Added, r[i])
	}
	for ; j < len(l); j++ {
		out.Removed = append(out.Removed, l[j])
	}
	return out, nil
}

func hashJoinCompute(remote, local []Entry) (Result, error) {
	localByKey := make(map[string]json.RawMessage, len(local))
	for _, e := range local {
		localByKey[e.Key] = e.Value
	}

	var out Result
	seen := make(map[string]struct{}, len(remote))
	for _, e := range remote {
		seen[e.Key] = struct{}{}
		oldVal, ok := localByKey[e.Key]
		if !ok {
			out.Added = append(out.Added, e)
			continue
		}
		eq, err := Equal(e.Value, oldVal)
		if err != nil {
			return Result{}, err
		}
		if !eq {
			out.Changed = append(out.Changed, Change{Key: e.Key, OldValue: oldVal, NewValue: e.Value})
		}
	}
	for _, e := range local {
		if _, ok := seen[e.Key]; !ok {
			out.Removed = append(out.Removed, e)
		}
	}

	sort.Slice(out.Added, func(i, j int) bool { return out.Added[i].Key < out.Added[j].Key })
	sort.Slice(out.Removed, func(i, j int) bool { return out.Removed[i].Key < out.Removed[j].Key })
	sort.Slice(out.Changed, func(i, j int) bool { return out.Changed[i].Key < out.Changed[j].Key })
	return out, nil
}

func sortedCopy(entries []Entry) []Entry {
	out := make([]Entry, len(entries))
	copy(out, entries)
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// FastPathNoChange implements the optional `updated` timestamp
// short-circuit: when the remote payload's updated timestamp is
// non-empty and matches the stored one exactly, the engine reports "no
// change" without inspecting bodies. An empty or differing timestamp
// always falls back to a full Compute.
func FastPathNoChange(remoteUpdated, storedUpdated string) bool {
	return remoteUpdated != "" && remoteUpdated == storedUpdated
}

// OrderedEntry is a keyed value whose position within its parent list
// matters, used for comment diffing where position_in_array is part
// of the identity the Store indexes on.
type OrderedEntry struct {
	Key      string
	Position int
	Value    json.RawMessage
}

// OrderedChange is a change to a positioned entry: its value, its
// position, or both.
type OrderedChange struct {
	Key         string
	OldPosition int
	NewPosition int
	OldValue    json.RawMessage
	NewValue    json.RawMessage
}

// OrderedResult is the output of ComputeOrdered.
type OrderedResult struct {
	Added   []OrderedEntry
	Removed []OrderedEntry
	Changed []OrderedChange
}

// IsEmpty reports whether the ordered diff carries no changes at all.
func (r OrderedResult) IsEmpty() bool {
	return len(r.Added) == 0 && len(r.Removed) == 0 && len(r.Changed) == 0
}

// ComputeOrdered diffs comment (or other positioned) lists keyed on id,
// treating a position change as a change even when the value itself is
// unchanged — the Store's composite primary key depends on it.
func ComputeOrdered(remote, local []OrderedEntry) (OrderedResult, error) {
	localByKey := make(map[string]OrderedEntry, len(local))
	for _, e := range local {
		localByKey[e.Key] = e
	}

	var out OrderedResult
	seen := make(map[string]struct{}, len(remote))
	for _, e := range remote {
		seen[e.Key] = struct{}{}
		old, ok := localByKey[e.Key]
		if !ok {
			out.Added = append(out.Added, e)
			continue
		}
		eq, err := Equal(e.Value, old.Value)
		if err != nil {
			return OrderedResult{}, err
		}
		if !eq || e.Position != old.Position {
			out.Changed = append(out.Changed, OrderedChange{
				Key:         e.Key,
				OldPosition: old.Position,
				NewPosition: e.Position,
				OldValue:    old.Value,
				NewValue:    e.Value,
			})
		}
	}
	for _, e := range local {
		if _, ok := seen[e.Key]; !ok {
			out.Removed = append(out.Removed, e)
		}
	}

	sort.Slice(out.Added, func(i, j int) bool { return out.Added[i].Position < out.Added[j].Position })
	sort.Slice(out.Removed, func(i, j int) bool { return out.Removed[i].Position < out.Removed[j].Position })
	sort.Slice(out.Changed, func(i, j int) bool { return out.Changed[i].NewPosition < out.Changed[j].NewPosition })
	return out, nil
}
