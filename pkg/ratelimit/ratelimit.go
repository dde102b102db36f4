// Package ratelimit caps each author to one post per clock minute.
package ratelimit

import (
	"sort"
	"time"

	"github.com/malbeclabs/shillbot/pkg/contest"
)

type bucket struct {
	handle string
	minute int64
	postID string
}

// Apply returns the earliest post of every (handle, minute) bucket. Buckets are emitted in the
// order they first appear in posts; ties on the full timestamp keep input order. Posts without a
// timestamp are bucketed by their own ID and pass through.
func Apply(posts []contest.Post) []contest.Post {
	groups := make(map[bucket][]contest.Post, len(posts))
	order := make([]bucket, 0, len(posts))

	for _, p := range posts {
		key := bucket{handle: contest.NormalizeHandle(p.Handle)}
		if p.CreatedAt.IsZero() {
			key.postID = p.ID
		} else {
			key.minute = p.CreatedAt.UTC().Truncate(time.Minute).Unix()
		}
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], p)
	}

	out := make([]contest.Post, 0, len(order))
	for _, key := range order {
		group := groups[key]
		sort.SliceStable(group, func(i, j int) bool {
			return group[i].CreatedAt.Before(group[j].CreatedAt)
		})
		out = append(out, group[0])
	}
	return out
}
