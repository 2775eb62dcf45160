// Package wire deserializes the upstream board API's JSON payloads.
// Parsing is strict: unknown fields are tolerated, but a record missing
// a required field is rejected outright rather than defaulted — a
// thread with a half-populated media reference is worse than no media
// reference at all.
package wire

import (
	"encoding/json"
	"fmt"

	"ena/errkind"
)

// ThreadSummary is one entry of a threads.json page: the OP number and
// the API's own last-modified marker for that thread.
type ThreadSummary struct {
	No           uint64 `json:"no"`
	LastModified uint64 `json:"last_modified"`
}

type threadsPage struct {
	Page    int             `json:"page"`
	Threads []ThreadSummary `json:"threads"`
}

// ParseThreadsPage parses a threads.json response body into an ordered
// slice of thread summaries, flattening pages in the order the API
// returned them.
func ParseThreadsPage(body []byte) ([]ThreadSummary, error) {
	var pages []threadsPage
	if err := json.Unmarshal(body, &pages); err != nil {
		return nil, &errkind.WireSchema{Op: "parse_threads", Err: err}
	}
	var out []ThreadSummary
	for _, p := range pages {
		out = append(out, p.Threads...)
	}
	return out, nil
}

// ParseArchive parses an archive.json response body: a flat array of
// archived thread numbers.
func ParseArchive(body []byte) ([]uint64, error) {
	var nos []uint64
	if err := json.Unmarshal(body, &nos); err != nil {
		return nil, &errkind.WireSchema{Op: "parse_archive", Err: err}
	}
	return nos, nil
}

// Post is the validated, in-memory shape of one post from a
// thread/{no}.json response. HasMedia is true only when every
// media-group field required-together was present in the wire record.
type Post struct {
	No          uint64
	Time        int64
	Resto       uint64
	Sticky      bool
	Closed      bool
	Sub         string
	Comment     string
	Spoiler     bool
	FileDeleted bool
	Country     string
	Capcode     string
	Name        string
	Trip        string
	PosterID    string
	Archived    bool

	HasMedia bool
	Tim      int64
	MD5      string
	Ext      string
	W, H     int
	TnW, TnH int
	Fsize    int64
	Filename string
}

// IsOP reports whether this post is the thread's opening post.
func (p Post) IsOP() bool { return p.Resto == 0 }

type threadResponse struct {
	Posts []json.RawMessage `json:"posts"`
}

type wirePost struct {
	No          *uint64 `json:"no"`
	Time        *int64  `json:"time"`
	Resto       *uint64 `json:"resto"`
	Sticky      int     `json:"sticky"`
	Closed      int     `json:"closed"`
	Sub         string  `json:"sub"`
	Com         string  `json:"com"`
	Spoiler     int     `json:"spoiler"`
	Filedeleted int     `json:"filedeleted"`
	Country     string  `json:"country"`
	Capcode     string  `json:"capcode"`
	Name        string  `json:"name"`
	Trip        string  `json:"trip"`
	ID          string  `json:"id"`
	Archived    int     `json:"archived"`

	Tim      *int64  `json:"tim"`
	MD5      *string `json:"md5"`
	Ext      *string `json:"ext"`
	W        *int    `json:"w"`
	H        *int    `json:"h"`
	TnW      *int    `json:"tn_w"`
	TnH      *int    `json:"tn_h"`
	Fsize    *int64  `json:"fsize"`
	Filename *string `json:"filename"`
}

// ParseThread parses a thread/{no}.json response into a validated post
// list. Individual malformed posts are skipped (with a WireSchema error
// appended to skipped) rather than aborting the whole thread — a single
// bad record shouldn't lose the rest of an otherwise-good poll.
func ParseThread(body []byte) (posts []Post, skipped []error, err error) {
	var resp threadResponse
	if uerr := json.Unmarshal(body, &resp); uerr != nil {
		return nil, nil, &errkind.WireSchema{Op: "parse_thread", Err: uerr}
	}

	for i, raw := range resp.Posts {
		p, verr := parsePost(raw)
		if verr != nil {
			skipped = append(skipped, fmt.Errorf("post[%d]: %w", i, verr))
			continue
		}
		posts = append(posts, p)
	}
	return posts, skipped, nil
}

func parsePost(raw json.RawMessage) (Post, error) {
	var wp wirePost
	if err := json.Unmarshal(raw, &wp); err != nil {
		return Post{}, &errkind.WireSchema{Op: "parse_post", Err: err}
	}

	if wp.No == nil {
		return Post{}, &errkind.WireSchema{Op: "parse_post", Err: fmt.Errorf("missing required field: no")}
	}
	if wp.Time == nil {
		return Post{}, &errkind.WireSchema{Op: "parse_post", Err: fmt.Errorf("missing required field: time")}
	}
	if wp.Resto == nil {
		return Post{}, &errkind.WireSchema{Op: "parse_post", Err: fmt.Errorf("missing required field: resto")}
	}

	mediaFields := []struct {
		name    string
		present bool
	}{
		{"tim", wp.Tim != nil},
		{"md5", wp.MD5 != nil},
		{"ext", wp.Ext != nil},
		{"w", wp.W != nil},
		{"h", wp.H != nil},
		{"tn_w", wp.TnW != nil},
		{"tn_h", wp.TnH != nil},
		{"fsize", wp.Fsize != nil},
		{"filename", wp.Filename != nil},
	}
	anyPresent, allPresent := false, true
	for _, f := range mediaFields {
		if f.present {
			anyPresent = true
		} else {
			allPresent = false
		}
	}
	if anyPresent && !allPresent {
		var missing []string
		for _, f := range mediaFields {
			if !f.present {
				missing = append(missing, f.name)
			}
		}
		return Post{}, &errkind.WireSchema{Op: "parse_post", Err: fmt.Errorf("partial media fields, missing: %v", missing)}
	}

	post := Post{
		No:          *wp.No,
		Time:        *wp.Time,
		Resto:       *wp.Resto,
		Sticky:      wp.Sticky != 0,
		Closed:      wp.Closed != 0,
		Sub:         wp.Sub,
		Comment:     wp.Com,
		Spoiler:     wp.Spoiler != 0,
		FileDeleted: wp.Filedeleted != 0,
		Country:     wp.Country,
		Capcode:     wp.Capcode,
		Name:        wp.Name,
		Trip:        wp.Trip,
		PosterID:    wp.ID,
		Archived:    wp.Archived != 0,
	}

	if anyPresent {
		post.HasMedia = true
		post.Tim = *wp.Tim
		post.MD5 = *wp.MD5
		post.Ext = *wp.Ext
		post.W = *wp.W
		post.H = *wp.H
		post.TnW = *wp.TnW
		post.TnH = *wp.TnH
		post.Fsize = *wp.Fsize
		post.Filename = *wp.Filename
	}

	return post, nil
}
