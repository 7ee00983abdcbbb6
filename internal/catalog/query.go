package catalog

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/kalambet/picshelf/internal/storage"
)

// List returns every record, newest first. Records with unreadable blobs are
// kept with empty metadata or analysis.
func (c *Catalog) List(limit int) ([]Record, error) {
	imgs, err := c.store.ListImages(storage.ImageQuery{Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("listing images: %w", err)
	}
	records := make([]Record, 0, len(imgs))
	for _, img := range imgs {
		rec, _ := c.decode(img)
		records = append(records, rec)
	}
	return records, nil
}

// EndOfDay returns the last millisecond of t's UTC calendar day.
func EndOfDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 23, 59, 59, int(999*time.Millisecond), time.UTC)
}

// Search returns records matching every active clause of f, newest first.
//
// Text and tag matching work on the decoded analysis. Text is a
// case-insensitive substring test over summary, scene type, tags and
// objects. Tags compare case-insensitively against tags and objects as
// whole values, so "cat" does not match "category".
func (c *Catalog) Search(f Filter) ([]Record, error) {
	q := storage.ImageQuery{CreatedFrom: f.Start}
	if !f.End.IsZero() {
		q.CreatedTo = EndOfDay(f.End)
	}
	imgs, err := c.store.ListImages(q)
	if err != nil {
		return nil, fmt.Errorf("searching images: %w", err)
	}

	m := newMatcher(f)
	records := make([]Record, 0)
	for _, img := range imgs {
		rec, ok := c.decode(img)
		if !ok && m.needsAnalysis() {
			continue
		}
		if !m.match(rec.Analysis) {
			continue
		}
		records = append(records, rec)
		if f.Limit > 0 && len(records) >= f.Limit {
			break
		}
	}
	return records, nil
}

type matcher struct {
	text  string
	tags  []string
	mode  TagMode
	scene string
}

func newMatcher(f Filter) matcher {
	m := matcher{
		text: strings.ToLower(strings.TrimSpace(f.Text)),
		mode: f.TagMode,
	}
	if m.mode != TagModeOr {
		m.mode = TagModeAnd
	}
	for _, t := range f.Tags {
		if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
			m.tags = append(m.tags, t)
		}
	}
	if s := strings.TrimSpace(f.SceneType); s != "" && !strings.EqualFold(s, SceneAll) {
		m.scene = s
	}
	return m
}

func (m matcher) needsAnalysis() bool {
	return m.text != "" || len(m.tags) > 0 || m.scene != ""
}

func (m matcher) match(a Analysis) bool {
	if m.scene != "" && a.SceneType != m.scene {
		return false
	}
	if m.text != "" && !containsText(a, m.text) {
		return false
	}
	if len(m.tags) > 0 && !m.matchTags(a) {
		return false
	}
	return true
}

func containsText(a Analysis, term string) bool {
	if strings.Contains(strings.ToLower(a.Summary), term) || strings.Contains(strings.ToLower(a.SceneType), term) {
		return true
	}
	for _, list := range [][]string{a.Tags, a.Objects} {
		for _, v := range list {
			if strings.Contains(strings.ToLower(v), term) {
				return true
			}
		}
	}
	return false
}

func (m matcher) matchTags(a Analysis) bool {
	have := make(map[string]bool, len(a.Tags)+len(a.Objects))
	for _, list := range [][]string{a.Tags, a.Objects} {
		for _, v := range list {
			have[strings.ToLower(strings.TrimSpace(v))] = true
		}
	}

	if m.mode == TagModeOr {
		for _, t := range m.tags {
			if have[t] {
				return true
			}
		}
		return false
	}
	for _, t := range m.tags {
		if !have[t] {
			return false
		}
	}
	return true
}

// Stats counts tags and objects across all records. Names are folded to
// lower case; Display keeps the most common original spelling.
func (c *Catalog) Stats() (Stats, error) {
	imgs, err := c.store.ListImages(storage.ImageQuery{})
	if err != nil {
		return Stats{}, fmt.Errorf("listing images: %w", err)
	}

	tags := newTermCounter()
	objects := newTermCounter()
	var st Stats
	for _, img := range imgs {
		a, err := parseAnalysis(img.Analysis)
		if err != nil {
			st.Skipped++
			c.logger.Debug("stats: skipping unreadable analysis", "id", img.ID, "error", err)
			continue
		}
		st.Images++
		for _, t := range a.Tags {
			tags.add(t)
		}
		for _, o := range a.Objects {
			objects.add(o)
		}
	}
	st.Tags = tags.sorted()
	st.Objects = objects.sorted()
	return st, nil
}

type termEntry struct {
	count    int
	spelling map[string]int
}

type termCounter map[string]*termEntry

func newTermCounter() termCounter {
	return termCounter{}
}

func (tc termCounter) add(raw string) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return
	}
	key := strings.ToLower(raw)
	e, ok := tc[key]
	if !ok {
		e = &termEntry{spelling: map[string]int{}}
		tc[key] = e
	}
	e.count++
	e.spelling[raw]++
}

func (tc termCounter) sorted() []TermCount {
	out := make([]TermCount, 0, len(tc))
	for name, e := range tc {
		out = append(out, TermCount{Name: name, Count: e.count, Display: e.display()})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Name < out[j].Name
	})
	return out
}

func (e *termEntry) display() string {
	best, bestN := "", 0
	for s, n := range e.spelling {
		if n > bestN || (n == bestN && s < best) {
			best, bestN = s, n
		}
	}
	return best
}
