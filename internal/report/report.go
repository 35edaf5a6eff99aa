// Package report aggregates stored conversion events into the statistics
// returned by the reporting endpoint and the stats command.
package report

import (
	"fmt"
	"sort"
	"time"

	"github.com/davanti/abtrack/internal/experiment"
	"github.com/davanti/abtrack/internal/stats"
	"github.com/davanti/abtrack/internal/store"
)

const (
	// DefaultLookback is how far back the report reaches.
	DefaultLookback = 60 * 24 * time.Hour
	// DefaultMaxBuckets caps the number of date/hour buckets returned.
	DefaultMaxBuckets = 50
	// Period labels the default lookback in the response.
	Period = "last_60_days"
	// UnknownSection is the by_section key for events recorded without a section.
	UnknownSection = "unknown"

	confidence = 0.95
)

// Counts holds per-variant conversion counts.
type Counts struct {
	WhatsApp int `json:"whatsapp"`
	Form     int `json:"form"`
}

func (c *Counts) add(t experiment.EventType) {
	switch t {
	case experiment.EventWhatsAppClick:
		c.WhatsApp++
	case experiment.EventFormSubmit:
		c.Form++
	}
}

// Bucket is the event count for one UTC date and hour.
type Bucket struct {
	Date string `json:"date"`
	Hour int    `json:"hour"`
	Counts
}

// Report is the aggregated view of the event log over a lookback window.
type Report struct {
	WhatsAppClicks int                                     `json:"whatsapp_clicks"`
	FormSubmits    int                                     `json:"form_submits"`
	BySection      map[string]Counts                       `json:"by_section"`
	ByDatetime     []Bucket                                `json:"by_datetime"`
	ByVariant      map[experiment.Variant]stats.Proportion `json:"by_variant"`
	Leader         *Leader                                 `json:"leader"`
	Period         string                                  `json:"period"`
	TotalEvents    int                                     `json:"total_events"`
}

// Leader names the variant with more conversions and the confidence that
// it really converts better. It is nil while the variants are tied.
type Leader struct {
	Variant     experiment.Variant `json:"variant"`
	Confidence  float64            `json:"confidence"`
	Significant bool               `json:"significant"`
}

// Options tunes Aggregate.
type Options struct {
	MaxBuckets int
	Period     string
}

// PeriodLabel names a lookback window in whole days, e.g. "last_60_days".
func PeriodLabel(lookback time.Duration) string {
	days := int(lookback / (24 * time.Hour))
	if days < 1 {
		days = 1
	}
	return fmt.Sprintf("last_%d_days", days)
}

type bucketKey struct {
	date time.Time
	hour int
}

// Aggregate folds events into a Report in a single pass. Events may arrive
// in any order; buckets are sorted most recent first.
func Aggregate(events []*store.Event, opts Options) *Report {
	if opts.MaxBuckets <= 0 {
		opts.MaxBuckets = DefaultMaxBuckets
	}
	if opts.Period == "" {
		opts.Period = Period
	}

	r := &Report{
		BySection:   make(map[string]Counts),
		ByDatetime:  []Bucket{},
		ByVariant:   make(map[experiment.Variant]stats.Proportion),
		Period:      opts.Period,
		TotalEvents: len(events),
	}

	buckets := make(map[bucketKey]*Counts)
	perVariant := make(map[experiment.Variant]int)

	for _, e := range events {
		switch e.EventType {
		case experiment.EventWhatsAppClick:
			r.WhatsAppClicks++
		case experiment.EventFormSubmit:
			r.FormSubmits++
		}

		section := e.SectionOr(UnknownSection)
		c := r.BySection[section]
		c.add(e.EventType)
		r.BySection[section] = c

		ts := e.CreatedAt.UTC()
		key := bucketKey{
			date: time.Date(ts.Year(), ts.Month(), ts.Day(), 0, 0, 0, 0, time.UTC),
			hour: ts.Hour(),
		}
		b, ok := buckets[key]
		if !ok {
			b = &Counts{}
			buckets[key] = b
		}
		b.add(e.EventType)

		perVariant[e.Variant]++
	}

	keys := make([]bucketKey, 0, len(buckets))
	for k := range buckets {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if !keys[i].date.Equal(keys[j].date) {
			return keys[i].date.After(keys[j].date)
		}
		return keys[i].hour > keys[j].hour
	})
	if len(keys) > opts.MaxBuckets {
		keys = keys[:opts.MaxBuckets]
	}
	for _, k := range keys {
		r.ByDatetime = append(r.ByDatetime, Bucket{
			Date:   k.date.Format("2006-01-02"),
			Hour:   k.hour,
			Counts: *buckets[k],
		})
	}

	// Each variant's share of all conversions; a fair split sits near 0.5.
	for _, v := range experiment.Variants {
		r.ByVariant[v] = stats.NewProportion(perVariant[v], len(events), confidence)
	}

	verdict := stats.Compare(perVariant[experiment.VariantWhatsApp], perVariant[experiment.VariantForm], confidence)
	if verdict.Leader >= 0 {
		r.Leader = &Leader{
			Variant:     experiment.Variants[verdict.Leader],
			Confidence:  verdict.Confidence,
			Significant: verdict.Confident,
		}
	}

	return r
}
