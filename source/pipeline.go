package source

import (
	"context"
	"errors"
	"time"

	"go.ntppool.org/common/logger"

	"go.nodeking.dev/nodeking/config"
	"go.nodeking.dev/nodeking/descriptor"
)

// Pipeline produces the descriptor batch for one pass. Explicit URLs are
// used as given; otherwise the list is discovered from the root page.
type Pipeline struct {
	fetcher *Fetcher
	cfg     config.Source
	now     func() time.Time
}

func NewPipeline(cfg config.Source, f *Fetcher) *Pipeline {
	if f == nil {
		f = NewFetcher(nil, cfg.HTTPTimeout, cfg.Retry)
	}
	return &Pipeline{fetcher: f, cfg: cfg, now: time.Now}
}

// Descriptors returns the deduplicated descriptors from every configured
// location. A failing location is logged and skipped; an error is only
// returned when every location failed.
func (p *Pipeline) Descriptors(ctx context.Context) ([]string, error) {
	log := logger.FromContext(ctx)

	locations := p.cfg.URLs
	if len(locations) == 0 && p.cfg.RootURL != "" {
		loc, err := p.discover(ctx)
		if err != nil {
			return nil, err
		}
		locations = []string{loc}
	}
	if len(locations) == 0 {
		return nil, errors.New("source: no urls or root_url configured")
	}

	var (
		lines []string
		errs  []error
	)
	for _, loc := range locations {
		got, err := p.fetcher.FetchDescriptors(ctx, loc)
		if err != nil {
			log.WarnContext(ctx, "could not fetch descriptors", "source", loc, "err", err)
			errs = append(errs, err)
			continue
		}
		lines = append(lines, got...)
	}
	if len(errs) == len(locations) {
		return nil, errors.Join(errs...)
	}

	unique := descriptor.Dedupe(lines)
	if p.cfg.MaxNodes > 0 && len(unique) > p.cfg.MaxNodes {
		unique = unique[:p.cfg.MaxNodes]
	}
	log.InfoContext(ctx, "descriptor batch ready", "lines", len(lines), "unique", len(unique))
	return unique, nil
}

func (p *Pipeline) discover(ctx context.Context) (string, error) {
	rules := LinkRules{
		Keywords:    p.cfg.Keywords,
		DateLayouts: p.cfg.DateLayouts,
		Excludes:    p.cfg.Excludes,
	}
	listing, err := DiscoverListingURL(ctx, p.fetcher, p.cfg.RootURL, rules, p.now())
	if err != nil {
		return "", err
	}
	return ExtractDescriptorSourceURL(ctx, p.fetcher, listing)
}
