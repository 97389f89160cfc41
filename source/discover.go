package source

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"go.ntppool.org/common/logger"
	"golang.org/x/net/html"
)

// LinkRules decide which anchor on a root page leads to the listing.
type LinkRules struct {
	// Keywords mark an anchor text as a listing link.
	Keywords []string
	// DateLayouts are time layouts tried against the anchor text to
	// find the listing for today.
	DateLayouts []string
	// Excludes are anchor texts that are never followed.
	Excludes []string
}

type anchor struct {
	href string
	text string
}

// DiscoverListingURL loads rootURL and returns the absolute URL of the
// freshest listing page: a keyword link dated today wins over any other
// keyword link, and document order breaks ties.
func DiscoverListingURL(ctx context.Context, f *Fetcher, rootURL string, rules LinkRules, today time.Time) (string, error) {
	log := logger.FromContext(ctx)

	base, err := url.Parse(rootURL)
	if err != nil {
		return "", err
	}
	body, err := f.Get(ctx, rootURL)
	if err != nil {
		return "", err
	}
	anchors, err := parseAnchors(body)
	if err != nil {
		return "", fmt.Errorf("parsing %s: %w", rootURL, err)
	}

	dates := make([]string, 0, len(rules.DateLayouts))
	for _, layout := range rules.DateLayouts {
		dates = append(dates, today.Format(layout))
	}

	var dated, general []anchor
	for _, a := range anchors {
		text := strings.ToLower(a.text)
		if a.href == "" || strings.HasPrefix(a.href, "#") || strings.HasPrefix(strings.ToLower(a.href), "javascript:") {
			continue
		}
		if containsFold(rules.Excludes, text, true) {
			continue
		}
		if !containsFold(rules.Keywords, text, false) {
			continue
		}
		if strings.Contains(text, "today") || containsFold(dates, text, false) {
			dated = append(dated, a)
			continue
		}
		general = append(general, a)
	}

	log.DebugContext(ctx, "listing links", "anchors", len(anchors), "dated", len(dated), "general", len(general))

	var pick anchor
	switch {
	case len(dated) > 0:
		pick = dated[0]
	case len(general) > 0:
		pick = general[0]
	default:
		return "", fmt.Errorf("%w: no listing link on %s", ErrNotFound, rootURL)
	}

	ref, err := url.Parse(pick.href)
	if err != nil {
		return "", err
	}
	resolved := base.ResolveReference(ref).String()
	log.InfoContext(ctx, "listing page found", "text", pick.text, "url", resolved)
	return resolved, nil
}

// containsFold reports whether text equals (exact) or contains one of
// the words, ignoring case.
func containsFold(words []string, text string, exact bool) bool {
	for _, w := range words {
		w = strings.ToLower(strings.TrimSpace(w))
		if w == "" {
			continue
		}
		if exact && text == w {
			return true
		}
		if !exact && strings.Contains(text, w) {
			return true
		}
	}
	return false
}

func parseAnchors(body []byte) ([]anchor, error) {
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	var anchors []anchor
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "a" {
			for _, attr := range n.Attr {
				if attr.Key == "href" {
					anchors = append(anchors, anchor{
						href: strings.TrimSpace(attr.Val),
						text: strings.Join(strings.Fields(nodeText(n)), " "),
					})
					break
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return anchors, nil
}

func nodeText(n *html.Node) string {
	if n.Type == html.TextNode {
		return n.Data
	}
	var sb strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		sb.WriteString(nodeText(c))
		sb.WriteByte(' ')
	}
	return sb.String()
}

var listURL = regexp.MustCompile(`(?i)https?://[^"'<>\s]+\.(?:txt|ya?ml)`)

// ExtractDescriptorSourceURL loads a listing page and returns the first
// link to a .txt list, or failing that the first .yaml/.yml link.
func ExtractDescriptorSourceURL(ctx context.Context, f *Fetcher, pageURL string) (string, error) {
	body, err := f.Get(ctx, pageURL)
	if err != nil {
		return "", err
	}
	link, ok := pickListURL(body)
	if !ok {
		return "", fmt.Errorf("%w: no list link on %s", ErrNotFound, pageURL)
	}
	logger.FromContext(ctx).InfoContext(ctx, "list link found", "url", link)
	return link, nil
}

func pickListURL(body []byte) (string, bool) {
	links := listURL.FindAllString(string(body), -1)
	if len(links) == 0 {
		return "", false
	}
	for _, l := range links {
		if strings.HasSuffix(strings.ToLower(l), ".txt") {
			return l, true
		}
	}
	return links[0], true
}
