// Package feed parses RSS and Atom documents into normalized item records.
//
// Parsing is hardened against hostile input: documents over 10 MiB are
// rejected before decoding, element nesting is bounded, and entities are
// never expanded. A malformed feed yields an empty item list rather than an
// error — a broken source degrades its own window contribution to zero and
// nothing else.
package feed

import (
	"bytes"
	"encoding/xml"
	"errors"
	"io"
	"strings"
)

// Item is one normalized feed entry. PublishedRaw is preserved verbatim;
// date resolution happens at scoring time against the signal's window.
type Item struct {
	Title        string `json:"title"`
	Summary      string `json:"summary"`
	Link         string `json:"link,omitempty"`
	PublishedRaw string `json:"published"`
}

const (
	// MaxFeedBytes is the hard input cap, matching the fetcher's response cap.
	MaxFeedBytes = 10 << 20
	maxDepth     = 1000

	atomNS = "http://www.w3.org/2005/Atom"
)

var errTooDeep = errors.New("feed: element nesting too deep")

// Parse decodes data as the declared kind ("rss" or "atom"). It never returns
// an error: oversize, malformed, or truncated input produces an empty list.
func Parse(kind string, data []byte) []Item {
	if len(data) == 0 || len(data) > MaxFeedBytes {
		return nil
	}
	var (
		items []Item
		err   error
	)
	if kind == "atom" {
		items, err = parseAtom(data)
	} else {
		items, err = parseRSS(data)
	}
	if err != nil {
		return nil
	}
	return items
}

func newDecoder(data []byte) *xml.Decoder {
	dec := xml.NewDecoder(bytes.NewReader(data))
	// Accept the charset declarations common in the wild without pulling in a
	// transcoder; feeds in this corpus are ASCII-compatible.
	dec.CharsetReader = func(charset string, input io.Reader) (io.Reader, error) {
		return input, nil
	}
	// Entity expansion stays off: only the XML built-ins are resolved, custom
	// or external entities fail the parse.
	dec.Entity = nil
	return dec
}

func parseRSS(data []byte) ([]Item, error) {
	dec := newDecoder(data)

	var (
		items   []Item
		current *Item
		field   *string
		depth   int
	)
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return items, nil
		}
		if err != nil {
			return nil, err
		}

		switch t := tok.(type) {
		case xml.StartElement:
			depth++
			if depth > maxDepth {
				return nil, errTooDeep
			}
			name := strings.ToLower(t.Name.Local)
			switch {
			case name == "item":
				current = &Item{}
			case current != nil && field == nil:
				switch name {
				case "title":
					field = &current.Title
				case "description":
					field = &current.Summary
				case "link":
					field = &current.Link
				case "pubdate":
					field = &current.PublishedRaw
				}
			}
		case xml.EndElement:
			depth--
			name := strings.ToLower(t.Name.Local)
			switch {
			case name == "item" && current != nil:
				current.Title = strings.TrimSpace(current.Title)
				current.Summary = strings.TrimSpace(current.Summary)
				current.Link = strings.TrimSpace(current.Link)
				current.PublishedRaw = strings.TrimSpace(current.PublishedRaw)
				items = append(items, *current)
				current = nil
				field = nil
			case field != nil && (name == "title" || name == "description" || name == "link" || name == "pubdate"):
				field = nil
			}
		case xml.CharData:
			if field != nil {
				*field += string(t)
			}
		}
	}
}

func parseAtom(data []byte) ([]Item, error) {
	dec := newDecoder(data)

	var (
		items   []Item
		current *Item
		field   *string
		// content is only a fallback when summary is absent.
		summary, content, updated, published string
		depth                                int
	)
	finish := func() {
		s := summary
		if s == "" {
			s = content
		}
		p := updated
		if p == "" {
			p = published
		}
		items = append(items, Item{
			Title:        strings.TrimSpace(current.Title),
			Summary:      strings.TrimSpace(s),
			Link:         current.Link,
			PublishedRaw: strings.TrimSpace(p),
		})
		current = nil
		field = nil
	}

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return items, nil
		}
		if err != nil {
			return nil, err
		}

		switch t := tok.(type) {
		case xml.StartElement:
			depth++
			if depth > maxDepth {
				return nil, errTooDeep
			}
			if t.Name.Space != atomNS {
				continue
			}
			switch t.Name.Local {
			case "entry":
				current = &Item{}
				summary, content, updated, published = "", "", "", ""
			case "link":
				// The alternate link carries the entry URL; href is an
				// attribute, not character data.
				if current != nil {
					var href, rel string
					for _, attr := range t.Attr {
						switch attr.Name.Local {
						case "href":
							href = attr.Value
						case "rel":
							rel = attr.Value
						}
					}
					if href != "" && (rel == "" || rel == "alternate") {
						current.Link = strings.TrimSpace(href)
					}
				}
			case "title":
				if current != nil && field == nil {
					field = &current.Title
				}
			case "summary":
				if current != nil && field == nil {
					field = &summary
				}
			case "content":
				if current != nil && field == nil {
					field = &content
				}
			case "updated":
				if current != nil && field == nil {
					field = &updated
				}
			case "published":
				if current != nil && field == nil {
					field = &published
				}
			}
		case xml.EndElement:
			depth--
			if t.Name.Space != atomNS {
				continue
			}
			switch t.Name.Local {
			case "entry":
				if current != nil {
					finish()
				}
			case "title", "summary", "content", "updated", "published":
				field = nil
			}
		case xml.CharData:
			if field != nil {
				*field += string(t)
			}
		}
	}
}
