// Package selector marks which parsed streams a job downloads.
package selector

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/yourusername/drmfetch-go/internal/domain"
)

// Mode is the top-level form of a filter
type Mode string

const (
	ModeNone  Mode = "none"
	ModeBest  Mode = "best"
	ModeAll   Mode = "all"
	ModeMatch Mode = "match"
)

// Filter is a parsed selection filter such as "res=1080:for=best" or
// "lang='it|en':for=all".
type Filter struct {
	Mode  Mode
	Res   int
	Langs []string
	Codec string
	Name  string
	Role  string
	Best  int  // for=best / for=bestN; 0 selects every match
	All   bool // for=all given explicitly
}

// ParseFilter parses the filter grammar. An empty string or "none" selects nothing.
func ParseFilter(s string) (Filter, error) {
	s = strings.TrimSpace(s)
	switch strings.ToLower(s) {
	case "", "none":
		return Filter{Mode: ModeNone}, nil
	case "best":
		return Filter{Mode: ModeBest, Best: 1}, nil
	case "all":
		return Filter{Mode: ModeAll}, nil
	}

	f := Filter{Mode: ModeMatch}
	for _, part := range strings.Split(s, ":") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		key, value, ok := strings.Cut(part, "=")
		if !ok {
			return Filter{}, fmt.Errorf("invalid filter part %q: expected key=value", part)
		}
		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.Trim(strings.TrimSpace(value), `'"`)

		switch key {
		case "res":
			res, err := strconv.Atoi(strings.Trim(value, "*pP"))
			if err != nil {
				return Filter{}, fmt.Errorf("invalid resolution %q", value)
			}
			f.Res = res
		case "lang":
			for _, lang := range strings.Split(value, "|") {
				if lang = strings.ToLower(strings.TrimSpace(lang)); lang != "" {
					f.Langs = append(f.Langs, lang)
				}
			}
		case "codec", "codecs":
			f.Codec = strings.ToLower(value)
		case "name":
			f.Name = strings.ToLower(value)
		case "role":
			f.Role = strings.ToLower(value)
		case "for":
			best, err := parseFor(value)
			if err != nil {
				return Filter{}, err
			}
			f.Best = best
			f.All = best == 0
		default:
			return Filter{}, fmt.Errorf("unknown filter key %q", key)
		}
	}
	return f, nil
}

func parseFor(value string) (int, error) {
	value = strings.ToLower(value)
	switch {
	case value == "all":
		return 0, nil
	case value == "best":
		return 1, nil
	case strings.HasPrefix(value, "best"):
		n, err := strconv.Atoi(strings.TrimPrefix(value, "best"))
		if err != nil || n < 1 {
			return 0, fmt.Errorf("invalid for=%s", value)
		}
		return n, nil
	}
	return 0, fmt.Errorf("invalid for=%s", value)
}

// Select applies filter to the streams of one kind and returns the selected
// ones in manifest order. It only flips Selected on the given records;
// streams of other kinds are untouched.
//
// Video always ends up with at least one stream when any exists: without a
// res key, or when res matches nothing, the highest-bitrate stream is used.
// Audio and subtitle filters that match nothing select nothing.
func Select(streams []*domain.Stream, kind domain.StreamKind, filter Filter) []*domain.Stream {
	var candidates []*domain.Stream
	for _, s := range streams {
		if s.Kind == kind {
			s.Selected = false
			candidates = append(candidates, s)
		}
	}
	if len(candidates) == 0 || filter.Mode == ModeNone {
		return nil
	}

	var chosen []*domain.Stream
	switch filter.Mode {
	case ModeAll:
		chosen = candidates
	case ModeBest:
		chosen = best(candidates, 1)
	default:
		matches := match(candidates, filter)
		switch {
		case len(matches) == 0 && kind == domain.KindVideo:
			chosen = best(candidates, 1)
		case len(matches) == 0:
			chosen = nil
		case filter.Best > 0:
			chosen = best(matches, filter.Best)
		case kind == domain.KindVideo && filter.Res == 0 && !filter.All:
			chosen = best(matches, 1)
		default:
			chosen = matches
		}
	}

	for _, s := range chosen {
		s.Selected = true
	}

	var selected []*domain.Stream
	for _, s := range candidates {
		if s.Selected {
			selected = append(selected, s)
		}
	}
	return selected
}

// SelectAll applies one filter per kind. It returns the selected streams of
// every kind, in manifest order.
func SelectAll(streams []*domain.Stream, filters domain.Filters) ([]*domain.Stream, error) {
	specs := []struct {
		kind domain.StreamKind
		expr string
	}{
		{domain.KindVideo, filters.Video},
		{domain.KindAudio, filters.Audio},
		{domain.KindSubtitle, filters.Subtitle},
	}

	for _, spec := range specs {
		filter, err := ParseFilter(spec.expr)
		if err != nil {
			return nil, fmt.Errorf("%s filter: %w", spec.kind, err)
		}
		Select(streams, spec.kind, filter)
	}

	var selected []*domain.Stream
	for _, s := range streams {
		if s.Selected {
			selected = append(selected, s)
		}
	}
	return selected, nil
}

func match(candidates []*domain.Stream, filter Filter) []*domain.Stream {
	var out []*domain.Stream
	for _, s := range candidates {
		if filter.Res > 0 && s.Width != filter.Res && s.Height != filter.Res {
			continue
		}
		if len(filter.Langs) > 0 && !matchLanguage(s.Language, filter.Langs) {
			continue
		}
		if filter.Codec != "" && !strings.Contains(strings.ToLower(s.Codecs), filter.Codec) {
			continue
		}
		if filter.Name != "" && !strings.Contains(strings.ToLower(s.Name), filter.Name) {
			continue
		}
		if filter.Role != "" && !strings.EqualFold(s.Role, filter.Role) {
			continue
		}
		out = append(out, s)
	}
	return out
}

// matchLanguage is a case-insensitive exact or substring match against any alternative.
func matchLanguage(language string, alternatives []string) bool {
	language = strings.ToLower(language)
	for _, alt := range alternatives {
		if language == alt || strings.Contains(language, alt) {
			return true
		}
	}
	return false
}

// best returns the n highest-bitrate streams. Ties keep manifest order.
func best(streams []*domain.Stream, n int) []*domain.Stream {
	ranked := make([]*domain.Stream, len(streams))
	copy(ranked, streams)
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Bitrate > ranked[j].Bitrate
	})
	if n < len(ranked) {
		ranked = ranked[:n]
	}
	return ranked
}
