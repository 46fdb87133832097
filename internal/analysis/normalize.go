package analysis

import (
	"sort"
	"strings"
	"unicode"

	"github.com/heimdex/heimdex-ingest/internal/catalog"
	"github.com/heimdex/heimdex-ingest/internal/inference"
)

const (
	SettingIndoor  = "indoor"
	SettingOutdoor = "outdoor"
	SettingUnknown = "unknown"
)

var (
	indoorHints  = []string{"office", "home", "restaurant", "kitchen", "bedroom", "meeting"}
	outdoorHints = []string{"street", "park", "beach", "mountain", "city", "nature"}
)

// normalize merges one segment's audio and visual results into the stored
// payload. Times reported relative to the segment file are shifted onto the
// video timeline.
func normalize(offset float64, audio *inference.AudioResult, visual *inference.VisualResult) catalog.SegmentAnalysis {
	a := catalog.SegmentAnalysis{
		Speakers:   []catalog.SpeechSegment{},
		Objects:    []catalog.Detection{},
		People:     []catalog.Detection{},
		Activities: []catalog.Activity{},
	}

	if audio != nil {
		a.Transcript = strings.TrimSpace(audio.Transcript)
		a.Language = audio.Language
		for _, s := range audio.Segments {
			text := strings.TrimSpace(s.Text)
			if text == "" {
				continue
			}
			a.Speakers = append(a.Speakers, catalog.SpeechSegment{
				Text:       text,
				Start:      offset + s.Start,
				End:        offset + s.End,
				Confidence: s.Confidence,
			})
		}
	}

	if visual != nil {
		a.Objects = convertDetections(offset, visual.Objects)
		a.People = convertDetections(offset, visual.People)
		for _, act := range visual.Activities {
			a.Activities = append(a.Activities, catalog.Activity{
				Description: act.Description,
				Confidence:  act.Confidence,
				Evidence:    act.Evidence,
			})
		}
		a.Scene = dominantScene(visual.Scenes)
	}

	a.SearchableText = searchableText(a)
	return a
}

func convertDetections(offset float64, in []inference.Detection) []catalog.Detection {
	out := make([]catalog.Detection, 0, len(in))
	for _, d := range in {
		out = append(out, catalog.Detection{
			Name:        d.Name,
			Confidence:  d.Confidence,
			Occurrences: d.Occurrences,
			FirstSeen:   offset + d.FirstSeen,
			LastSeen:    offset + d.LastSeen,
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Confidence > out[j].Confidence })
	return out
}

// dominantScene picks the highest-confidence scene. The setting comes from
// the service's category when present, otherwise from keyword hints.
func dominantScene(scenes []inference.Scene) *catalog.SceneContext {
	if len(scenes) == 0 {
		return nil
	}
	best := scenes[0]
	labels := make([]string, 0, len(scenes))
	for _, s := range scenes {
		if s.Confidence > best.Confidence {
			best = s
		}
		labels = append(labels, s.Description)
	}

	setting := strings.ToLower(best.Category)
	if setting != SettingIndoor && setting != SettingOutdoor {
		setting = categorizeScene(best.Description)
	}
	return &catalog.SceneContext{
		Description: best.Description,
		Setting:     setting,
		Confidence:  best.Confidence,
		Labels:      labels,
	}
}

func categorizeScene(description string) string {
	d := strings.ToLower(description)
	for _, h := range indoorHints {
		if strings.Contains(d, h) {
			return SettingIndoor
		}
	}
	for _, h := range outdoorHints {
		if strings.Contains(d, h) {
			return SettingOutdoor
		}
	}
	return SettingUnknown
}

// searchableText is the lowercase, de-duplicated term list drawn from the
// transcript, object and people names, activities and scene labels.
// "unknown" placeholders are dropped.
func searchableText(a catalog.SegmentAnalysis) string {
	seen := make(map[string]struct{})
	var terms []string
	add := func(text string) {
		for _, w := range strings.FieldsFunc(strings.ToLower(text), isSeparator) {
			if w == SettingUnknown {
				continue
			}
			if _, ok := seen[w]; ok {
				continue
			}
			seen[w] = struct{}{}
			terms = append(terms, w)
		}
	}

	add(a.Transcript)
	for _, o := range a.Objects {
		add(o.Name)
	}
	for _, p := range a.People {
		add(p.Name)
	}
	for _, act := range a.Activities {
		add(act.Description)
	}
	if a.Scene != nil {
		for _, l := range a.Scene.Labels {
			add(l)
		}
		add(a.Scene.Setting)
	}
	return strings.Join(terms, " ")
}

func isSeparator(r rune) bool {
	return !unicode.IsLetter(r) && !unicode.IsNumber(r) && r != '\''
}
