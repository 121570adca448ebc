package analyze

import (
	"fmt"
	"sort"
	"strings"

	"clipd/internal/queue"
	"clipd/internal/services/scribe"
)

// candidate is one segment proposed by the model.
type candidate struct {
	Title       string  `json:"title"`
	Description string  `json:"description"`
	Rationale   string  `json:"rationale"`
	Start       float64 `json:"start"`
	End         float64 `json:"end"`
}

const wordsPerTranscriptLine = 25

func buildSystemPrompt() string {
	return strings.TrimSpace(`
You are an expert short-form video editor. You receive a timestamped
transcript of a long recording and select the most compelling self-contained
moments to publish as standalone clips.

Respond with JSON only, in this exact shape:
{"segments":[{"title":"...","description":"...","rationale":"...","start":0.0,"end":0.0}]}

Rules:
- "start" and "end" are seconds from the beginning of the recording.
- Every segment must begin and end at natural sentence boundaries.
- Segments must not overlap each other.
- Prefer moments with a clear hook, payoff, or emotional peak.
- "rationale" explains in one sentence why the moment works as a clip.
`)
}

func buildUserPrompt(job *queue.Job, transcript scribe.Transcript) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Recording duration: %.1f seconds.\n", job.SourceDuration)
	fmt.Fprintf(&b, "Select up to %d segments.\n", job.SegmentCount)
	fmt.Fprintf(&b, "Each segment must last between %.1f and %.1f seconds.\n",
		job.MinDuration, job.MaxDuration)
	fmt.Fprintf(&b, "All timestamps must lie within [0, %.1f].\n\n", job.SourceDuration)
	b.WriteString("Timestamped transcript:\n")
	b.WriteString(formatTranscript(transcript))
	return b.String()
}

// formatTranscript renders the word stream as lines prefixed with the start
// time of their first word, keeping the prompt compact while preserving
// enough timing for the model to pick boundaries.
func formatTranscript(transcript scribe.Transcript) string {
	if len(transcript.Words) == 0 {
		return transcript.Text
	}
	var b strings.Builder
	for i := 0; i < len(transcript.Words); i += wordsPerTranscriptLine {
		end := i + wordsPerTranscriptLine
		if end > len(transcript.Words) {
			end = len(transcript.Words)
		}
		fmt.Fprintf(&b, "[%.1f] ", transcript.Words[i].Start)
		for j := i; j < end; j++ {
			if j > i {
				b.WriteByte(' ')
			}
			b.WriteString(transcript.Words[j].Word)
		}
		b.WriteByte('\n')
	}
	return b.String()
}

// validateCandidates enforces the clip constraints on a model response.
// Candidates are checked in provider order; overlap is checked on a sorted
// copy so the order segments are presented in stays untouched.
func validateCandidates(candidates []candidate, job *queue.Job) error {
	if len(candidates) == 0 {
		return fmt.Errorf("no segments returned")
	}
	if len(candidates) > job.SegmentCount {
		return fmt.Errorf("returned %d segments, requested at most %d", len(candidates), job.SegmentCount)
	}

	for i, c := range candidates {
		if strings.TrimSpace(c.Title) == "" {
			return fmt.Errorf("segment %d has no title", i)
		}
		if c.Start < 0 || c.End > job.SourceDuration {
			return fmt.Errorf("segment %d [%.1f, %.1f] lies outside the recording [0, %.1f]",
				i, c.Start, c.End, job.SourceDuration)
		}
		if c.Start >= c.End {
			return fmt.Errorf("segment %d start %.1f is not before end %.1f", i, c.Start, c.End)
		}
		duration := c.End - c.Start
		if duration < job.MinDuration || duration > job.MaxDuration {
			return fmt.Errorf("segment %d lasts %.1fs, outside the allowed [%.1f, %.1f]",
				i, duration, job.MinDuration, job.MaxDuration)
		}
	}

	ordered := make([]candidate, len(candidates))
	copy(ordered, candidates)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Start < ordered[j].Start })
	for i := 1; i < len(ordered); i++ {
		if ordered[i].Start < ordered[i-1].End {
			return fmt.Errorf("segments [%.1f, %.1f] and [%.1f, %.1f] overlap",
				ordered[i-1].Start, ordered[i-1].End, ordered[i].Start, ordered[i].End)
		}
	}
	return nil
}
