package entities

import "strings"

// ConversationSegment is one diarized utterance of a transcription.
type ConversationSegment struct {
	Speaker    string  `json:"speaker"`
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// AudioMetadata is the summary of the prepared audio behind a transcription.
type AudioMetadata struct {
	Path            string  `json:"path,omitempty"`
	DurationSeconds float64 `json:"duration_s"`
	SampleRate      int     `json:"sample_rate,omitempty"`
	Channels        int     `json:"channels,omitempty"`
	PipelineVersion string  `json:"pipeline_version,omitempty"`
}

// Transcription is the read-only view of a completed transcription that the
// composition engine consumes. The engine never writes it.
type Transcription struct {
	ID                   string                `json:"id"`
	ConversationSegments []ConversationSegment `json:"conversation_segments"`
	FullText             string                `json:"full_text"`
	DurationSeconds      float64               `json:"duration_s"`
	SpeakerCount         int                   `json:"speaker_count"`
	AverageConfidence    float64               `json:"avg_confidence,omitempty"`
	Audio                AudioMetadata         `json:"audio_metadata"`
}

// Speakers returns the distinct speaker labels in order of first appearance.
func (t *Transcription) Speakers() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, seg := range t.ConversationSegments {
		if _, ok := seen[seg.Speaker]; ok {
			continue
		}
		seen[seg.Speaker] = struct{}{}
		out = append(out, seg.Speaker)
	}
	return out
}

// DialogueText renders the conversation as speaker-tagged lines, the form
// handed to providers as context.
func (t *Transcription) DialogueText() string {
	var b strings.Builder
	for i, seg := range t.ConversationSegments {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString("[")
		b.WriteString(seg.Speaker)
		b.WriteString("] ")
		b.WriteString(seg.Text)
	}
	return b.String()
}
