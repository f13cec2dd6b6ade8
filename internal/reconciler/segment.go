package reconciler

import (
	"fmt"
	"sort"
	"strings"
)

// Confidence is the reconciler's trust in a merged transcript.
type Confidence string

const (
	ConfidenceHigh    Confidence = "high"
	ConfidenceMedium  Confidence = "medium"
	ConfidenceLow     Confidence = "low"
	ConfidenceVeryLow Confidence = "very-low"
)

// Method records how a merge was decided.
type Method string

const (
	MethodConsensus    Method = "consensus"
	MethodCompleteness Method = "completeness_offset"
	MethodQualityPick  Method = "quality_pick"
	MethodRepeatPick   Method = "repeat_pick"
	MethodSingleEngine Method = "single_engine"
	MethodNone         Method = "none"
)

// AudioSegment is one recorded answer handed to the reconciler.
type AudioSegment struct {
	SegmentKey     string  `json:"segment_key"`
	PartNumber     int     `json:"part_number"`
	QuestionNumber int     `json:"question_number"`
	QuestionID     string  `json:"question_id"`
	StorageRef     string  `json:"storage_ref"`
	DurationSec    float64 `json:"duration_sec"`
}

// Pause is a gap of at least the configured length between two words.
type Pause struct {
	Start    float64 `json:"start"`
	End      float64 `json:"end"`
	Duration float64 `json:"duration"`
}

// MergedSegment is the reconciler's output for one audio segment.
// FinalText is always a string, possibly empty: an empty text with
// ConfidenceVeryLow means "no usable speech", which is distinct from the
// segment never having been submitted.
type MergedSegment struct {
	SegmentKey     string     `json:"segment_key"`
	PartNumber     int        `json:"part_number"`
	QuestionNumber int        `json:"question_number"`
	QuestionID     string     `json:"question_id"`
	FinalText      string     `json:"final_text"`
	WordCount      int        `json:"word_count"`
	AvgConfidence  float64    `json:"avg_confidence"`
	AvgLogProb     float64    `json:"avg_log_prob"`
	NoSpeechProb   float64    `json:"no_speech_prob"`
	FillerWords    []string   `json:"filler_words,omitempty"`
	LongPauses     []Pause    `json:"long_pauses,omitempty"`
	Method         Method     `json:"method"`
	AgreementScore float64    `json:"agreement_score"`
	Confidence     Confidence `json:"confidence"`
	Issues         []string   `json:"issues,omitempty"`
	DurationSec    float64    `json:"duration_sec"`
}

// SegmentKey builds the stable identifier for a recorded answer.
func SegmentKey(partNumber, questionNumber int, questionID string) string {
	return fmt.Sprintf("p%d_q%d_%s", partNumber, questionNumber, questionID)
}

// ParseSegmentKey recovers part, question number and question ID from a key.
func ParseSegmentKey(key string) (partNumber, questionNumber int, questionID string, err error) {
	parts := strings.SplitN(key, "_", 3)
	if len(parts) != 3 {
		return 0, 0, "", fmt.Errorf("malformed segment key %q", key)
	}
	if _, err := fmt.Sscanf(parts[0], "p%d", &partNumber); err != nil {
		return 0, 0, "", fmt.Errorf("malformed segment key %q: %w", key, err)
	}
	if _, err := fmt.Sscanf(parts[1], "q%d", &questionNumber); err != nil {
		return 0, 0, "", fmt.Errorf("malformed segment key %q: %w", key, err)
	}
	return partNumber, questionNumber, parts[2], nil
}

// SortSegments orders segments by part number then question number, the
// stable order every stage processes them in so aggregates are reproducible
// across retries.
func SortSegments(segments []AudioSegment) {
	sort.SliceStable(segments, func(i, j int) bool {
		if segments[i].PartNumber != segments[j].PartNumber {
			return segments[i].PartNumber < segments[j].PartNumber
		}
		return segments[i].QuestionNumber < segments[j].QuestionNumber
	})
}

// SortMerged orders merged segments by part then question number.
func SortMerged(segments []MergedSegment) {
	sort.SliceStable(segments, func(i, j int) bool {
		if segments[i].PartNumber != segments[j].PartNumber {
			return segments[i].PartNumber < segments[j].PartNumber
		}
		return segments[i].QuestionNumber < segments[j].QuestionNumber
	})
}
