package preprocess

import (
	"encoding/binary"
	"math"
	"math/rand"
	"testing"
)

const testSampleRate = 16000

// makeWAV builds a 16-bit mono PCM WAV from normalized samples.
func makeWAV(t *testing.T, samples []float64) []byte {
	t.Helper()
	payload := make([]byte, len(samples)*2)
	for i, s := range samples {
		v := int16(s * 32000)
		binary.LittleEndian.PutUint16(payload[i*2:], uint16(v))
	}

	out := make([]byte, 44+len(payload))
	copy(out[0:4], "RIFF")
	binary.LittleEndian.PutUint32(out[4:8], uint32(36+len(payload)))
	copy(out[8:12], "WAVE")
	copy(out[12:16], "fmt ")
	binary.LittleEndian.PutUint32(out[16:20], 16)
	binary.LittleEndian.PutUint16(out[20:22], 1)
	binary.LittleEndian.PutUint16(out[22:24], 1)
	binary.LittleEndian.PutUint32(out[24:28], testSampleRate)
	binary.LittleEndian.PutUint32(out[28:32], testSampleRate*2)
	binary.LittleEndian.PutUint16(out[32:34], 2)
	binary.LittleEndian.PutUint16(out[34:36], 16)
	copy(out[36:40], "data")
	binary.LittleEndian.PutUint32(out[40:44], uint32(len(payload)))
	copy(out[44:], payload)
	return out
}

// silenceThenSpeech produces silenceMs of near-silence followed by
// speechMs of a 200 Hz tone at the given amplitude.
func silenceThenSpeech(t *testing.T, silenceMs, speechMs int, amplitude float64) []byte {
	t.Helper()
	silentFrames := silenceMs * testSampleRate / 1000
	speechFrames := speechMs * testSampleRate / 1000
	samples := make([]float64, 0, silentFrames+speechFrames)
	for i := 0; i < silentFrames; i++ {
		samples = append(samples, 0.001*math.Sin(float64(i)))
	}
	for i := 0; i < speechFrames; i++ {
		samples = append(samples, amplitude*math.Sin(2*math.Pi*200*float64(i)/testSampleRate))
	}
	return makeWAV(t, samples)
}

func TestTrimRemovesLeadingSilence(t *testing.T) {
	t.Parallel()
	audio := silenceThenSpeech(t, 2000, 3000, 0.5)
	trimmer := NewTrimmer(DefaultConfig())

	res := trimmer.Trim(audio)

	if res.LeadingMsTrimmed == 0 {
		t.Fatal("expected leading silence to be trimmed")
	}
	// Speech starts at 2000ms; the trim must stop short of it by at least
	// the safety margin, so detected speech is never clipped.
	if res.LeadingMsTrimmed > 2000 {
		t.Fatalf("trim (%dms) clipped into speech starting at 2000ms", res.LeadingMsTrimmed)
	}
	if res.OriginalDurationMs != 5000 {
		t.Fatalf("original duration = %dms, want 5000", res.OriginalDurationMs)
	}
}

func TestNoTrimWhenSoundStartsImmediately(t *testing.T) {
	t.Parallel()
	audio := silenceThenSpeech(t, 0, 3000, 0.5)
	trimmer := NewTrimmer(DefaultConfig())

	res := trimmer.Trim(audio)

	if res.LeadingMsTrimmed != 0 {
		t.Fatalf("expected no leading trim, got %dms", res.LeadingMsTrimmed)
	}
}

func TestNoTrimWhenSilenceRunTooShort(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.MinSilenceMs = 500
	audio := silenceThenSpeech(t, 200, 3000, 0.5)

	res := NewTrimmer(cfg).Trim(audio)

	if res.LeadingMsTrimmed != 0 {
		t.Fatalf("silence run (200ms) below minimum (500ms) must not trim, got %dms", res.LeadingMsTrimmed)
	}
}

func TestTrailingTrimOffByDefault(t *testing.T) {
	t.Parallel()
	// Speech then 2s of trailing silence.
	samples := make([]float64, 0)
	for i := 0; i < 2000*testSampleRate/1000; i++ {
		samples = append(samples, 0.5*math.Sin(2*math.Pi*200*float64(i)/testSampleRate))
	}
	for i := 0; i < 2000*testSampleRate/1000; i++ {
		samples = append(samples, 0.0005)
	}
	audio := makeWAV(t, samples)

	res := NewTrimmer(DefaultConfig()).Trim(audio)
	if res.TrailingMsTrimmed != 0 {
		t.Fatalf("trailing trim is disabled by default, got %dms trimmed", res.TrailingMsTrimmed)
	}
}

func TestTrailingTrimKeepsPadding(t *testing.T) {
	t.Parallel()
	samples := make([]float64, 0)
	for i := 0; i < 2000*testSampleRate/1000; i++ {
		samples = append(samples, 0.5*math.Sin(2*math.Pi*200*float64(i)/testSampleRate))
	}
	for i := 0; i < 3000*testSampleRate/1000; i++ {
		samples = append(samples, 0.0005)
	}
	audio := makeWAV(t, samples)

	cfg := DefaultConfig()
	cfg.TrimTrailing = true
	res := NewTrimmer(cfg).Trim(audio)

	if res.TrailingMsTrimmed == 0 {
		t.Fatal("expected trailing silence to be trimmed")
	}
	// Speech ends at 2000ms; padding must be retained after it.
	kept := res.OriginalDurationMs - res.TrailingMsTrimmed - res.LeadingMsTrimmed
	if kept < 2000+cfg.TrailingPaddingMs-cfg.WindowMs {
		t.Fatalf("kept %dms, want at least speech plus %dms padding", kept, cfg.TrailingPaddingMs)
	}
}

func TestMinimumDurationNeverViolated(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.MinDurationMs = 1500
	cfg.TrimTrailing = true

	// 1.6s of silence with a 100ms blip: aggressive trimming would leave
	// almost nothing.
	samples := make([]float64, 0)
	for i := 0; i < 800*testSampleRate/1000; i++ {
		samples = append(samples, 0.0005)
	}
	for i := 0; i < 100*testSampleRate/1000; i++ {
		samples = append(samples, 0.5*math.Sin(2*math.Pi*200*float64(i)/testSampleRate))
	}
	for i := 0; i < 700*testSampleRate/1000; i++ {
		samples = append(samples, 0.0005)
	}
	audio := makeWAV(t, samples)

	res := NewTrimmer(cfg).Trim(audio)
	if res.DurationMs < cfg.MinDurationMs-cfg.WindowMs {
		t.Fatalf("trimmed duration %dms violates minimum %dms", res.DurationMs, cfg.MinDurationMs)
	}
}

func TestDecodeFailureReturnsOriginal(t *testing.T) {
	t.Parallel()
	garbage := []byte("definitely not a wav file, not even close")

	res := NewTrimmer(DefaultConfig()).Trim(garbage)

	if string(res.Audio) != string(garbage) {
		t.Fatal("decode failure must return the original audio unchanged")
	}
	if res.LeadingMsTrimmed != 0 || res.TrailingMsTrimmed != 0 {
		t.Fatal("decode failure must report zero trim amounts")
	}
}

// Property: for random silence prefixes, the trim never reaches detected
// speech and the result never drops below the configured minimum duration.
func TestTrimPropertyNeverClipsSpeech(t *testing.T) {
	t.Parallel()
	rng := rand.New(rand.NewSource(7))
	trimmer := NewTrimmer(DefaultConfig())

	for i := 0; i < 25; i++ {
		silenceMs := 400 + rng.Intn(4000)
		speechMs := 1200 + rng.Intn(3000)
		audio := silenceThenSpeech(t, silenceMs, speechMs, 0.2+rng.Float64()*0.6)

		res := trimmer.Trim(audio)
		if res.LeadingMsTrimmed > silenceMs {
			t.Fatalf("iteration %d: trimmed %dms into %dms silence prefix", i, res.LeadingMsTrimmed, silenceMs)
		}
		if res.DurationMs < DefaultConfig().MinDurationMs-DefaultConfig().WindowMs {
			t.Fatalf("iteration %d: duration %dms below minimum", i, res.DurationMs)
		}
	}
}
