package preprocess

import (
	"encoding/binary"
	"fmt"
)

// wavInfo describes the PCM payload of a parsed RIFF/WAVE file.
type wavInfo struct {
	sampleRate    int
	channels      int
	bitsPerSample int
	dataOffset    int // byte offset of the data chunk payload
	dataLen       int // byte length of the data chunk payload
}

func (w *wavInfo) frameSize() int {
	return w.channels * w.bitsPerSample / 8
}

func (w *wavInfo) frameCount() int {
	return w.dataLen / w.frameSize()
}

// parseWAV walks the RIFF chunks of a WAV file and locates the fmt and data
// chunks. Only 16-bit PCM is supported; anything else is an error so the
// caller can fall back to the untrimmed audio.
func parseWAV(b []byte) (*wavInfo, error) {
	if len(b) < 12 || string(b[0:4]) != "RIFF" || string(b[8:12]) != "WAVE" {
		return nil, fmt.Errorf("not a RIFF/WAVE file")
	}

	info := &wavInfo{}
	sawFmt := false
	offset := 12
	for offset+8 <= len(b) {
		chunkID := string(b[offset : offset+4])
		chunkLen := int(binary.LittleEndian.Uint32(b[offset+4 : offset+8]))
		body := offset + 8
		if body+chunkLen > len(b) {
			chunkLen = len(b) - body // tolerate truncated final chunk
		}

		switch chunkID {
		case "fmt ":
			if chunkLen < 16 {
				return nil, fmt.Errorf("fmt chunk too short: %d bytes", chunkLen)
			}
			audioFormat := int(binary.LittleEndian.Uint16(b[body : body+2]))
			if audioFormat != 1 {
				return nil, fmt.Errorf("unsupported audio format %d (only PCM)", audioFormat)
			}
			info.channels = int(binary.LittleEndian.Uint16(b[body+2 : body+4]))
			info.sampleRate = int(binary.LittleEndian.Uint32(b[body+4 : body+8]))
			info.bitsPerSample = int(binary.LittleEndian.Uint16(b[body+14 : body+16]))
			sawFmt = true
		case "data":
			info.dataOffset = body
			info.dataLen = chunkLen
		}

		// Chunks are word-aligned.
		if chunkLen%2 == 1 {
			chunkLen++
		}
		offset = body + chunkLen
	}

	if !sawFmt || info.dataLen == 0 {
		return nil, fmt.Errorf("missing fmt or data chunk")
	}
	if info.bitsPerSample != 16 {
		return nil, fmt.Errorf("unsupported bit depth %d (only 16-bit PCM)", info.bitsPerSample)
	}
	if info.channels < 1 || info.sampleRate <= 0 {
		return nil, fmt.Errorf("invalid fmt chunk: %d channels, %d Hz", info.channels, info.sampleRate)
	}
	return info, nil
}

// monoSamples decodes the data chunk into normalized [-1, 1] samples,
// averaging channels down to mono.
func monoSamples(b []byte, info *wavInfo) []float64 {
	frames := info.frameCount()
	samples := make([]float64, frames)
	frameSize := info.frameSize()
	for i := 0; i < frames; i++ {
		base := info.dataOffset + i*frameSize
		var sum float64
		for ch := 0; ch < info.channels; ch++ {
			v := int16(binary.LittleEndian.Uint16(b[base+ch*2 : base+ch*2+2]))
			sum += float64(v) / 32768.0
		}
		samples[i] = sum / float64(info.channels)
	}
	return samples
}

// sliceWAV re-encodes a frame range [startFrame, endFrame) of the source
// file as a standalone canonical WAV.
func sliceWAV(b []byte, info *wavInfo, startFrame, endFrame int) []byte {
	frameSize := info.frameSize()
	payload := b[info.dataOffset+startFrame*frameSize : info.dataOffset+endFrame*frameSize]

	out := make([]byte, 44+len(payload))
	copy(out[0:4], "RIFF")
	binary.LittleEndian.PutUint32(out[4:8], uint32(36+len(payload)))
	copy(out[8:12], "WAVE")
	copy(out[12:16], "fmt ")
	binary.LittleEndian.PutUint32(out[16:20], 16)
	binary.LittleEndian.PutUint16(out[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(out[22:24], uint16(info.channels))
	binary.LittleEndian.PutUint32(out[24:28], uint32(info.sampleRate))
	byteRate := info.sampleRate * frameSize
	binary.LittleEndian.PutUint32(out[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(out[32:34], uint16(frameSize))
	binary.LittleEndian.PutUint16(out[34:36], uint16(info.bitsPerSample))
	copy(out[36:40], "data")
	binary.LittleEndian.PutUint32(out[40:44], uint32(len(payload)))
	copy(out[44:], payload)
	return out
}
