package audio

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"
	"math"
	"time"
)

const (
	DefaultSampleRate = 16000
	numChannels       = 1
	bitsPerSample     = 16
)

// PCMDuration returns the play time of raw PCM16LE mono audio.
func PCMDuration(pcm []byte, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	bytesPerSecond := sampleRate * numChannels * bitsPerSample / 8
	if bytesPerSecond <= 0 || len(pcm) == 0 {
		return 0
	}
	return time.Duration(len(pcm)) * time.Second / time.Duration(bytesPerSecond)
}

// SineTonePCM16LE renders a mono sine tone; used by the mock synthesizer.
func SineTonePCM16LE(freqHz, sampleRate int, d time.Duration, amp float64) []byte {
	if sampleRate <= 0 || d <= 0 || freqHz <= 0 {
		return nil
	}
	if amp <= 0 || amp > 1.0 {
		amp = 0.2
	}
	samples := int(float64(sampleRate) * d.Seconds())
	if samples <= 0 {
		samples = 1
	}
	out := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		t := float64(i) / float64(sampleRate)
		v := amp * math.Sin(2*math.Pi*float64(freqHz)*t)
		s := int16(v * 32767.0)
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}

// EncodeWAVPCM16LE wraps raw PCM16LE mono audio bytes in a WAV container.
func EncodeWAVPCM16LE(pcm []byte, sampleRate int) ([]byte, error) {
	var buf bytes.Buffer
	if err := WriteWAVPCM16LETo(&buf, pcm, sampleRate); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteWAVPCM16LETo writes raw PCM16LE mono audio bytes to out as a WAV stream.
func WriteWAVPCM16LETo(out io.Writer, pcm []byte, sampleRate int) error {
	const audioFormat = 1 // PCM
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}

	dataSize := uint32(len(pcm))
	byteRate := uint32(sampleRate * numChannels * bitsPerSample / 8)
	blockAlign := uint16(numChannels * bitsPerSample / 8)

	w := bufio.NewWriter(out)

	// RIFF header.
	if _, err := w.WriteString("RIFF"); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(36)+dataSize); err != nil {
		return err
	}
	if _, err := w.WriteString("WAVE"); err != nil {
		return err
	}

	// fmt chunk.
	if _, err := w.WriteString("fmt "); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(16)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint16(audioFormat)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint16(numChannels)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(sampleRate)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, byteRate); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, blockAlign); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint16(bitsPerSample)); err != nil {
		return err
	}

	// data chunk.
	if _, err := w.WriteString("data"); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, dataSize); err != nil {
		return err
	}
	if _, err := w.Write(pcm); err != nil {
		return err
	}
	return w.Flush()
}
