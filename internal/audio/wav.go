package audio

import (
	"encoding/binary"
	"fmt"
	"io"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// WriteWAV encodes samples as a 16-bit mono WAV stream.
func WriteWAV(w io.WriteSeeker, samples []float32, sampleRate int) error {
	if sampleRate <= 0 {
		sampleRate = SampleRate
	}
	buffer := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: Channels, SampleRate: sampleRate},
		SourceBitDepth: BitsPerSample,
		Data:           make([]int, len(samples)),
	}
	for i, s := range samples {
		buffer.Data[i] = int(toInt16(s))
	}

	enc := wav.NewEncoder(w, sampleRate, BitsPerSample, Channels, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}

// ReadWAV decodes a WAV stream into 16-bit little-endian PCM. Only 16 kHz
// mono 16-bit files are accepted.
func ReadWAV(r io.ReadSeeker) ([]byte, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("%w: not a valid wav file", ErrMalformedAudio)
	}
	if dec.SampleRate != SampleRate || dec.NumChans != Channels || dec.BitDepth != BitsPerSample {
		return nil, fmt.Errorf("%w: expected %d Hz mono %d-bit, got %d Hz %d channel(s) %d-bit",
			ErrMalformedAudio, SampleRate, BitsPerSample, dec.SampleRate, dec.NumChans, dec.BitDepth)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("%w: read pcm: %v", ErrMalformedAudio, err)
	}
	pcm := make([]byte, len(buf.Data)*2)
	for i, v := range buf.Data {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(int16(v)))
	}
	return pcm, nil
}
