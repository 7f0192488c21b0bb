// Package opus wraps gopus encoders and decoders for the conference edge.
// Remote participant audio arrives as Opus RTP payloads and is decoded to
// PCM16 before entering the capture pipeline; synthesized agent audio is
// encoded back to Opus before being written to the outbound local track.
package opus

import (
	"fmt"

	"layeh.com/gopus"
)

// The conference edge runs 48 kHz mono Opus at 20 ms frame size.
const (
	// SampleRate is the Opus sample rate used at the conference edge.
	SampleRate = 48000

	// Channels is the channel count; the bridge is mono throughout.
	Channels = 1

	// FrameDurationMs is the Opus frame duration in milliseconds.
	FrameDurationMs = 20

	// FrameSamples is the number of samples per channel per 20 ms frame.
	FrameSamples = SampleRate * FrameDurationMs / 1000 // 960
)

// Decoder wraps a gopus Opus decoder for a single remote participant
// stream. Each stream gets its own decoder to maintain decoder state
// correctly across consecutive packets. Not safe for concurrent use.
type Decoder struct {
	dec *gopus.Decoder
}

// NewDecoder creates a decoder configured for conference-edge audio.
func NewDecoder() (*Decoder, error) {
	dec, err := gopus.NewDecoder(SampleRate, Channels)
	if err != nil {
		return nil, fmt.Errorf("opus: create decoder: %w", err)
	}
	return &Decoder{dec: dec}, nil
}

// Decode decodes one Opus packet into PCM int16 samples returned as
// little-endian bytes.
func (d *Decoder) Decode(pkt []byte) ([]byte, error) {
	pcm, err := d.dec.Decode(pkt, FrameSamples, false)
	if err != nil {
		return nil, fmt.Errorf("opus: decode: %w", err)
	}
	return int16sToBytes(pcm), nil
}

// Encoder wraps a gopus Opus encoder for the outbound agent track.
// Not safe for concurrent use.
type Encoder struct {
	enc *gopus.Encoder
}

// NewEncoder creates an encoder configured for conference-edge audio.
func NewEncoder() (*Encoder, error) {
	enc, err := gopus.NewEncoder(SampleRate, Channels, gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("opus: create encoder: %w", err)
	}
	return &Encoder{enc: enc}, nil
}

// Encode encodes exactly one 20 ms frame of PCM16 data (little-endian
// bytes, [FrameSamples] samples) into an Opus packet.
func (e *Encoder) Encode(pcm []byte) ([]byte, error) {
	samples := bytesToInt16s(pcm)
	if len(samples) != FrameSamples {
		return nil, fmt.Errorf("opus: encode: got %d samples, want %d", len(samples), FrameSamples)
	}
	pkt, err := e.enc.Encode(samples, FrameSamples, len(pcm))
	if err != nil {
		return nil, fmt.Errorf("opus: encode: %w", err)
	}
	return pkt, nil
}

// int16sToBytes converts int16 PCM samples to little-endian bytes.
func int16sToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}

// bytesToInt16s converts little-endian bytes to int16 PCM samples.
func bytesToInt16s(b []byte) []int16 {
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		pcm[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
	return pcm
}
