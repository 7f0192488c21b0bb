// Package audio provides the PCM primitives shared by the capture and
// playback pipelines: float32 ↔ PCM16 conversion, box-filter decimation,
// nearest-neighbor upsampling, and signal-energy measurement.
//
// All PCM byte data is little-endian signed 16-bit mono unless stated
// otherwise. This package lives under pkg/ because sink and gateway
// implementations outside internal/ operate on these types.
package audio

import "math"

// Full-scale multipliers for float → PCM16 conversion. Positive and negative
// excursions use distinct scales so that -1.0 maps exactly to -32768 and
// +1.0 to +32767.
const (
	positiveScale = 32767
	negativeScale = 32768
)

// Float32ToPCM16 converts float samples in [-1, 1] to little-endian PCM16
// bytes. Samples outside the range are clamped symmetrically.
func Float32ToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		var v int16
		if s >= 0 {
			v = int16(s * positiveScale)
		} else {
			v = int16(s * negativeScale)
		}
		out[i*2] = byte(v)
		out[i*2+1] = byte(v >> 8)
	}
	return out
}

// PCM16ToFloat32 converts little-endian PCM16 bytes to float samples in
// [-1, 1] using the same asymmetric scales as [Float32ToPCM16], so a
// round-trip reproduces sample values within one quantization step.
// A trailing odd byte, if present, is ignored.
func PCM16ToFloat32(pcm []byte) []float32 {
	n := len(pcm) / 2
	out := make([]float32, n)
	for i := range n {
		v := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		if v >= 0 {
			out[i] = float32(v) / positiveScale
		} else {
			out[i] = float32(v) / negativeScale
		}
	}
	return out
}

// Decimate downsamples in by the given rate ratio (source rate / target
// rate) using a box filter: every run of ratio input samples is averaged
// into one output sample, with run boundaries rounded to the nearest input
// index. Decimating N samples yields ⌊N/ratio⌋ output samples; all-zero
// input decimates to all-zero output. ratio must be ≥ 1.
func Decimate(in []float32, ratio float64) []float32 {
	if ratio < 1 || len(in) == 0 {
		return nil
	}
	n := int(float64(len(in)) / ratio)
	if n == 0 {
		return nil
	}
	out := make([]float32, n)
	for i := range n {
		start := int(math.Round(float64(i) * ratio))
		end := int(math.Round(float64(i+1) * ratio))
		if end > len(in) {
			end = len(in)
		}
		if start >= end {
			out[i] = in[start]
			continue
		}
		var sum float64
		for _, s := range in[start:end] {
			sum += float64(s)
		}
		out[i] = float32(sum / float64(end-start))
	}
	return out
}

// HoldUpsample upsamples in by an integer factor using nearest-neighbor
// sample repetition: each input sample is emitted factor times. This trades
// fidelity for minimal CPU cost; interpolating upsamplers are a known
// future improvement.
func HoldUpsample(in []float32, factor int) []float32 {
	if factor <= 1 {
		return in
	}
	out := make([]float32, len(in)*factor)
	for i, s := range in {
		for j := range factor {
			out[i*factor+j] = s
		}
	}
	return out
}

// MeanSquare returns the mean-square energy of the block. An empty block
// has zero energy.
func MeanSquare(block []float32) float64 {
	if len(block) == 0 {
		return 0
	}
	var sum float64
	for _, s := range block {
		sum += float64(s) * float64(s)
	}
	return sum / float64(len(block))
}
