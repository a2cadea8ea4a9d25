package audio

import "math"

// RMS computes the root-mean-square energy of little-endian 16-bit PCM,
// normalised to [0, 1]. An empty or odd-length buffer yields 0.
func RMS(pcm []byte) float64 {
	samples := len(pcm) / 2
	if samples == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < samples; i++ {
		s := float64(int16(pcm[i*2]) | int16(pcm[i*2+1])<<8)
		sum += s * s
	}
	return math.Sqrt(sum/float64(samples)) / 32768.0
}

// IsSilent reports whether the frame's RMS energy is below threshold.
// threshold is in the same normalised [0, 1] scale as [RMS].
func IsSilent(pcm []byte, threshold float64) bool {
	return RMS(pcm) < threshold
}
