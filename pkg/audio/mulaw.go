// Package audio provides the PCM primitives used by the telephony ingest
// path: G.711 μ-law codec, linear resampling, RMS energy, a single-channel
// noise gate, and WAV file helpers.
//
// All PCM buffers are 16-bit signed little-endian unless noted otherwise.
package audio

const (
	mulawBias = 0x84
	mulawClip = 32635
)

// mulawDecodeTable maps every μ-law byte to its linear PCM value (G.711).
var mulawDecodeTable = [256]int16{
	-32124, -31100, -30076, -29052, -28028, -27004, -25980, -24956,
	-23932, -22908, -21884, -20860, -19836, -18812, -17788, -16764,
	-15996, -15484, -14972, -14460, -13948, -13436, -12924, -12412,
	-11900, -11388, -10876, -10364, -9852, -9340, -8828, -8316,
	-7932, -7676, -7420, -7164, -6908, -6652, -6396, -6140,
	-5884, -5628, -5372, -5116, -4860, -4604, -4348, -4092,
	-3900, -3772, -3644, -3516, -3388, -3260, -3132, -3004,
	-2876, -2748, -2620, -2492, -2364, -2236, -2108, -1980,
	-1884, -1820, -1756, -1692, -1628, -1564, -1500, -1436,
	-1372, -1308, -1244, -1180, -1116, -1052, -988, -924,
	-876, -844, -812, -780, -748, -716, -684, -652,
	-620, -588, -556, -524, -492, -460, -428, -396,
	-372, -356, -340, -324, -308, -292, -276, -260,
	-244, -228, -212, -196, -180, -164, -148, -132,
	-120, -112, -104, -96, -88, -80, -72, -64,
	-56, -48, -40, -32, -24, -16, -8, 0,
	32124, 31100, 30076, 29052, 28028, 27004, 25980, 24956,
	23932, 22908, 21884, 20860, 19836, 18812, 17788, 16764,
	15996, 15484, 14972, 14460, 13948, 13436, 12924, 12412,
	11900, 11388, 10876, 10364, 9852, 9340, 8828, 8316,
	7932, 7676, 7420, 7164, 6908, 6652, 6396, 6140,
	5884, 5628, 5372, 5116, 4860, 4604, 4348, 4092,
	3900, 3772, 3644, 3516, 3388, 3260, 3132, 3004,
	2876, 2748, 2620, 2492, 2364, 2236, 2108, 1980,
	1884, 1820, 1756, 1692, 1628, 1564, 1500, 1436,
	1372, 1308, 1244, 1180, 1116, 1052, 988, 924,
	876, 844, 812, 780, 748, 716, 684, 652,
	620, 588, 556, 524, 492, 460, 428, 396,
	372, 356, 340, 324, 308, 292, 276, 260,
	244, 228, 212, 196, 180, 164, 148, 132,
	120, 112, 104, 96, 88, 80, 72, 64,
	56, 48, 40, 32, 24, 16, 8, 0,
}

// MulawToPCM decodes μ-law bytes to linear PCM samples.
func MulawToPCM(mulaw []byte) []int16 {
	pcm := make([]int16, len(mulaw))
	for i, b := range mulaw {
		pcm[i] = mulawDecodeTable[b]
	}
	return pcm
}

// MulawToPCMBytes decodes μ-law bytes straight to little-endian 16-bit PCM.
// This is the hot path for RTP payloads, so it avoids the intermediate
// []int16 allocation of [MulawToPCM].
func MulawToPCMBytes(mulaw []byte) []byte {
	out := make([]byte, len(mulaw)*2)
	for i, b := range mulaw {
		s := mulawDecodeTable[b]
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}

// PCMToMulaw encodes linear PCM samples to μ-law bytes.
func PCMToMulaw(pcm []int16) []byte {
	out := make([]byte, len(pcm))
	for i, s := range pcm {
		out[i] = mulawEncode(s)
	}
	return out
}

func mulawEncode(pcm int16) byte {
	sign := byte(0)
	v := int32(pcm)
	if v < 0 {
		sign = 0x80
		v = -v
	}
	if v > mulawClip {
		v = mulawClip
	}
	v += mulawBias

	exponent := byte(7)
	for mask := int32(0x4000); exponent > 0 && v&mask == 0; exponent-- {
		mask >>= 1
	}
	mantissa := byte((v >> (exponent + 3)) & 0x0F)
	return ^(sign | exponent<<4 | mantissa)
}
