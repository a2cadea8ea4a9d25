package audio

import "math"

// Suppressor is a single-channel noise gate for 8 kHz telephony audio.
// It tracks an exponential estimate of the noise floor during quiet frames
// and attenuates frames whose energy stays near that floor, which removes
// line hum and background chatter before resampling for recognition.
//
// Create one per stream; not designed for shared use across goroutines.
type Suppressor struct {
	// Floor is the current noise-floor estimate (normalised RMS).
	floor float64
	// attack controls how fast the floor adapts upward during quiet frames.
	attack float64
	// margin is the multiple of the floor below which a frame is attenuated.
	margin float64
	// attenuation scales samples in gated frames (0 silences them entirely).
	attenuation float64

	primed bool
}

// NewSuppressor returns a Suppressor with defaults tuned for PSTN audio:
// floor adaptation factor 0.05, gate margin 2.0, gated-frame gain 0.1.
func NewSuppressor() *Suppressor {
	return &Suppressor{
		attack:      0.05,
		margin:      2.0,
		attenuation: 0.1,
	}
}

// Process applies the gate to one PCM16 frame in place and returns it.
// Frames well above the noise floor pass through untouched.
func (s *Suppressor) Process(pcm []byte) []byte {
	if len(pcm) < 2 {
		return pcm
	}
	rms := RMS(pcm)

	if !s.primed {
		s.floor = rms
		s.primed = true
		return pcm
	}

	if rms <= s.floor*s.margin {
		// Quiet frame: adapt the floor, then attenuate.
		s.floor = s.floor*(1-s.attack) + rms*s.attack
		scale(pcm, s.attenuation)
		return pcm
	}

	// Loud frame: let the floor decay very slowly so a long call with
	// continuous speech does not lock the gate open forever.
	s.floor = s.floor*(1-s.attack/10) + rms*(s.attack/10)
	return pcm
}

func scale(pcm []byte, gain float64) {
	for i := 0; i+1 < len(pcm); i += 2 {
		v := float64(int16(pcm[i])|int16(pcm[i+1])<<8) * gain
		sv := int16(math.Round(v))
		pcm[i] = byte(sv)
		pcm[i+1] = byte(sv >> 8)
	}
}
