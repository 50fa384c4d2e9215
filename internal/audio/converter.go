package audio

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/bits"
)

const (
	mulawBias = 0x84
	mulawClip = 32635
)

// BytesToSamples decodes little-endian 16-bit PCM. A trailing odd byte is ignored.
func BytesToSamples(data []byte) []int16 {
	samples := make([]int16, len(data)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return samples
}

// SamplesToBytes encodes samples as little-endian 16-bit PCM
func SamplesToBytes(samples []int16) []byte {
	data := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(data[i*2:], uint16(s))
	}
	return data
}

// ApplyGain scales 16-bit PCM by gain, saturating at the int16 range.
// A gain of 1 returns the input unchanged.
func ApplyGain(pcm []byte, gain float64) []byte {
	if gain == 1 || len(pcm) < 2 {
		return pcm
	}
	if gain < 0 {
		gain = 0
	}

	samples := BytesToSamples(pcm)
	for i, s := range samples {
		v := math.Round(float64(s) * gain)
		switch {
		case v > math.MaxInt16:
			v = math.MaxInt16
		case v < math.MinInt16:
			v = math.MinInt16
		}
		samples[i] = int16(v)
	}
	return SamplesToBytes(samples)
}

// ConvertPCMToPCMU converts 16-bit little-endian PCM to G.711 μ-law,
// resampling from inputSampleRate to outputSampleRate when they differ.
func ConvertPCMToPCMU(pcmData []byte, inputSampleRate, outputSampleRate int) ([]byte, error) {
	if len(pcmData) == 0 {
		return nil, fmt.Errorf("empty PCM data")
	}
	if len(pcmData)%2 != 0 {
		return nil, fmt.Errorf("PCM data length must be even (16-bit samples)")
	}
	if inputSampleRate <= 0 || outputSampleRate <= 0 {
		return nil, fmt.Errorf("invalid sample rates %d -> %d", inputSampleRate, outputSampleRate)
	}

	samples := resample(BytesToSamples(pcmData), inputSampleRate, outputSampleRate)

	out := make([]byte, len(samples))
	for i, s := range samples {
		out[i] = linearToMulaw(s)
	}
	return out, nil
}

// ConvertPCMUToPCM decodes G.711 μ-law into 16-bit little-endian PCM
func ConvertPCMUToPCM(pcmuData []byte) ([]byte, error) {
	if len(pcmuData) == 0 {
		return nil, fmt.Errorf("empty PCMU data")
	}

	samples := make([]int16, len(pcmuData))
	for i, b := range pcmuData {
		samples[i] = mulawToLinear(b)
	}
	return SamplesToBytes(samples), nil
}

// resample performs linear interpolation resampling
func resample(samples []int16, inputRate, outputRate int) []int16 {
	if inputRate == outputRate || len(samples) == 0 {
		return samples
	}

	ratio := float64(outputRate) / float64(inputRate)
	output := make([]int16, int(float64(len(samples))*ratio))
	last := len(samples) - 1

	for i := range output {
		pos := float64(i) / ratio
		idx := int(pos)
		if idx > last {
			idx = last
		}
		next := min(idx+1, last)
		frac := pos - float64(idx)
		output[i] = int16(float64(samples[idx])*(1-frac) + float64(samples[next])*frac)
	}
	return output
}

// linearToMulaw encodes one 16-bit sample as G.711 μ-law
func linearToMulaw(sample int16) byte {
	s := int32(sample)
	var sign byte
	if s < 0 {
		sign = 0x80
		s = -s
	}
	if s > mulawClip {
		s = mulawClip
	}
	s += mulawBias

	// s is at least 0x84, so the exponent lands in [0,7]
	exp := byte(bits.Len32(uint32(s)) - 8)
	mantissa := byte(s>>(exp+3)) & 0x0F
	return ^(sign | exp<<4 | mantissa)
}

// mulawToLinear decodes one G.711 μ-law byte
func mulawToLinear(u byte) int16 {
	u = ^u
	exp := (u >> 4) & 0x07
	mantissa := int32(u & 0x0F)
	magnitude := ((mantissa<<3)+mulawBias)<<exp - mulawBias
	if u&0x80 != 0 {
		return int16(-magnitude)
	}
	return int16(magnitude)
}

// CalculateRMS calculates the root mean square of audio samples
func CalculateRMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}

	sum := 0.0
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}
