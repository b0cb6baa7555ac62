package audio

// downmixInterleaved averages interleaved channels into a new mono slice.
// The input buffer is reused by the stream, so mono input is copied too.
func downmixInterleaved(input []float32, channels, frames int) []float32 {
	if channels <= 1 {
		out := make([]float32, frames)
		copy(out, input)
		return out
	}

	out := make([]float32, frames)
	for i := 0; i < frames; i++ {
		var sum float32
		base := i * channels
		for ch := 0; ch < channels; ch++ {
			sum += input[base+ch]
		}
		out[i] = sum / float32(channels)
	}
	return out
}
