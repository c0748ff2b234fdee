package audio

// Convert returns pcm converted from format from to format to. Only mono and
// stereo are supported; other channel counts are returned unchanged. When the
// formats match pcm is returned as is.
func Convert(pcm []byte, from, to Format) []byte {
	if from == to || len(pcm) < BytesPerSample {
		return pcm
	}
	if from.Channels == 2 && to.Channels == 1 {
		pcm = StereoToMono(pcm)
		from.Channels = 1
	}
	if from.SampleRate != to.SampleRate && from.Channels == 1 {
		pcm = ResampleMono16(pcm, from.SampleRate, to.SampleRate)
	}
	if from.Channels == 1 && to.Channels == 2 {
		pcm = MonoToStereo(pcm)
	}
	return pcm
}

// MonoToStereo duplicates each mono sample into an L+R pair.
func MonoToStereo(pcm []byte) []byte {
	n := len(pcm) / BytesPerSample
	out := make([]byte, n*4)
	for i := range n {
		lo, hi := pcm[i*2], pcm[i*2+1]
		out[i*4] = lo
		out[i*4+1] = hi
		out[i*4+2] = lo
		out[i*4+3] = hi
	}
	return out
}

// StereoToMono averages each L+R pair into one sample.
func StereoToMono(pcm []byte) []byte {
	n := len(pcm) / 4
	out := make([]byte, n*BytesPerSample)
	for i := range n {
		l := int32(int16(pcm[i*4]) | int16(pcm[i*4+1])<<8)
		r := int32(int16(pcm[i*4+2]) | int16(pcm[i*4+3])<<8)
		avg := int16((l + r) / 2)
		out[i*2] = byte(avg)
		out[i*2+1] = byte(avg >> 8)
	}
	return out
}

// ResampleMono16 resamples mono PCM from srcRate to dstRate with linear
// interpolation. Invalid rates or equal rates return pcm unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(pcm) < BytesPerSample {
		return pcm
	}
	srcSamples := len(pcm) / BytesPerSample
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	sample := func(i int) float64 {
		return float64(int16(pcm[i*2]) | int16(pcm[i*2+1])<<8)
	}

	out := make([]byte, dstSamples*BytesPerSample)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range dstSamples {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)

		s0 := sample(idx)
		s1 := s0
		if idx+1 < srcSamples {
			s1 = sample(idx + 1)
		}
		v := int16(s0*(1-frac) + s1*frac)
		out[i*2] = byte(v)
		out[i*2+1] = byte(v >> 8)
	}
	return out
}
