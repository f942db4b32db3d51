package audio

import (
	"fmt"

	"github.com/asticode/go-astiav"
)

// Resampler converts 16-bit mono PCM between sample rates. Implementations
// are not safe for concurrent use; the engine creates one per direction.
type Resampler interface {
	// Process converts one buffer of interleaved S16 samples and returns the
	// converted samples.
	Process(pcm []byte) ([]byte, error)
	// Free releases any native resources held by the resampler.
	Free()
}

// ResamplerFactory builds a Resampler for the given rate pair. It is a
// configuration hook so tests can substitute a pure-Go implementation.
type ResamplerFactory func(inRate, outRate int) (Resampler, error)

// swrResampler converts mono S16 PCM through FFmpeg's software resampler.
type swrResampler struct {
	ctx      *astiav.SoftwareResampleContext
	inFrame  *astiav.Frame
	outFrame *astiav.Frame
	inRate   int
	outRate  int
}

// NewResampler creates a Resampler backed by FFmpeg's software resample
// context. Both rates must be positive.
func NewResampler(inRate, outRate int) (Resampler, error) {
	if inRate <= 0 {
		return nil, fmt.Errorf("audio: invalid input sample rate %d", inRate)
	}
	if outRate <= 0 {
		return nil, fmt.Errorf("audio: invalid output sample rate %d", outRate)
	}

	r := &swrResampler{inRate: inRate, outRate: outRate}

	r.ctx = astiav.AllocSoftwareResampleContext()
	if r.ctx == nil {
		return nil, fmt.Errorf("audio: allocating resample context failed")
	}
	r.inFrame = astiav.AllocFrame()
	r.outFrame = astiav.AllocFrame()
	if r.inFrame == nil || r.outFrame == nil {
		r.Free()
		return nil, fmt.Errorf("audio: allocating resample frames failed")
	}

	return r, nil
}

func (r *swrResampler) Free() {
	if r.ctx != nil {
		r.ctx.Free()
		r.ctx = nil
	}
	if r.inFrame != nil {
		r.inFrame.Free()
		r.inFrame = nil
	}
	if r.outFrame != nil {
		r.outFrame.Free()
		r.outFrame = nil
	}
}

func (r *swrResampler) Process(pcm []byte) ([]byte, error) {
	const align = 0

	numSamples := len(pcm) / 2
	if numSamples == 0 {
		return nil, fmt.Errorf("audio: resample input too small (%d bytes)", len(pcm))
	}

	r.inFrame.Unref()
	r.outFrame.Unref()

	r.inFrame.SetChannelLayout(astiav.ChannelLayoutMono)
	r.inFrame.SetSampleFormat(astiav.SampleFormatS16)
	r.inFrame.SetSampleRate(r.inRate)
	r.inFrame.SetNbSamples(numSamples)

	r.outFrame.SetChannelLayout(astiav.ChannelLayoutMono)
	r.outFrame.SetSampleFormat(astiav.SampleFormatS16)
	r.outFrame.SetSampleRate(r.outRate)

	outSamples := numSamples * r.outRate / r.inRate
	if outSamples == 0 {
		outSamples = 1
	}
	r.outFrame.SetNbSamples(outSamples)

	if err := r.inFrame.AllocBuffer(align); err != nil {
		return nil, fmt.Errorf("audio: allocating input buffer failed: %w", err)
	}
	if err := r.outFrame.AllocBuffer(align); err != nil {
		return nil, fmt.Errorf("audio: allocating output buffer failed: %w", err)
	}
	if err := r.inFrame.MakeWritable(); err != nil {
		return nil, fmt.Errorf("audio: making input frame writable failed: %w", err)
	}

	// FFmpeg may require an aligned buffer larger than the raw sample data.
	bufSize, err := r.inFrame.SamplesBufferSize(align)
	if err != nil {
		return nil, fmt.Errorf("audio: querying buffer size failed: %w", err)
	}
	in := pcm
	if len(in) < bufSize {
		in = make([]byte, bufSize)
		copy(in, pcm)
	}
	if err := r.inFrame.Data().SetBytes(in[:bufSize], align); err != nil {
		return nil, fmt.Errorf("audio: setting input data failed: %w", err)
	}

	if err := r.ctx.ConvertFrame(r.inFrame, r.outFrame); err != nil {
		return nil, fmt.Errorf("audio: resampling failed: %w", err)
	}

	out, err := r.outFrame.Data().Bytes(align)
	if err != nil {
		return nil, fmt.Errorf("audio: reading output data failed: %w", err)
	}
	return out, nil
}
