package dpd

import (
	"math"

	"github.com/opendigitalradio/dabmod-core/internal/sample"
)

// applyOddPoly corrects in[start:stop] into out using the two 5-term odd
// polynomials, one for amplitude (AM/AM) and one for phase (AM/PM). The
// cosine/sine series constants below must be reproduced exactly as they
// appear here; changing them changes the predistortion curve.
func applyOddPoly(coefsAM, coefsPM *[numCoefs]float32, in sample.Buffer, start, stop int, out sample.Buffer) {
	am := coefsAM
	pm := coefsPM
	for i := start; i < stop; i++ {
		re, im := real(in[i]), imag(in[i])
		magSq := re*re + im*im

		amplitudeCorrection := am[0] + magSq*(am[1]+magSq*(am[2]+magSq*(am[3]+magSq*am[4])))

		phaseCorrection := -1 * (pm[0] + magSq*(pm[1]+magSq*(pm[2]+magSq*(pm[3]+magSq*pm[4]))))
		phaseSq := phaseCorrection * phaseCorrection

		// Polynomial used for cosine: 1 + 0.5 x^2 - 0.486666 x^4 + 0.00138888 x^6
		cosApprox := 1.0 - phaseSq*(-0.5+phaseSq*(0.486666+phaseSq*(-0.00138888)))

		// Approximation for sine: x + 1/6 x^3 + 1/120 x^5
		sinApprox := phaseCorrection * (1.0 + phaseSq*(0.166666+phaseSq*0.00833333))

		corr := complex(cosApprox, sinApprox)
		out[i] = in[i] * complex(amplitudeCorrection, 0) * corr
	}
}

// applyLUT corrects in[start:stop] into out by indexing a 32-bin
// magnitude lookup table. scalefactor maps the input magnitude onto the
// range of a uint32 so that the top 5 bits select a bin.
func applyLUT(lut *[lutEntries]complex64, scalefactor float32, in sample.Buffer, start, stop int, out sample.Buffer) {
	for i := start; i < stop; i++ {
		mag := cabs(in[i])
		scaled := uint32(mag*scalefactor + 0.5)
		ix := scaled >> 27
		out[i] = in[i] * lut[ix]
	}
}

func cabs(x complex64) float32 {
	return float32(math.Hypot(float64(real(x)), float64(imag(x))))
}
