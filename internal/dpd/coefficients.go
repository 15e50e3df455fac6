package dpd

import (
	"bufio"
	"fmt"
	"io"
)

// numCoefs is the number of AM/AM coefficients, identical to the number
// of AM/PM coefficients, in the odd-poly file format.
const numCoefs = 5

// lutEntries is the number of bins in the lookup-table file format: the
// high 5 bits of the scaled input magnitude select one of 32 entries.
const lutEntries = 32

const (
	fileFormatOddPoly uint32 = 1
	fileFormatLUT     uint32 = 2
)

// dpdType selects which correction apply_coeff/apply_lut uses.
type dpdType int

const (
	dpdNone dpdType = iota
	dpdOddPoly
	dpdLUT
)

// coefficientSet is the immutable result of loading a coefficient file:
// either a pair of 5-term odd-polynomial curves (AM/AM and AM/PM), or a
// 32-bin magnitude-indexed lookup table. A zero-value coefficientSet
// (kind == dpdNone) means DPD is disabled and the stage must pass
// samples through unmodified.
type coefficientSet struct {
	kind dpdType

	coefsAM [numCoefs]float32
	coefsPM [numCoefs]float32

	lutScale   float32
	lut        [lutEntries]complex64
}

// loadCoefficients parses the whitespace-separated ASCII coefficient file
// format (§6 of the spec): a leading format tag selects odd-poly (1) or
// LUT (2). Any other tag disables DPD without being treated as fatal —
// matching the original's "unknown format" log-and-continue behaviour —
// so the caller should fall back to the previously loaded set, or to
// dpdNone, on error only for malformed (as opposed to merely unknown)
// input.
func loadCoefficients(r io.Reader) (coefficientSet, error) {
	br := bufio.NewReader(r)

	var tag uint32
	if _, err := fmt.Fscan(br, &tag); err != nil {
		return coefficientSet{}, fmt.Errorf("dpd: reading format tag: %w", err)
	}

	switch tag {
	case fileFormatOddPoly:
		return loadOddPoly(br)
	case fileFormatLUT:
		return loadLUT(br)
	default:
		return coefficientSet{}, &unknownFormatError{tag: tag}
	}
}

// unknownFormatError distinguishes "unknown tag, disable DPD" from a
// genuinely malformed file of a known tag (§6: the former is not fatal
// to the pipeline, the latter is rejected with the file left unloaded).
type unknownFormatError struct{ tag uint32 }

func (e *unknownFormatError) Error() string {
	return fmt.Sprintf("dpd: coefficient file has unknown format %d", e.tag)
}

func loadOddPoly(br *bufio.Reader) (coefficientSet, error) {
	var n int
	if _, err := fmt.Fscan(br, &n); err != nil {
		return coefficientSet{}, fmt.Errorf("dpd: reading coefficient count: %w", err)
	}
	if n <= 0 {
		return coefficientSet{}, fmt.Errorf("dpd: coefs file has invalid format")
	}
	if n != numCoefs {
		return coefficientSet{}, fmt.Errorf("dpd: invalid number of coefs: %d expected %d", n, numCoefs)
	}

	cs := coefficientSet{kind: dpdOddPoly}
	for i := 0; i < numCoefs; i++ {
		if _, err := fmt.Fscan(br, &cs.coefsAM[i]); err != nil {
			return coefficientSet{}, fmt.Errorf("dpd: coefs file invalid, EOF reached after %d AM coefs", i)
		}
	}
	for i := 0; i < numCoefs; i++ {
		if _, err := fmt.Fscan(br, &cs.coefsPM[i]); err != nil {
			return coefficientSet{}, fmt.Errorf("dpd: coefs file invalid, EOF reached after %d PM coefs", i)
		}
	}
	return cs, nil
}

func loadLUT(br *bufio.Reader) (coefficientSet, error) {
	cs := coefficientSet{kind: dpdLUT}
	if _, err := fmt.Fscan(br, &cs.lutScale); err != nil {
		return coefficientSet{}, fmt.Errorf("dpd: reading LUT scalefactor: %w", err)
	}
	for i := 0; i < lutEntries; i++ {
		var a float32
		if _, err := fmt.Fscan(br, &a); err != nil {
			return coefficientSet{}, fmt.Errorf("dpd: LUT file invalid, EOF reached after %d entries", i)
		}
		// The original format stores a scalar magnitude-correction per
		// bin; the imaginary part is zero (an Open Question left the
		// exact file layout to the loader, resolved here by keeping
		// the original's real-only LUT entries).
		cs.lut[i] = complex(a, 0)
	}
	return cs, nil
}

// nCoefs mirrors the original's "ncoefs" rc parameter: the number of
// AM coefficients for an odd-poly set, or the LUT entry count, or 0 when
// DPD is disabled.
func (cs coefficientSet) nCoefs() int {
	switch cs.kind {
	case dpdOddPoly:
		return len(cs.coefsAM)
	case dpdLUT:
		return len(cs.lut)
	default:
		return 0
	}
}
