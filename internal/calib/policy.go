package calib

// Algorithm names a pixel rejection method understood by the engine.
type Algorithm string

const (
	PercentileClip      Algorithm = "PercentileClip"
	WinsorizedSigmaClip Algorithm = "WinsorizedSigmaClipping"
	LinearFitClip       Algorithm = "LinearFit"
)

// Normalization is the image normalization used while integrating.
type Normalization string

const (
	NormalizationNone           Normalization = "NoNormalization"
	NormalizationMultiplicative Normalization = "Multiplicative"
)

// RejectionNormalization is the normalization applied before rejection.
type RejectionNormalization string

const (
	RejectionNormalizationNone RejectionNormalization = "NoRejectionNormalization"
	RejectionNormalizationFlux RejectionNormalization = "EqualizeFluxes"
)

// Rejection is a complete integration policy for one stack.
type Rejection struct {
	Algorithm              Algorithm              `json:"algorithm"`
	Low                    float64                `json:"low"`
	High                   float64                `json:"high"`
	Cutoff                 float64                `json:"cutoff,omitempty"`
	ClipLow                bool                   `json:"clipLow"`
	ClipHigh               bool                   `json:"clipHigh"`
	Normalization          Normalization          `json:"normalization"`
	RejectionNormalization RejectionNormalization `json:"rejectionNormalization"`
}

// Flat stack size thresholds.
const (
	smallStackMax  = 5
	mediumStackMax = 15
)

// SelectRejection picks the integration policy for n frames.
func SelectRejection(n int, isDark bool) Rejection {
	if isDark {
		return Rejection{
			Algorithm:              WinsorizedSigmaClip,
			Low:                    5.0,
			High:                   5.0,
			Cutoff:                 5.0,
			ClipLow:                true,
			ClipHigh:               true,
			Normalization:          NormalizationNone,
			RejectionNormalization: RejectionNormalizationNone,
		}
	}

	r := Rejection{
		Normalization:          NormalizationMultiplicative,
		RejectionNormalization: RejectionNormalizationFlux,
	}
	switch {
	case n <= smallStackMax:
		r.Algorithm = PercentileClip
		r.Low, r.High = 0.20, 0.10
		r.ClipLow, r.ClipHigh = true, true
	case n <= mediumStackMax:
		r.Algorithm = WinsorizedSigmaClip
		r.Low, r.High, r.Cutoff = 4.0, 3.0, 5.0
		r.ClipLow, r.ClipHigh = true, true
	default:
		r.Algorithm = LinearFitClip
		r.Low, r.High = 5.0, 4.0
		r.ClipLow, r.ClipHigh = true, true
	}
	return r
}
