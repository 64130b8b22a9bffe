package calib

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// PriorKind selects the physical-space distribution family of a free
// parameter. The set is closed: every transform below switches exhaustively
// over it, so adding a family means extending every switch.
type PriorKind int

const (
	// PriorNormal is an unbounded normal parameter. Transforms are identity.
	PriorNormal PriorKind = iota
	// PriorLogNormal is a strictly positive parameter; log/exp transforms.
	PriorLogNormal
	// PriorConstrainedNormal is a parameter bounded to (Lower, Upper) via a
	// logistic-style bijection of an underlying normal.
	PriorConstrainedNormal
)

func (k PriorKind) String() string {
	switch k {
	case PriorNormal:
		return "normal"
	case PriorLogNormal:
		return "lognormal"
	case PriorConstrainedNormal:
		return "constrained-normal"
	default:
		return fmt.Sprintf("PriorKind(%d)", int(k))
	}
}

// Prior describes the distribution of one scalar free parameter. Mean and Std
// are the moments of the underlying latent normal, not of the physical-space
// distribution. Lower/Upper are meaningful only for PriorConstrainedNormal.
type Prior struct {
	Kind  PriorKind
	Mean  float64 // latent normal mean
	Std   float64 // latent normal standard deviation (must be > 0)
	Lower float64 // lower physical bound (constrained only)
	Upper float64 // upper physical bound (constrained only)
}

// NormalPrior returns an unbounded normal prior.
func NormalPrior(mean, std float64) (Prior, error) {
	if std <= 0 {
		return Prior{}, fmt.Errorf("normal prior: std must be > 0, got %g", std)
	}
	return Prior{Kind: PriorNormal, Mean: mean, Std: std}, nil
}

// LogNormalPrior returns a log-normal prior with latent moments (mu, sigma).
func LogNormalPrior(mu, sigma float64) (Prior, error) {
	if sigma <= 0 {
		return Prior{}, fmt.Errorf("lognormal prior: sigma must be > 0, got %g", sigma)
	}
	return Prior{Kind: PriorLogNormal, Mean: mu, Std: sigma}, nil
}

// ConstrainedNormalPrior returns a prior bounded to the open interval
// (lower, upper).
func ConstrainedNormalPrior(mean, std, lower, upper float64) (Prior, error) {
	if std <= 0 {
		return Prior{}, fmt.Errorf("constrained-normal prior: std must be > 0, got %g", std)
	}
	if !(lower < upper) {
		return Prior{}, fmt.Errorf("constrained-normal prior: bounds must satisfy lower < upper, got [%g, %g]", lower, upper)
	}
	return Prior{Kind: PriorConstrainedNormal, Mean: mean, Std: std, Lower: lower, Upper: upper}, nil
}

// LogNormalWithMeanStd fits a log-normal prior whose physical-space mean and
// standard deviation match the given values, by moment matching:
//
//	k     = std^2/mean^2 + 1
//	mu    = log(mean / sqrt(k))
//	sigma = sqrt(log(k))
func LogNormalWithMeanStd(mean, std float64) (Prior, error) {
	if mean <= 0 {
		return Prior{}, fmt.Errorf("lognormal moment fit: mean must be > 0, got %g", mean)
	}
	if std <= 0 {
		return Prior{}, fmt.Errorf("lognormal moment fit: std must be > 0, got %g", std)
	}
	k := std*std/(mean*mean) + 1
	return LogNormalPrior(math.Log(mean/math.Sqrt(k)), math.Sqrt(math.Log(k)))
}

// ConvertPrior maps any prior to the unbounded normal with the same latent
// moments. The inversion operates entirely in this unconstrained space; the
// physical-space bounding is absorbed into the per-prior transforms.
func ConvertPrior(p Prior) Prior {
	return Prior{Kind: PriorNormal, Mean: p.Mean, Std: p.Std}
}

// ForwardTransform maps a physical-space value into unconstrained space.
// Inputs outside the prior's physical domain are a domain-validity error,
// never silently coerced.
func ForwardTransform(p Prior, value float64) (float64, error) {
	switch p.Kind {
	case PriorNormal:
		return value, nil
	case PriorLogNormal:
		if value <= 0 {
			return 0, fmt.Errorf("lognormal forward transform: value must be > 0, got %g", value)
		}
		return math.Log(value), nil
	case PriorConstrainedNormal:
		if !(value > p.Lower && value < p.Upper) {
			return 0, fmt.Errorf("constrained forward transform: value %g outside open interval (%g, %g)", value, p.Lower, p.Upper)
		}
		return math.Log((p.Upper - value) / (value - p.Lower)), nil
	default:
		return 0, fmt.Errorf("forward transform: unknown prior kind %v", p.Kind)
	}
}

// InverseTransform maps an unconstrained value back into physical space.
// For constrained priors the output saturates strictly inside
// (Lower, Upper) for any finite input; for log-normal priors it is > 0.
func InverseTransform(p Prior, value float64) (float64, error) {
	switch p.Kind {
	case PriorNormal:
		return value, nil
	case PriorLogNormal:
		return math.Exp(value), nil
	case PriorConstrainedNormal:
		return p.Lower + (p.Upper-p.Lower)/(1+math.Exp(value)), nil
	default:
		return 0, fmt.Errorf("inverse transform: unknown prior kind %v", p.Kind)
	}
}

// inverseJacobian returns d(inverse transform)/d(unconstrained value) at the
// given unconstrained point, the diagonal entry of the change-of-variables
// matrix used by InverseCovarianceTransform.
func inverseJacobian(p Prior, value float64) (float64, error) {
	switch p.Kind {
	case PriorNormal:
		return 1, nil
	case PriorLogNormal:
		return math.Exp(value), nil
	case PriorConstrainedNormal:
		e := math.Exp(value)
		return -(p.Upper - p.Lower) * e / ((1 + e) * (1 + e)), nil
	default:
		return 0, fmt.Errorf("covariance transform: unknown prior kind %v", p.Kind)
	}
}

// InverseCovarianceTransform propagates an unconstrained-space covariance
// matrix into physical space by the Jacobian change of variables D*C*D^T,
// where D is the diagonal matrix of per-dimension inverse-transform
// derivatives evaluated at params. Mixed prior kinds per dimension are
// allowed. A symmetric input yields a symmetric output.
func InverseCovarianceTransform(priors []Prior, params []float64, cov mat.Matrix) (*mat.Dense, error) {
	n := len(priors)
	if len(params) != n {
		return nil, fmt.Errorf("covariance transform: %d priors but %d parameters", n, len(params))
	}
	r, c := cov.Dims()
	if r != n || c != n {
		return nil, fmt.Errorf("covariance transform: covariance is %dx%d, want %dx%d", r, c, n, n)
	}
	diag := make([]float64, n)
	for i, p := range priors {
		d, err := inverseJacobian(p, params[i])
		if err != nil {
			return nil, err
		}
		diag[i] = d
	}
	out := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			out.Set(i, j, diag[i]*cov.At(i, j)*diag[j])
		}
	}
	return out, nil
}
