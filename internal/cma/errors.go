package cma

import "fmt"

// ConfigError reports an invalid parameter at construction or
// initialization. It is unrecoverable locally: the caller must fix the
// configuration and retry.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return "cma config error: " + e.Field + " " + e.Reason
}

// DegeneracyError reports that the covariance matrix could no longer be
// eigendecomposed, typically after accumulated floating-point drift pushed
// it away from positive semi-definiteness. The update step that produced it
// left the run state unmutated; whether to abort or restart with a fresh
// covariance is the driver's decision.
type DegeneracyError struct {
	// Dim is the problem dimension N.
	Dim int

	// Cov is a row-major snapshot of the N×N covariance matrix that
	// failed to decompose, kept for diagnostics.
	Cov []float64
}

func (e *DegeneracyError) Error() string {
	return fmt.Sprintf("cma: covariance eigendecomposition failed, matrix is numerically degenerate (dim %d)", e.Dim)
}
