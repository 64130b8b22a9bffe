// Package calib implements ensemble and unscented Kalman inversion as a
// calibration loop for simulation parameters.
//
// # Reading Guide
//
// Start with these three files to understand the inversion core:
//   - priors.go: prior variants and the constrained/unconstrained transforms
//   - inversion.go: run state, construction of both variants, and Iterate
//   - summary.go: per-iteration ensemble snapshots and error metrics
//
// # Architecture
//
// The calib package defines the driver and the collaborator contracts;
// implementations live in sub-packages:
//   - calib/process/: ensemble-process update mathematics (EKI, UKI)
//   - calib/loss/: scenario-batch discrepancy scoring
//
// The inversion operates entirely in unconstrained parameter space. Each
// prior defines a bijection between its physical domain and the real line;
// the forward-map closure maps ensemble columns back to physical space
// before every simulation call.
//
// # Key Interfaces
//
// The extension points are small interfaces:
//   - InverseProblem: free parameters, observations, and the batch forward map
//   - process.Process: current ensemble and the Kalman update step
//   - loss.Simulation: forward-run initialization, time stepping, field columns
package calib
