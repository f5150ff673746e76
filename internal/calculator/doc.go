// Package calculator runs activated calculator plugins.
//
// A Layer turns a started plugin into an Instance bound to a render target.
// Each Instance serializes its calculations single-flight: a new Calculate
// cancels the one still running, whose caller receives
// ErrCalculationSuperseded. Validation and computation each run under their
// own deadline and report TimeoutError when it passes, whether or not the
// plugin honours cancellation.
//
// Instances keep rolling metrics and report every finished calculation to
// the plugin manager's statistics, the audit sink and a trace span.
package calculator
