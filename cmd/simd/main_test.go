package main

import (
	"errors"
	"testing"
)

func TestExitCodeForCancelledError(t *testing.T) {
	err := &cancelledError{cause: errors.New("cancelled by interrupt")}
	if got := exitCodeFor(err); got != exitCancelled {
		t.Fatalf("expected exit code %d, got %d", exitCancelled, got)
	}
}

func TestExitCodeForConfigError(t *testing.T) {
	err := &configError{cause: errors.New("listen: address already in use")}
	if got := exitCodeFor(err); got != exitConfigError {
		t.Fatalf("expected exit code %d, got %d", exitConfigError, got)
	}
}

func TestExitCodeForGenericErrorIsRuntimeError(t *testing.T) {
	err := errors.New("unexpected failure")
	if got := exitCodeFor(err); got != exitRuntimeError {
		t.Fatalf("expected exit code %d, got %d", exitRuntimeError, got)
	}
}

func TestGetEnvFallsBackWhenUnset(t *testing.T) {
	t.Setenv("SIMD_TEST_VAR", "")
	if got := getEnv("SIMD_TEST_VAR", "fallback"); got != "fallback" {
		t.Fatalf("expected fallback value, got %q", got)
	}
}

func TestGetEnvUsesSetValue(t *testing.T) {
	t.Setenv("SIMD_TEST_VAR", "explicit")
	if got := getEnv("SIMD_TEST_VAR", "fallback"); got != "explicit" {
		t.Fatalf("expected explicit value, got %q", got)
	}
}
