package actions

import "time"

// RetryConfig bounds transient-error retries for one action invocation
type RetryConfig struct {
	MaxRetries   int    `json:"max_retries"`
	BackoffType  string `json:"backoff_type"` // fibonacci, exponential, linear
	InitialDelay int    `json:"initial_delay"` // milliseconds
	MaxDelay     int    `json:"max_delay"`     // milliseconds
}

// DefaultRetryConfig returns the default retry behavior for actions
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:   3,
		BackoffType:  "fibonacci",
		InitialDelay: 1000,
		MaxDelay:     60000,
	}
}

// CalculateBackoff calculates the backoff delay for a retry
func CalculateBackoff(retry RetryConfig, attempt int) time.Duration {
	var delayMs int
	switch retry.BackoffType {
	case "exponential":
		delayMs = exponentialBackoff(retry.InitialDelay, attempt)
	case "linear":
		delayMs = linearBackoff(retry.InitialDelay, attempt)
	default:
		delayMs = fibonacciBackoff(retry.InitialDelay, attempt)
	}

	if retry.MaxDelay > 0 && delayMs > retry.MaxDelay {
		delayMs = retry.MaxDelay
	}

	return time.Duration(delayMs) * time.Millisecond
}

// fibonacciBackoff calculates Fibonacci backoff delay
func fibonacciBackoff(initial int, attempt int) int {
	if attempt <= 1 {
		return initial
	}
	// Fibonacci sequence: 1, 1, 2, 3, 5, 8, 13, 21...
	a, b := 1, 1
	for i := 2; i < attempt; i++ {
		a, b = b, a+b
	}
	return initial * b
}

func exponentialBackoff(initial int, attempt int) int {
	multiplier := 1
	for i := 1; i < attempt; i++ {
		multiplier *= 2
	}
	return initial * multiplier
}

func linearBackoff(initial int, attempt int) int {
	return initial * attempt
}
