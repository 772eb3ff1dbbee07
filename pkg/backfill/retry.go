package backfill

import (
	"time"
)

type BackoffType string

const (
	BackoffFibonacci   BackoffType = "fibonacci"
	BackoffExponential BackoffType = "exponential"
	BackoffLinear      BackoffType = "linear"
)

// RetryPolicy bounds retries of one source API call.
type RetryPolicy struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries   int
	BackoffType  BackoffType
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:   3,
		BackoffType:  BackoffFibonacci,
		InitialDelay: time.Second,
		MaxDelay:     60 * time.Second,
	}
}

// CalculateBackoff returns the delay before retry number attempt (1-based).
func CalculateBackoff(policy RetryPolicy, attempt int) time.Duration {
	initial := policy.InitialDelay
	if initial <= 0 {
		initial = time.Second
	}

	var delay time.Duration
	switch policy.BackoffType {
	case BackoffExponential:
		delay = exponentialBackoff(initial, attempt)
	case BackoffLinear:
		delay = linearBackoff(initial, attempt)
	default:
		delay = fibonacciBackoff(initial, attempt)
	}

	if policy.MaxDelay > 0 && delay > policy.MaxDelay {
		delay = policy.MaxDelay
	}
	return delay
}

// fibonacciBackoff: 1, 1, 2, 3, 5, 8... times initial
func fibonacciBackoff(initial time.Duration, attempt int) time.Duration {
	if attempt <= 1 {
		return initial
	}
	a, b := 1, 1
	for i := 2; i < attempt; i++ {
		a, b = b, a+b
	}
	return initial * time.Duration(b)
}

func exponentialBackoff(initial time.Duration, attempt int) time.Duration {
	multiplier := time.Duration(1)
	for i := 1; i < attempt && multiplier < 1<<20; i++ {
		multiplier *= 2
	}
	return initial * multiplier
}

func linearBackoff(initial time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return initial * time.Duration(attempt)
}
