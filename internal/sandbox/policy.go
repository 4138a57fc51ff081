package sandbox

import "time"

// Policy defines limits and timing for sandbox execution.
type Policy struct {
	HomeDir string // Virtual home directory inside each environment

	// MaxExecutionSteps bounds interpreter steps per run. Zero means
	// unlimited; runs are never cancelled mid-flight otherwise.
	MaxExecutionSteps uint64

	MaxInputFiles int
	MaxInputBytes int64

	// Bounded wait for a ready environment.
	ReadyPollInterval time.Duration
	ReadyPollAttempts uint64

	// Bootstrap retries before the manager gives up and enters Failed.
	BootstrapRetries uint64
	BootstrapBackoff time.Duration

	// Packages bootstrapped into every environment.
	Preload []string
}

// DefaultPolicy returns safe defaults for code execution.
func DefaultPolicy() Policy {
	return Policy{
		HomeDir:           "/home/sandbox",
		MaxExecutionSteps: 0,
		MaxInputFiles:     64,
		MaxInputBytes:     32 << 20,
		ReadyPollInterval: 100 * time.Millisecond,
		ReadyPollAttempts: 50,
		BootstrapRetries:  2,
		BootstrapBackoff:  200 * time.Millisecond,
		Preload:           []string{"csv", "plot"},
	}
}

// IsPreloaded checks if a package is bootstrapped eagerly.
func (p Policy) IsPreloaded(name string) bool {
	for _, n := range p.Preload {
		if n == name {
			return true
		}
	}
	return false
}
