package ratelimit

const (
	// Telegram tolerates roughly one message edit per chat per 3 seconds
	// sustained. The wait queue enforces the hard interval cap, these only
	// bound in-process concurrency.
	UploadConcurrency   = 2
	StatusEditsPerCycle = 18
)
