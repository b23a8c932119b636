package ports

import "time"

type Policy struct {
	WindowCapacity int `yaml:"window_capacity"`
	ExpectedNodes  int `yaml:"expected_nodes"`

	MaxAttempts    int           `yaml:"max_attempts"`
	BackoffBase    time.Duration `yaml:"backoff_base"`
	BackoffMax     time.Duration `yaml:"backoff_max"`
	BackoffJitter  float64       `yaml:"backoff_jitter"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`

	InboxLen          int   `yaml:"inbox_len"`
	MaxSpoolSizeBytes int64 `yaml:"max_spool_size_bytes"`

	OnInboxFull        string `yaml:"on_inbox_full"`        // "drop", "block"
	OnForwardExhausted string `yaml:"on_forward_exhausted"` // "drop", "spool"
}

// ForwardBound is the longest a single record can spend in the forwarding path.
func (p Policy) ForwardBound() time.Duration {
	wait := time.Duration(float64(p.BackoffMax) * (1 + p.BackoffJitter))
	return time.Duration(p.MaxAttempts) * (p.AttemptTimeout + wait)
}
