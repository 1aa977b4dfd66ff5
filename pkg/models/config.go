package models

import "time"

// Config - the complete configuration of a migration run
type Config struct {
	// LogLevel - debug, info, warn or error.
	LogLevel string `yaml:"log_level" split_words:"true"`

	// Timeout - the per call timeout for both vaults.
	Timeout time.Duration `yaml:"timeout"`

	// Verify - reveal every created secret and compare it with the source.
	Verify bool `yaml:"verify"`

	Source      Source      `yaml:"source"`
	Destination Destination `yaml:"destination"`
	Retry       Retry       `yaml:"retry"`
	Metrics     Metrics     `yaml:"metrics"`
}

// Retry - bounded retry of transient failures
type Retry struct {
	// Max - the number of retries after the first attempt. 0 disables retry.
	Max int `yaml:"max"`

	// WaitMin - the first backoff interval.
	WaitMin time.Duration `yaml:"wait_min" split_words:"true"`

	// WaitMax - the backoff interval ceiling.
	WaitMax time.Duration `yaml:"wait_max" split_words:"true"`
}

// Metrics - optional export of the run summary
type Metrics struct {
	// PushgatewayURL - when set, run metrics are pushed there at exit.
	PushgatewayURL string `yaml:"pushgateway_url" split_words:"true"`

	// Job - the pushgateway job name.
	Job string `yaml:"job"`
}
