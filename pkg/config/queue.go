package config

// QueueConfig configures the Queue Fabric (spec.md §4.4).
type QueueConfig struct {
	// WorkerQueues lists the shared named background-worker queues this
	// process consumes (e.g. "mapper", "runner", "forms").
	WorkerQueues []string `yaml:"worker_queues,omitempty"`

	// WorkerConcurrency is the pool size per worker queue.
	WorkerConcurrency int `yaml:"worker_concurrency,omitempty"`

	// PollInterval is how often an idle worker re-polls its queues.
	PollInterval string `yaml:"poll_interval,omitempty"`
}

// SetDefaults applies default values to QueueConfig.
func (c *QueueConfig) SetDefaults() {
	if len(c.WorkerQueues) == 0 {
		c.WorkerQueues = []string{"mapper", "runner", "forms", "logs"}
	}
	if c.WorkerConcurrency == 0 {
		c.WorkerConcurrency = 4
	}
	if c.PollInterval == "" {
		c.PollInterval = "250ms"
	}
}

// Validate is a no-op: every field has a safe zero-value default.
func (c *QueueConfig) Validate() error {
	return nil
}
