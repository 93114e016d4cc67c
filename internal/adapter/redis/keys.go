package redis

const (
	presenceKey  = "presence:active"
	locationsKey = "proximity:locations"

	jobDefinitionsKey = "jobs:definitions"
	jobScheduleKey    = "jobs:schedule"
	jobRetryKey       = "jobs:retry"
	jobReadyStream    = "jobs:ready"
	jobConsumerGroup  = "workers"

	leaderKey = "scheduler:leader"

	fanoutChannel = "fanout:events"
)
