package constants

// Advisory lock ids shared by every process that talks to the same database.
const (
	MigrationLock = iota + 7301
	SchedulerOwnerLock
)

var Locks = []int{
	MigrationLock,
	SchedulerOwnerLock,
}

const (
	MaxRetryAttempt = 3

	// Schema holds every table owned by the service.
	Schema = "tubefire"
)

// Notification topics.
const (
	TopicChannels  = "channels"
	TopicJobs      = "jobs"
	TopicCatalog   = "catalog"
	TopicJobCancel = "jobs.cancel"
)
