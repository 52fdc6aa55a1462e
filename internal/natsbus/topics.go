package natsbus

import "fmt"

// Subject patterns for NATS pub/sub communication.

// QueueWorkers is the queue group remote workers join, so each task is
// delivered to exactly one of them.
const QueueWorkers = "swarm-workers"

func SubjectTasks(capability string) string {
	return fmt.Sprintf("swarm.tasks.%s", capability)
}

func SubjectCancel(workerID string) string {
	return fmt.Sprintf("swarm.cancel.%s", workerID)
}

func TopicEventsRun(runID string) string {
	return fmt.Sprintf("events.swarm.%s", runID)
}

const (
	TopicEventsAll     = "events.>"
	TopicEventsSwarm   = "events.swarm.*"
	TopicEventsWorkers = "events.workers"
)
