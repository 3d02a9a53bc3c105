package board

import "fmt"

// Redis key pattern helpers
//
// Every key and channel is namespaced so several atelier clients can share
// one Redis server.
//
// Key pattern: atelier:{namespace}:workshop:{workshop_id}:{entity}
// Channel pattern: atelier:{namespace}:workshop:{workshop_id}:state_events

// StateKey returns the Redis key of the workshop state summary hash.
// Pattern: atelier:{namespace}:workshop:{workshop_id}:state
func StateKey(namespace, workshopID string) string {
	return fmt.Sprintf("atelier:%s:workshop:%s:state", namespace, workshopID)
}

// AgentsKey returns the Redis key of the agent progress hash.
// Pattern: atelier:{namespace}:workshop:{workshop_id}:agents
func AgentsKey(namespace, workshopID string) string {
	return fmt.Sprintf("atelier:%s:workshop:%s:agents", namespace, workshopID)
}

// IdeasKey returns the Redis key of the idea hash (idea id -> idea JSON).
// Pattern: atelier:{namespace}:workshop:{workshop_id}:ideas
func IdeasKey(namespace, workshopID string) string {
	return fmt.Sprintf("atelier:%s:workshop:%s:ideas", namespace, workshopID)
}

// StateEventsChannel returns the Pub/Sub channel carrying full state snapshots.
// Pattern: atelier:{namespace}:workshop:{workshop_id}:state_events
func StateEventsChannel(namespace, workshopID string) string {
	return fmt.Sprintf("atelier:%s:workshop:%s:state_events", namespace, workshopID)
}
