package stream

import (
	"fmt"
	"strings"
	"sync"
)

// Global topics. Entity topics are built with JobTopic, InstanceTopic and
// QueueTopic.
const (
	TopicJobs      = "jobs"
	TopicWorkflows = "workflows"
	TopicOutcomes  = "outcomes"
	TopicFirehose  = "firehose"
)

// JobTopic carries the job's own events and the outcome recorded for it.
func JobTopic(jobID string) string { return "job:" + jobID }

// InstanceTopic carries a workflow instance's run events and its outcome.
func InstanceTopic(instanceID string) string { return "instance:" + instanceID }

// QueueTopic carries job events for one queue.
func QueueTopic(queue string) string { return "queue:" + queue }

// ValidateTopic reports whether topic is a global topic or a well-formed
// entity topic.
func ValidateTopic(topic string) error {
	switch topic {
	case TopicJobs, TopicWorkflows, TopicOutcomes, TopicFirehose:
		return nil
	}
	kind, ident, ok := strings.Cut(topic, ":")
	if !ok || ident == "" {
		return fmt.Errorf("stream: invalid topic %q", topic)
	}
	switch kind {
	case "job", "instance", "queue":
		return nil
	}
	return fmt.Errorf("stream: unknown topic kind %q", kind)
}

// topicSet maps topics to their subscribers. Safe for concurrent use.
type topicSet struct {
	mu     sync.RWMutex
	topics map[string]map[string]*Subscriber
}

func newTopicSet() *topicSet {
	return &topicSet{topics: make(map[string]map[string]*Subscriber)}
}

func (ts *topicSet) add(topic string, sub *Subscriber) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	subs, ok := ts.topics[topic]
	if !ok {
		subs = make(map[string]*Subscriber)
		ts.topics[topic] = subs
	}
	subs[sub.ID()] = sub
}

func (ts *topicSet) remove(topic, subID string) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.removeLocked(topic, subID)
}

func (ts *topicSet) removeAll(subID string) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	for topic := range ts.topics {
		ts.removeLocked(topic, subID)
	}
}

func (ts *topicSet) removeLocked(topic, subID string) {
	subs, ok := ts.topics[topic]
	if !ok {
		return
	}
	delete(subs, subID)
	if len(subs) == 0 {
		delete(ts.topics, topic)
	}
}

// broadcast delivers evt once to every subscriber of any of topics and
// returns how many deliveries succeeded and how many were dropped.
func (ts *topicSet) broadcast(topics []string, evt *Event) (sent, missed int) {
	ts.mu.RLock()
	targets := make(map[string]*Subscriber)
	for _, topic := range topics {
		for subID, sub := range ts.topics[topic] {
			targets[subID] = sub
		}
	}
	ts.mu.RUnlock()

	for _, sub := range targets {
		switch sub.send(evt) {
		case delivered:
			sent++
		case dropped:
			missed++
		}
	}
	return sent, missed
}

func (ts *topicSet) len() int {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return len(ts.topics)
}

func (ts *topicSet) subscribers(topic string) int {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return len(ts.topics[topic])
}
