package handler

import "strings"

// Queue topic prefixes distinguishing workflow-resume deliveries from
// step-invocation deliveries (spec.md §4.G, §4.H).
const (
	WorkflowTopicPrefix = "__wkf_workflow_"
	StepTopicPrefix     = "__wkf_step_"
)

// WorkflowTopic returns the topic a workflow named workflowName is resumed
// on.
func WorkflowTopic(workflowName string) string { return WorkflowTopicPrefix + workflowName }

// StepTopic returns the topic a step registered as stepID is invoked on.
func StepTopic(stepID string) string { return StepTopicPrefix + stepID }

// workflowNameFromTopic recovers the workflow name a delivery's topic
// authoritatively names (spec.md §4.G: "the workflow name in the topic
// authoritatively selects which top-level function to call").
func workflowNameFromTopic(topic string) string {
	return strings.TrimPrefix(topic, WorkflowTopicPrefix)
}

// stepIDFromTopic recovers the step id a delivery's topic names.
func stepIDFromTopic(topic string) string {
	return strings.TrimPrefix(topic, StepTopicPrefix)
}
