// Package gojob runs provisioning task jobs on go-job queues and workers.
package gojob

import (
	"maps"
	"strings"

	job "github.com/goliatone/go-job"
	"github.com/goliatone/go-job/queue"

	"github.com/goliatone/go-provisioning/core"
	"github.com/goliatone/go-provisioning/task"
)

const JobIDExecuteTask = task.JobIDExecuteTask

// ToExecutionMessage converts a task job message for a go-job queue.
func ToExecutionMessage(msg *core.JobExecutionMessage) *job.ExecutionMessage {
	if msg == nil {
		return nil
	}
	out := &job.ExecutionMessage{
		JobID:          strings.TrimSpace(msg.JobID),
		ScriptPath:     strings.TrimSpace(msg.ScriptPath),
		IdempotencyKey: strings.TrimSpace(msg.IdempotencyKey),
		DedupPolicy:    job.DeduplicationPolicy(strings.TrimSpace(msg.DedupPolicy)),
	}
	out.Parameters = cloneParameters(msg.Parameters)
	return out
}

// FromExecutionMessage is the inverse of ToExecutionMessage.
func FromExecutionMessage(msg *job.ExecutionMessage) *core.JobExecutionMessage {
	if msg == nil {
		return nil
	}
	out := &core.JobExecutionMessage{
		JobID:          strings.TrimSpace(msg.JobID),
		ScriptPath:     strings.TrimSpace(msg.ScriptPath),
		IdempotencyKey: strings.TrimSpace(msg.IdempotencyKey),
		DedupPolicy:    strings.TrimSpace(string(msg.DedupPolicy)),
	}
	out.Parameters = cloneParameters(msg.Parameters)
	return out
}

func ToNackOptions(opts core.JobNackOptions) queue.NackOptions {
	return queue.NackOptions{Delay: opts.Delay, Requeue: opts.Requeue, DeadLetter: opts.DeadLetter, Reason: opts.Reason}
}

func FromNackOptions(opts queue.NackOptions) core.JobNackOptions {
	return core.JobNackOptions{Delay: opts.Delay, Requeue: opts.Requeue, DeadLetter: opts.DeadLetter, Reason: opts.Reason}
}

func taskKeyOf(msg *core.JobExecutionMessage) string {
	if msg == nil {
		return ""
	}
	key, _ := msg.Parameters["task_key"].(string)
	return key
}

func cloneParameters(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	maps.Copy(out, in)
	return out
}
