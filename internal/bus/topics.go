package bus

// Topic names published by the daemon. External clients subscribe to these
// over IPC; patterns like "session.*" match every topic under a prefix.
const (
	TopicSessionCreated   = "session.created"
	TopicSessionUpdated   = "session.updated"
	TopicSessionDeleted   = "session.deleted"
	TopicSessionRecovered = "session.recovered"

	TopicPoolChanged = "pool.changed"
	TopicPoolTimeout = "pool.timeout"

	TopicWorkflowStarted   = "workflow.started"
	TopicWorkflowStage     = "workflow.stage"
	TopicWorkflowCompleted = "workflow.completed"
	TopicWorkflowPaused    = "workflow.paused"
	TopicWorkflowResumed   = "workflow.resumed"

	TopicTaskFailed      = "task.failed"
	TopicTaskFailedFinal = "task.failedFinal"

	TopicProcessStarted = "process.started"
	TopicProcessExited  = "process.exited"
	TopicProcessStuck   = "process.stuck"

	TopicStoreChanged = "store.changed"

	TopicNodeStart    = "node_start"
	TopicNodeComplete = "node_complete"
	TopicNodeError    = "node_error"
	TopicBreakpoint   = "breakpoint"
	TopicStep         = "step"
	TopicPortValue    = "port_value"

	TopicLogLine     = "log.line"
	TopicPromptReady = "prompt.ready"
)
