package otel

const (
	Prefix                        = "bpmn-"
	AttributeProcessInstanceKey   = Prefix + "instance-key"
	AttributeProcessId            = Prefix + "process-id"
	AttributeProcessDefinitionKey = Prefix + "definition-key"
	AttributeElementId            = Prefix + "element-id"
	AttributeExecutionKey         = Prefix + "execution-key"
	AttributeJobKey               = Prefix + "job-key"
	AttributeJobHandler           = Prefix + "job-handler"
	AttributeBatchKey             = Prefix + "batch-key"

	AttributeSourceDefinitionKey = Prefix + "migration-source-definition-key"
	AttributeTargetDefinitionKey = Prefix + "migration-target-definition-key"
	AttributeInstanceCount       = Prefix + "migration-instance-count"
	AttributeAsync               = Prefix + "migration-async"
)
