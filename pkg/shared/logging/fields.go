// Package logging provides a small structured-field builder that feeds
// logrus.Fields without every call site hand-assembling a map literal.
package logging

import (
	"time"

	"github.com/sirupsen/logrus"
)

// Fields is a chainable map[string]any builder. Every method returns the
// same map so calls compose: NewFields().Component("x").Operation("y").
type Fields map[string]any

func NewFields() Fields {
	return Fields{}
}

func (f Fields) Component(name string) Fields {
	f["component"] = name
	return f
}

func (f Fields) Operation(name string) Fields {
	f["operation"] = name
	return f
}

func (f Fields) Resource(resourceType, name string) Fields {
	f["resource_type"] = resourceType
	if name != "" {
		f["resource_name"] = name
	}
	return f
}

func (f Fields) Duration(d time.Duration) Fields {
	f["duration_ms"] = d.Milliseconds()
	return f
}

func (f Fields) Error(err error) Fields {
	if err != nil {
		f["error"] = err.Error()
	}
	return f
}

func (f Fields) UserID(id string) Fields {
	if id != "" {
		f["user_id"] = id
	}
	return f
}

func (f Fields) RequestID(id string) Fields {
	f["request_id"] = id
	return f
}

func (f Fields) TraceID(id string) Fields {
	f["trace_id"] = id
	return f
}

func (f Fields) StatusCode(code int) Fields {
	f["status_code"] = code
	return f
}

func (f Fields) Method(method string) Fields {
	f["method"] = method
	return f
}

func (f Fields) URL(url string) Fields {
	f["url"] = url
	return f
}

func (f Fields) Count(n int) Fields {
	f["count"] = n
	return f
}

func (f Fields) Size(bytes int64) Fields {
	f["size_bytes"] = bytes
	return f
}

func (f Fields) Version(v string) Fields {
	f["version"] = v
	return f
}

func (f Fields) Custom(key string, value any) Fields {
	f[key] = value
	return f
}

// Domain-specific builders for the concurrent pipeline core.

func (f Fields) Fingerprint(fp string) Fields {
	f["fingerprint"] = fp
	return f
}

func (f Fields) Service(name string) Fields {
	f["service"] = name
	return f
}

func (f Fields) Shard(id int) Fields {
	f["shard"] = id
	return f
}

func (f Fields) BatchID(id string) Fields {
	f["batch_id"] = id
	return f
}

func (f Fields) Position(pos uint32) Fields {
	f["position"] = pos
	return f
}

func (f Fields) Attempt(n uint16) Fields {
	f["attempt"] = n
	return f
}

func (f Fields) Stage(stage int) Fields {
	f["stage"] = stage
	return f
}

// ToLogrus converts Fields to logrus.Fields for use with WithFields.
func (f Fields) ToLogrus() logrus.Fields {
	return logrus.Fields(f)
}

// DatabaseFields is a shorthand for the fields a database operation log
// line typically carries.
func DatabaseFields(operation, table string) Fields {
	return NewFields().Component("database").Operation(operation).Resource("table", table)
}

// HTTPFields is a shorthand for an outbound or inbound HTTP call log line.
func HTTPFields(method, url string, statusCode int) Fields {
	return NewFields().Component("http").Method(method).URL(url).StatusCode(statusCode)
}

// WorkflowFields is a shorthand for a workflow-style operation log line.
func WorkflowFields(operation, workflowID string) Fields {
	return NewFields().Component("workflow").Operation(operation).Resource("workflow", workflowID)
}

// RateLimiterFields is a shorthand for a rate-limiter decision log line.
func RateLimiterFields(key string, shard int, allowed bool) Fields {
	return NewFields().Component("ratelimit").Custom("key", key).Shard(shard).Custom("allowed", allowed)
}

// BreakerFields is a shorthand for a circuit-breaker transition log line.
func BreakerFields(service string, state string) Fields {
	return NewFields().Component("breaker").Service(service).Custom("state", state)
}

// PipelineFields is a shorthand for a two-stage executor log line.
func PipelineFields(batchID string, position uint32, stage int) Fields {
	return NewFields().Component("pipeline").BatchID(batchID).Position(position).Stage(stage)
}
