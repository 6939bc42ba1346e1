// Package namespace builds the topic and key names shared by the MQTT,
// Valkey and Kafka sinks. Every name starts with the configured namespace,
// followed by the sink's selector when one is set.
package namespace

import "strings"

// Builder builds names under one namespace and selector.
type Builder struct {
	namespace string
	selector  string
}

// New creates a builder. An empty selector is omitted from every name.
func New(namespace, selector string) *Builder {
	return &Builder{namespace: namespace, selector: selector}
}

// Join joins segments with sep, trimming sep from each segment and skipping
// empty ones.
func Join(sep string, segments ...string) string {
	parts := make([]string, 0, len(segments))
	for _, s := range segments {
		s = strings.Trim(s, sep)
		if s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, sep)
}

func (b *Builder) base(sep string, rest ...string) string {
	return Join(sep, append([]string{b.namespace, b.selector}, rest...)...)
}

// MQTT topics, separated by '/'.

// MQTTBase returns {ns}[/{sel}].
func (b *Builder) MQTTBase() string { return b.base("/") }

// MQTTTagTopic returns {ns}[/{sel}]/{plc}/tags/{tag}.
func (b *Builder) MQTTTagTopic(plc, tag string) string {
	return b.base("/", plc, "tags", tag)
}

// MQTTWriteTopic returns {ns}[/{sel}]/{plc}/write.
func (b *Builder) MQTTWriteTopic(plc string) string {
	return b.base("/", plc, "write")
}

// MQTTWriteResponseTopic returns {ns}[/{sel}]/{plc}/write/response, or
// {ns}[/{sel}]/write/response when plc is empty.
func (b *Builder) MQTTWriteResponseTopic(plc string) string {
	return b.base("/", plc, "write", "response")
}

// Valkey keys and channels, separated by ':'.

// ValkeyBase returns {ns}[:{sel}].
func (b *Builder) ValkeyBase() string { return b.base(":") }

// ValkeyTagKey returns {ns}[:{sel}]:{plc}:tags:{tag}.
func (b *Builder) ValkeyTagKey(plc, tag string) string {
	return b.base(":", plc, "tags", tag)
}

// ValkeyChangesChannel returns {ns}[:{sel}]:{plc}:changes.
func (b *Builder) ValkeyChangesChannel(plc string) string {
	return b.base(":", plc, "changes")
}

// ValkeyAllChangesChannel returns {ns}[:{sel}]:_all:changes.
func (b *Builder) ValkeyAllChangesChannel() string {
	return b.base(":", "_all", "changes")
}

// ValkeyWriteQueue returns {ns}[:{sel}]:writes.
func (b *Builder) ValkeyWriteQueue() string {
	return b.base(":", "writes")
}

// ValkeyWriteResponseChannel returns {ns}[:{sel}]:write:responses.
func (b *Builder) ValkeyWriteResponseChannel() string {
	return b.base(":", "write", "responses")
}

// Kafka topics, separated by '-'.

// KafkaTopic returns {ns}[-{sel}]. Records are keyed by plc.tag.
func (b *Builder) KafkaTopic() string { return b.base("-") }

// KafkaWriteTopic returns {ns}[-{sel}]-writes.
func (b *Builder) KafkaWriteTopic() string { return b.base("-", "writes") }

// KafkaWriteResponseTopic returns {ns}[-{sel}]-write-responses.
func (b *Builder) KafkaWriteResponseTopic() string { return b.base("-", "write-responses") }
