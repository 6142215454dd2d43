package job

// Emitter receives job record updates as they are persisted. The HTTP
// layer fans these out to websocket subscribers; tests use NopEmitter.
type Emitter interface {
	JobUpdated(j *Job)
}

// NopEmitter discards all updates.
type NopEmitter struct{}

// JobUpdated implements Emitter.
func (NopEmitter) JobUpdated(*Job) {}
