package metrics

// Recorder is what the pipeline and HTTP layer report into. Implementations
// must be safe for concurrent use.
type Recorder interface {
	GenerationStarted()
	RecordGeneration(rec GenerationRecord)
	RecordAssistant(cacheHit bool, failed bool)
	RecordAuth(event AuthEvent)
}

// Nop discards everything. Useful where metrics are optional.
type Nop struct{}

func (Nop) GenerationStarted() {}
func (Nop) RecordGeneration(GenerationRecord) {}
func (Nop) RecordAssistant(bool, bool) {}
func (Nop) RecordAuth(AuthEvent) {}

var (
	_ Recorder = Nop{}
	_ Recorder = (*Store)(nil)
)
