package pipeline

// Event is one message relayed to the client during a session. The set of
// variants is closed; transports switch on the concrete type.
type Event interface {
	event()
	// Terminal reports whether no event may follow this one.
	Terminal() bool
}

// Started opens every session.
type Started struct {
	SessionID string
	Message   string
}

// Status reports progress through a named stage.
type Status struct {
	Stage   string
	Message string
}

// Chunk is one fragment of a phase's streamed output. Seq counts
// fragments across the whole session.
type Chunk struct {
	Phase string
	Seq   int
	Text  string
}

// Retrieved summarises the context assembled for a chat answer.
type Retrieved struct {
	Sections int
	Tokens   int
	Summary  string
}

// Complete carries the final output of a session.
type Complete struct {
	Result Result
}

// Error ends a session that failed.
type Error struct {
	Message string
}

func (Started) event()   {}
func (Status) event()    {}
func (Chunk) event()     {}
func (Retrieved) event() {}
func (Complete) event()  {}
func (Error) event()     {}

func (Started) Terminal() bool   { return false }
func (Status) Terminal() bool    { return false }
func (Chunk) Terminal() bool     { return false }
func (Retrieved) Terminal() bool { return false }
func (Complete) Terminal() bool  { return true }
func (Error) Terminal() bool     { return true }

// Result is the payload of a Complete event. Fields returns the
// wire fields merged into the completion message.
type Result interface {
	Fields() map[string]any
}

type DiagramResult struct {
	Diagram     string `json:"diagram"`
	Explanation string `json:"explanation"`
	Mapping     string `json:"mapping"`
}

func (r DiagramResult) Fields() map[string]any {
	return map[string]any{"diagram": r.Diagram, "explanation": r.Explanation, "mapping": r.Mapping}
}

type ChatResult struct {
	Response string `json:"response"`
}

func (r ChatResult) Fields() map[string]any {
	return map[string]any{"response": r.Response}
}

type ReadmeResult struct {
	Readme string `json:"readme"`
}

func (r ReadmeResult) Fields() map[string]any {
	return map[string]any{"readme": r.Readme}
}

// Emitter delivers one event to the client. An error means the client is
// gone and the session must stop.
type Emitter func(Event) error
