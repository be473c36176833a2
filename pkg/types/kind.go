package types

// FieldDescriptor describes one input or output of a node kind.
type FieldDescriptor struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
	Iterate     bool   `json:"iterate,omitempty"`
}

// KindDescriptor describes a registered node kind.
type KindDescriptor struct {
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Tags        []string          `json:"tags,omitempty"`
	Inputs      []FieldDescriptor `json:"inputs"`
	Outputs     []FieldDescriptor `json:"outputs"`
}

// ProcessorStatus reports the invocation processor's state.
type ProcessorStatus struct {
	IsStarted    bool `json:"is_started"`
	IsProcessing bool `json:"is_processing"`
	IsPaused     bool `json:"is_paused"`
	QueueSize    int  `json:"queue_size"`
	Workers      int  `json:"workers"`
}
