package domain

// Artifact is an uploaded, publicly addressable media file.
type Artifact struct {
	ItemID   string
	Name     string
	URL      string
	Size     int64
	MimeType string
	// Metadata is the full item metadata reported by the fetch engine.
	Metadata CandidateItem
}

// Outcome is the result of one (item, strategy) attempt.
type Outcome struct {
	Artifact *Artifact
	Kind     ErrorKind
	Message  string
}

// Success builds a successful outcome.
func Success(a Artifact) Outcome {
	return Outcome{Artifact: &a}
}

// Failure builds a failed outcome.
func Failure(kind ErrorKind, msg string) Outcome {
	return Outcome{Kind: kind, Message: msg}
}

// OK reports whether the attempt produced an artifact.
func (o Outcome) OK() bool {
	return o.Artifact != nil
}
