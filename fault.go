package objstream

// RemoteFault carries a writer-side fault that has no serializable type
// of its own across an exception record.
type RemoteFault struct {
	Class   string
	Message string
}

func (f *RemoteFault) Error() string {
	if f.Class == "" {
		return f.Message
	}
	return f.Class + ": " + f.Message
}
