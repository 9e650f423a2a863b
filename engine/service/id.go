package service

// ID identifies a thing: application (tenant) plus name.
type ID struct {
	Application string
	Name        string
}

// NewID creates an ID.
func NewID(application, name string) ID {
	return ID{Application: application, Name: name}
}

func (id ID) String() string {
	return id.Application + "/" + id.Name
}
