package common

import "fmt"

// StoreErrType ...
type StoreErrType uint32

const (
	// KeyNotFound ...
	KeyNotFound StoreErrType = iota
	// KeyAlreadyExists ...
	KeyAlreadyExists
	// NoRoom ...
	NoRoom
	// NoCreator ...
	NoCreator
	// Empty ...
	Empty
)

// StoreErr is returned by storage and event-store lookups. It carries the
// data type and key that were requested so that callers can log something
// useful.
type StoreErr struct {
	dataType string
	errType  StoreErrType
	key      string
}

// NewStoreErr ...
func NewStoreErr(dataType string, errType StoreErrType, key string) StoreErr {
	return StoreErr{
		dataType: dataType,
		errType:  errType,
		key:      key,
	}
}

// Error ...
func (e StoreErr) Error() string {
	m := ""
	switch e.errType {
	case KeyNotFound:
		m = "Not Found"
	case KeyAlreadyExists:
		m = "Key Already Exists"
	case NoRoom:
		m = "No Room"
	case NoCreator:
		m = "No Creator"
	case Empty:
		m = "Empty"
	}

	return fmt.Sprintf("%s, %s, %s", e.dataType, e.key, m)
}

// IsStore checks that an error is of type StoreErr and that its code matches
// the provided StoreErr code.
func IsStore(err error, t StoreErrType) bool {
	storeErr, ok := err.(StoreErr)
	return ok && storeErr.errType == t
}
