package cluster

import "fmt"

// ErrorCode is the recoverable outcome of applying a controller command.
// These cover legitimate races between command generation and application
// (a delete racing a concurrent lookup); they are reported, never retried,
// at this layer. Anything else that can go wrong in the apply path is an
// invariant violation and terminates the process.
type ErrorCode int16

// Recoverable error codes
const (
	ErrNone               ErrorCode = 0
	ErrTopicNotExists     ErrorCode = 1
	ErrPartitionNotExists ErrorCode = 2
)

func (e ErrorCode) String() string {
	switch e {
	case ErrNone:
		return "success"
	case ErrTopicNotExists:
		return "topic_not_exists"
	case ErrPartitionNotExists:
		return "partition_not_exists"
	}
	return fmt.Sprintf("unknown_error(%d)", int16(e))
}
