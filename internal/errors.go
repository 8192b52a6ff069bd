package internal

import "fmt"

var (
	ErrDLQNotExists    = fmt.Errorf("dlq does not exist")
	ErrNoMessagesInDLQ = fmt.Errorf("no content")

	ErrPipelineNotExists = fmt.Errorf("no pipeline with given id exists")
	ErrTableNotTracked   = fmt.Errorf("table is not tracked for this source")
	ErrJobNotFound       = fmt.Errorf("no backfill job with given id exists")
)
