package task

import "errors"

var (
	ErrTaskNotFound = errors.New("task not found")
	ErrSlotBusy     = errors.New("task slot busy")
	ErrUnknownStore = errors.New("unknown history backend")
)
