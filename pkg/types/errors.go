package types

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedDocument 持久化文档无法解析为 {"rules": [...]} 结构
	ErrMalformedDocument = errors.New("malformed match list document")
	ErrStoreClosed       = errors.New("store is closed")
	ErrListNotFound      = errors.New("match list not found")
	ErrProcessorNotReady = errors.New("processor not ready")
)

type PipelineError struct {
	Stage string
	Err   error
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("pipeline error at stage %s: %v", e.Stage, e.Err)
}

func (e *PipelineError) Unwrap() error {
	return e.Err
}

func NewPipelineError(stage string, err error) error {
	return &PipelineError{Stage: stage, Err: err}
}
