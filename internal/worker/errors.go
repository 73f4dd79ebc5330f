package worker

import (
	"errors"
	"fmt"

	"github.com/GoSim-25-26J-441/sqp-runmanager/pkg/models"
)

// ErrEvaluationFailed is matched by every *EvaluationError
var ErrEvaluationFailed = errors.New("evaluation failed")

// EvaluationError classifies why a model run produced no observations
type EvaluationError struct {
	Kind    models.FailureKind
	Message string
	Err     error
}

func (e *EvaluationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("evaluation failed (%s): %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("evaluation failed (%s): %s", e.Kind, e.Message)
}

func (e *EvaluationError) Is(target error) bool {
	return target == ErrEvaluationFailed
}

func (e *EvaluationError) Unwrap() error {
	return e.Err
}

// Failure converts the error into the failure reported to the master
func (e *EvaluationError) Failure() *models.Failure {
	msg := e.Message
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return &models.Failure{Kind: e.Kind, Message: msg}
}

func evalError(kind models.FailureKind, err error, format string, args ...any) *EvaluationError {
	return &EvaluationError{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}
