package measure

import "fmt"

// ConfigurationError reports a measure that cannot be evaluated as defined:
// missing scoring, an undefined expression or an unknown population type.
type ConfigurationError struct {
	Msg string
	Err error
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("measure configuration: %s: %v", e.Msg, e.Err)
	}
	return "measure configuration: " + e.Msg
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// ExpressionError wraps a failure raised while evaluating a CQL expression.
type ExpressionError struct {
	SubjectID  string
	Expression string
	Err        error
}

func (e *ExpressionError) Error() string {
	return fmt.Sprintf("evaluate expression %q for subject %q: %v", e.Expression, e.SubjectID, e.Err)
}

func (e *ExpressionError) Unwrap() error { return e.Err }

// EvaluationTypeError reports an expression result of a type the engine
// cannot interpret.
type EvaluationTypeError struct {
	Expression string
	Value      any
}

func (e *EvaluationTypeError) Error() string {
	return fmt.Sprintf("expression %q returned unsupported type %T", e.Expression, e.Value)
}

// DataAccessError wraps a failure of the data collaborator.
type DataAccessError struct {
	Op  string
	Err error
}

func (e *DataAccessError) Error() string {
	return fmt.Sprintf("data access: %s: %v", e.Op, e.Err)
}

func (e *DataAccessError) Unwrap() error { return e.Err }
