package models

// ValueType classifies the payload carried by an InputValue or PluginOutput.
type ValueType string

// Value type constants.
const (
	ValueTypeString  ValueType = "STRING"
	ValueTypeNumber  ValueType = "NUMBER"
	ValueTypeBoolean ValueType = "BOOLEAN"
	ValueTypeArray   ValueType = "ARRAY"
	ValueTypeObject  ValueType = "OBJECT"
	ValueTypePlan    ValueType = "PLAN"
	ValueTypeError   ValueType = "ERROR"
	ValueTypeAny     ValueType = "ANY"
)

// ArgAutoMappedFrom is the InputValue.Args key recording the producer's actual
// output name when a dependency was resolved by auto-mapping.
const ArgAutoMappedFrom = "auto_mapped_from"

// InputValue is a materialized step input: a dereferenced snapshot of a
// producer output or a literal supplied at step creation.
type InputValue struct {
	InputName string         `json:"inputName"`
	Value     any            `json:"value"`
	ValueType ValueType      `json:"valueType"`
	Args      map[string]any `json:"args,omitempty"`
}

// InputReference points at a named output of another step.
type InputReference struct {
	SourceStepID string `json:"sourceStepId"`
	OutputName   string `json:"outputName"`
}

// Dependency binds one input of a step to a named output of a source step.
type Dependency struct {
	InputName    string `json:"inputName"`
	SourceStepID string `json:"sourceStepId"`
	OutputName   string `json:"outputName"`
}

// PluginOutput is a single result produced by executing a step.
// ResultType PLAN signals a plan to be expanded into new steps;
// ResultType ERROR signals step failure.
type PluginOutput struct {
	Success           bool      `json:"success"`
	Name              string    `json:"name"`
	ResultType        ValueType `json:"resultType"`
	ResultDescription string    `json:"resultDescription,omitempty"`
	Result            any       `json:"result"`
	MimeType          string    `json:"mimeType,omitempty"`
	FileName          string    `json:"fileName,omitempty"`
	Error             string    `json:"error,omitempty"`
}

// IsPlan reports whether this output carries a plan for expansion.
func (o PluginOutput) IsPlan() bool {
	return o.ResultType == ValueTypePlan
}

// IsError reports whether this output signals a step failure.
func (o PluginOutput) IsError() bool {
	return o.ResultType == ValueTypeError || (!o.Success && o.Error != "")
}

// PlanTask is one task descriptor inside a PLAN output. Tasks reference each
// other by Number; expansion translates numbers into concrete step ids.
type PlanTask struct {
	Number          int                  `json:"number"`
	ActionVerb      string               `json:"actionVerb"`
	Description     string               `json:"description,omitempty"`
	Inputs          map[string]any       `json:"inputs,omitempty"`
	Dependencies    []PlanTaskDependency `json:"dependencies,omitempty"`
	Outputs         map[string]string    `json:"outputs,omitempty"`
	RecommendedRole string               `json:"recommendedRole,omitempty"`
}

// PlanTaskDependency wires an input of a plan task to an output of an
// earlier task in the same plan, by task number.
type PlanTaskDependency struct {
	InputName    string `json:"inputName"`
	SourceNumber int    `json:"sourceNumber"`
	OutputName   string `json:"outputName"`
}
