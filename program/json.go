package program

import (
	"github.com/goccy/go-json"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// jsonProgram is the serialized form of a Program.
type jsonProgram struct {
	Name string         `json:"name"`
	Vars []jsonVariable `json:"vars"`
	Ops  []jsonOperator `json:"ops"`
}

type jsonVariable struct {
	Name               string `json:"name"`
	Shape              []int  `json:"shape"`
	DType              string `json:"dtype"`
	Kind               string `json:"kind"`
	Persistable        bool   `json:"persistable,omitempty"`
	StopGradient       bool   `json:"stop_gradient,omitempty"`
	IsData             bool   `json:"is_data,omitempty"`
	Trainable          bool   `json:"trainable,omitempty"`
	NeedClip           bool   `json:"need_clip,omitempty"`
	DoModelAverage     bool   `json:"do_model_average,omitempty"`
	Regularizer        string `json:"regularizer,omitempty"`
	ErrorClip          string `json:"error_clip,omitempty"`
	BelongsToOptimizer bool   `json:"belongs_to_optimizer,omitempty"`
}

type jsonOperator struct {
	Type    string              `json:"type"`
	Role    string              `json:"role"`
	Inputs  map[string][]string `json:"inputs,omitempty"`
	Outputs map[string][]string `json:"outputs,omitempty"`
	Attrs   map[string]any      `json:"attrs,omitempty"`
}

// MarshalJSON serializes the program, preserving variable creation order and
// operator execution order.
func (p *Program) MarshalJSON() ([]byte, error) {
	jp := jsonProgram{Name: p.name}
	for _, v := range p.Vars() {
		jp.Vars = append(jp.Vars, jsonVariable{
			Name:               v.Name,
			Shape:              v.Shape,
			DType:              v.DType.String(),
			Kind:               v.Kind.String(),
			Persistable:        v.Persistable,
			StopGradient:       v.StopGradient,
			IsData:             v.IsData,
			Trainable:          v.Trainable,
			NeedClip:           v.NeedClip,
			DoModelAverage:     v.DoModelAverage,
			Regularizer:        v.Regularizer,
			ErrorClip:          v.ErrorClip,
			BelongsToOptimizer: v.BelongsToOptimizer,
		})
	}
	for _, op := range p.ops {
		jp.Ops = append(jp.Ops, jsonOperator{
			Type:    op.Type,
			Role:    op.Role.String(),
			Inputs:  op.Inputs,
			Outputs: op.Outputs,
			Attrs:   normalizeAttrs(op.Attrs),
		})
	}
	return json.Marshal(jp)
}

// UnmarshalJSON deserializes a program previously serialized with
// MarshalJSON.
func (p *Program) UnmarshalJSON(data []byte) error {
	var jp jsonProgram
	if err := json.Unmarshal(data, &jp); err != nil {
		return errors.Wrap(err, "failed to parse program JSON")
	}
	*p = *New(jp.Name)
	for _, jv := range jp.Vars {
		kind, err := VarKindString(jv.Kind)
		if err != nil {
			return errors.Wrapf(err, "variable %q", jv.Name)
		}
		dtype, err := dtypes.DTypeString(jv.DType)
		if err != nil {
			return errors.Wrapf(err, "variable %q", jv.Name)
		}
		if _, err = p.CreateVar(&Variable{
			Name:               jv.Name,
			Shape:              jv.Shape,
			DType:              dtype,
			Kind:               kind,
			Persistable:        jv.Persistable,
			StopGradient:       jv.StopGradient,
			IsData:             jv.IsData,
			Trainable:          jv.Trainable,
			NeedClip:           jv.NeedClip,
			DoModelAverage:     jv.DoModelAverage,
			Regularizer:        jv.Regularizer,
			ErrorClip:          jv.ErrorClip,
			BelongsToOptimizer: jv.BelongsToOptimizer,
		}); err != nil {
			return err
		}
	}
	for _, jo := range jp.Ops {
		role, err := OpRoleString(jo.Role)
		if err != nil {
			return errors.Wrapf(err, "operator %q", jo.Type)
		}
		p.AppendOp(&Operator{
			Type:    jo.Type,
			Role:    role,
			Inputs:  jo.Inputs,
			Outputs: jo.Outputs,
			Attrs:   normalizeAttrs(jo.Attrs),
		})
	}
	return nil
}

// normalizeAttrs converts JSON-decoded attribute values back to the in-memory
// conventions: arrays of integer-valued numbers become []int (the "shape"
// attribute in particular). Scalar numbers keep their decoded type, so a
// float attribute like a fill value stays a float64 across a round trip.
func normalizeAttrs(attrs map[string]any) map[string]any {
	if attrs == nil {
		return nil
	}
	normalized := make(map[string]any, len(attrs))
	for key, value := range attrs {
		normalized[key] = normalizeAttr(value)
	}
	return normalized
}

func normalizeAttr(value any) any {
	v, ok := value.([]any)
	if !ok {
		return value
	}
	ints := make([]int, 0, len(v))
	for _, element := range v {
		f, ok := element.(float64)
		if !ok || f != float64(int(f)) {
			return v
		}
		ints = append(ints, int(f))
	}
	return ints
}
