package program

import (
	"bytes"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"

	"github.com/x448/float16"
)

// IndentationStep used when writing a program as text.
const IndentationStep = "  "

// Write renders the program as readable text, for debugging and test
// assertions. It writes incomplete programs without error to help debugging.
func (p *Program) Write(writer io.Writer) error {
	var err error
	w := func(format string, args ...any) {
		if err != nil {
			// No op if an error was encountered earlier
			return
		}
		_, err = fmt.Fprintf(writer, format, args...)
	}

	w("program @%s {\n", p.name)
	for _, v := range p.Vars() {
		w("%svar %%%s: %s%s kind=%s", IndentationStep, v.Name, v.DType, formatShape(v.Shape), v.Kind)
		if v.Persistable {
			w(" persistable")
		}
		if v.Kind == Parameter && v.Trainable {
			w(" trainable")
		}
		if v.StopGradient {
			w(" stop_gradient")
		}
		w("\n")
	}
	for _, op := range p.ops {
		w("%s#%d: %s(", IndentationStep, op.ID, op.Type)
		writeSlots(w, op.Inputs)
		w(") -> (")
		writeSlots(w, op.Outputs)
		w(") {role = %s", op.Role)
		for _, key := range slices.Sorted(maps.Keys(op.Attrs)) {
			w(", %s = %s", key, formatLiteral(op.Attrs[key]))
		}
		w("}\n")
	}
	w("}\n")
	return err
}

// String renders the program as text; it returns an empty string if rendering
// fails.
func (p *Program) String() string {
	var buf bytes.Buffer
	if err := p.Write(&buf); err != nil {
		return ""
	}
	return buf.String()
}

func writeSlots(w func(format string, args ...any), slots map[string][]string) {
	first := true
	for _, slot := range slices.Sorted(maps.Keys(slots)) {
		if !first {
			w(", ")
		}
		first = false
		w("%s=[%s]", slot, strings.Join(slots[slot], ", "))
	}
}

func formatShape(shape []int) string {
	var sb strings.Builder
	sb.WriteString("[")
	for i, dim := range shape {
		if i > 0 {
			sb.WriteString(", ")
		}
		if dim == DimUnknown {
			sb.WriteString("?")
		} else {
			_, _ = fmt.Fprintf(&sb, "%d", dim)
		}
	}
	sb.WriteString("]")
	return sb.String()
}

// formatLiteral converts an attribute value to its text representation.
func formatLiteral(attr any) string {
	switch v := attr.(type) {
	case string:
		return fmt.Sprintf("%q", v)
	case float32, float64:
		return fmt.Sprintf("%g", v)
	case float16.Float16:
		// Half-precision attributes (e.g. fp16 initializer fill values)
		// are widened for display only.
		return fmt.Sprintf("%g", v.Float32())
	case int, int8, int16, int32, int64, uint8, uint16, uint32, uint64:
		return fmt.Sprintf("%d", v)
	case bool:
		if v {
			return "true"
		}
		return "false"
	case []int:
		return formatShape(v)
	default:
		return fmt.Sprintf("%v", v)
	}
}
