package output

import (
	"fmt"
	"io"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/basekick-labs/pvexport/internal/export"
)

// Column positions in ArrowSchema.
const (
	colChannel = iota
	colSeconds
	colNanoseconds
	colValue
	colText
	colValues
	colTexts
	colBlob
	colStatus
	colSeverity
)

// ArrowSchema is the schema of the Arrow stream. A record fills exactly one of
// value, text, values, texts or blob depending on its value type; integers are
// widened to float64. status and severity are null unless requested.
var ArrowSchema = arrow.NewSchema([]arrow.Field{
	{Name: "channel", Type: arrow.BinaryTypes.String},
	{Name: "seconds", Type: arrow.PrimitiveTypes.Int64},
	{Name: "nanoseconds", Type: arrow.PrimitiveTypes.Int32},
	{Name: "value", Type: arrow.PrimitiveTypes.Float64, Nullable: true},
	{Name: "text", Type: arrow.BinaryTypes.String, Nullable: true},
	{Name: "values", Type: arrow.ListOf(arrow.PrimitiveTypes.Float64), Nullable: true},
	{Name: "texts", Type: arrow.ListOf(arrow.BinaryTypes.String), Nullable: true},
	{Name: "blob", Type: arrow.BinaryTypes.Binary, Nullable: true},
	{Name: "status", Type: arrow.PrimitiveTypes.Int16, Nullable: true},
	{Name: "severity", Type: arrow.PrimitiveTypes.Int16, Nullable: true},
}, nil)

// WriteArrow writes res as an Arrow IPC stream with one record batch per
// channel.
func WriteArrow(w io.Writer, res *export.Result) error {
	mem := memory.NewGoAllocator()
	ipcWriter := ipc.NewWriter(w, ipc.WithSchema(ArrowSchema), ipc.WithAllocator(mem))

	for _, e := range res.Entries() {
		if err := writeArrowBatch(ipcWriter, mem, e); err != nil {
			ipcWriter.Close()
			return err
		}
	}
	return ipcWriter.Close()
}

func writeArrowBatch(ipcWriter *ipc.Writer, mem memory.Allocator, e export.Entry) error {
	rb := array.NewRecordBuilder(mem, ArrowSchema)
	defer rb.Release()

	channel := rb.Field(colChannel).(*array.StringBuilder)
	seconds := rb.Field(colSeconds).(*array.Int64Builder)
	nanos := rb.Field(colNanoseconds).(*array.Int32Builder)
	value := rb.Field(colValue).(*array.Float64Builder)
	text := rb.Field(colText).(*array.StringBuilder)
	values := rb.Field(colValues).(*array.ListBuilder)
	valuesElem := values.ValueBuilder().(*array.Float64Builder)
	texts := rb.Field(colTexts).(*array.ListBuilder)
	textsElem := texts.ValueBuilder().(*array.StringBuilder)
	blob := rb.Field(colBlob).(*array.BinaryBuilder)
	status := rb.Field(colStatus).(*array.Int16Builder)
	severity := rb.Field(colSeverity).(*array.Int16Builder)

	for i := range e.Records {
		r := &e.Records[i]
		channel.Append(e.Channel)
		seconds.Append(r.Time.Seconds)
		nanos.Append(r.Time.Nanoseconds)

		filled := -1
		switch v := r.Value.(type) {
		case float64:
			value.Append(v)
			filled = colValue
		case int64:
			value.Append(float64(v))
			filled = colValue
		case string:
			text.Append(v)
			filled = colText
		case []float64:
			values.Append(true)
			valuesElem.AppendValues(v, nil)
			filled = colValues
		case []int64:
			values.Append(true)
			for _, x := range v {
				valuesElem.Append(float64(x))
			}
			filled = colValues
		case []string:
			texts.Append(true)
			textsElem.AppendValues(v, nil)
			filled = colTexts
		case []byte:
			blob.Append(v)
			filled = colBlob
		default:
			return fmt.Errorf("channel %q: no arrow column for %T", e.Channel, r.Value)
		}
		if filled != colValue {
			value.AppendNull()
		}
		if filled != colText {
			text.AppendNull()
		}
		if filled != colValues {
			values.AppendNull()
		}
		if filled != colTexts {
			texts.AppendNull()
		}
		if filled != colBlob {
			blob.AppendNull()
		}

		if r.Alarm != nil {
			status.Append(r.Alarm.Status)
			severity.Append(r.Alarm.Severity)
		} else {
			status.AppendNull()
			severity.AppendNull()
		}
	}

	rec := rb.NewRecord()
	defer rec.Release()
	if err := ipcWriter.Write(rec); err != nil {
		return fmt.Errorf("failed to write arrow batch for %q: %w", e.Channel, err)
	}
	return nil
}
