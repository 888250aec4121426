package transport

import (
	"fmt"
	"math"

	"github.com/ChuLiYu/pipeline-scheduler/pkg/types"
	"google.golang.org/protobuf/types/known/structpb"
)

// Wire field names of an encoded Package
const (
	fieldJobType    = "job_type"
	fieldMicrobatch = "microbatch_idx"
	fieldPartition  = "partition_idx"
	fieldSrcRank    = "src_rank"
	fieldDstRank    = "dst_rank"
	fieldAbort      = "abort"
	fieldData       = "data"
)

// EncodePackage converts pkg into a protobuf Struct. Payloads may be nil,
// bool, string, numbers, []float64, []any or map[string]any; numeric slices
// decode back as []any of float64. NaN and Inf are rejected.
func EncodePackage(pkg *types.Package) (*structpb.Struct, error) {
	data, err := encodeValue(pkg.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}

	md := pkg.Metadata
	fields := map[string]*structpb.Value{
		fieldJobType:    structpb.NewStringValue(string(md.JobType)),
		fieldMicrobatch: structpb.NewNumberValue(float64(md.MicrobatchIdx)),
		fieldPartition:  structpb.NewNumberValue(float64(md.PartitionIdx)),
		fieldSrcRank:    structpb.NewNumberValue(float64(md.SrcRank)),
		fieldDstRank:    structpb.NewNumberValue(float64(md.DstRank)),
		fieldData:       data,
	}
	if md.IsAbort() {
		fields[fieldAbort] = structpb.NewStringValue(md.Abort)
	}
	return &structpb.Struct{Fields: fields}, nil
}

func encodeValue(v any) (*structpb.Value, error) {
	switch x := v.(type) {
	case float64:
		if err := checkFinite(x); err != nil {
			return nil, err
		}
	case float32:
		if err := checkFinite(float64(x)); err != nil {
			return nil, err
		}
	case []float64:
		values := make([]*structpb.Value, len(x))
		for i, f := range x {
			if err := checkFinite(f); err != nil {
				return nil, fmt.Errorf("element %d: %w", i, err)
			}
			values[i] = structpb.NewNumberValue(f)
		}
		return structpb.NewListValue(&structpb.ListValue{Values: values}), nil
	case []any:
		values := make([]*structpb.Value, len(x))
		for i, e := range x {
			ev, err := encodeValue(e)
			if err != nil {
				return nil, fmt.Errorf("element %d: %w", i, err)
			}
			values[i] = ev
		}
		return structpb.NewListValue(&structpb.ListValue{Values: values}), nil
	case map[string]any:
		fields := make(map[string]*structpb.Value, len(x))
		for k, e := range x {
			ev, err := encodeValue(e)
			if err != nil {
				return nil, fmt.Errorf("field %q: %w", k, err)
			}
			fields[k] = ev
		}
		return structpb.NewStructValue(&structpb.Struct{Fields: fields}), nil
	}
	return structpb.NewValue(v)
}

func checkFinite(f float64) error {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Errorf("non-finite number %v", f)
	}
	return nil
}

// DecodePackage is the inverse of EncodePackage
func DecodePackage(s *structpb.Struct) (*types.Package, error) {
	fields := s.GetFields()
	for _, name := range []string{fieldJobType, fieldMicrobatch, fieldPartition, fieldSrcRank, fieldDstRank} {
		if _, ok := fields[name]; !ok {
			return nil, fmt.Errorf("missing field %q", name)
		}
	}

	md := types.Metadata{
		JobType:       types.JobType(fields[fieldJobType].GetStringValue()),
		MicrobatchIdx: int(fields[fieldMicrobatch].GetNumberValue()),
		PartitionIdx:  int(fields[fieldPartition].GetNumberValue()),
		SrcRank:       int(fields[fieldSrcRank].GetNumberValue()),
		DstRank:       int(fields[fieldDstRank].GetNumberValue()),
	}
	if v, ok := fields[fieldAbort]; ok {
		md.Abort = v.GetStringValue()
	}
	// abort notices raised outside any job carry an empty job type
	if !md.JobType.Valid() && !(md.IsAbort() && md.JobType == "") {
		return nil, fmt.Errorf("invalid job type %q", md.JobType)
	}

	var data any
	if v, ok := fields[fieldData]; ok {
		data = v.AsInterface()
	}
	return types.NewPackage(data, md), nil
}
